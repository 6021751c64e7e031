// Package server provides the server side of the tracker synchronization
// protocol.
//
// A Service holds a registry of tracker classes. Clients connect over a
// WebSocket, and each connection runs a Session that creates trackers on
// request and keeps their state in sync with the client.
//
// # Architecture
//
//   - Service: tracker registry, URL matching, channel driver, session hooks
//   - Session: per-connection state; routes inbound messages to trackers and
//     serializes outbound messages through a bounded send queue
//   - Tracker: runtime for one client subscription, bound to a channel instance
//   - SessionManager: tracks the sessions of a service
//   - Server: HTTP/WebSocket front end with /metrics and /healthz
//
// # Tracker Lifecycle
//
// A tracker is created by TRACKER_CREATE. Its OnCreate hook prepares the
// initial state and returns the channel it binds to. The tracker then
// becomes active and the client receives TRACKER_CREATE_NEW with the state
// and the API names. Dispatch reduces actions into the state and sends them
// as TRACKER_CREATE_UPDATE. TRACKER_API calls are always answered with
// exactly one TRACKER_API_RESPONSE. Closing unsubscribes the tracker from
// its channel before Close returns.
//
// # Ordering
//
// Every tracker group in a session has its own worker goroutine with a
// bounded inbox. Messages for the same group run in arrival order, distinct
// groups run concurrently. Messages that arrive while a tracker is being
// created queue behind the creation.
//
// # Example Usage
//
//	type CounterTracker struct {
//	    server.Base
//	    count int
//	}
//
//	func (t *CounterTracker) OnCreate(ctx context.Context) (channel.Channel, error) {
//	    t.SetState(map[string]any{"count": 0})
//	    return channel.Named("counter", t.Group()), nil
//	}
//
//	func (t *CounterTracker) Increment(ctx context.Context, call *server.Call) (any, error) {
//	    t.count++
//	    return nil, t.Dispatch(map[string]any{"count": t.count})
//	}
//
//	svc := server.NewService(server.Options{Name: "counter", URL: "/ws"})
//	svc.RegisterTracker(server.Define(func() *CounterTracker { return &CounterTracker{} }).
//	    API("increment", (*CounterTracker).Increment), "")
//
//	server.New(nil, svc).Run()
//
// # Thread Safety
//
// Service, Session and Base methods are safe for concurrent use. Tracker
// hooks and APIs of one group never run concurrently with each other.
package server
