// Package replica mirrors tracker state on the client side of a connection.
//
// A Replica consumes the server-to-client messages of one connection and
// keeps, per group, the state the server last announced:
//
//   - TRACKER_CREATE_NEW replaces the group's state with the initial data
//     and records the serial and API names.
//   - TRACKER_CREATE_UPDATE folds each action into the state with the
//     reducer, in order. Updates for a serial other than the current one
//     are stale and ignored.
//   - TRACKER_CLOSE and TRACKER_CREATE_FAIL drop the group.
//
// The reducer must match the tracker's: server.MergeReduce unless the
// tracker implements server.Reducer. With matching reducers the replica's
// state equals the tracker's server-side state after every update.
//
//	r := replica.New(replica.Options{})
//	for {
//	    _, data, err := conn.ReadMessage()
//	    if err != nil {
//	        break
//	    }
//	    r.Receive(ctx, data)
//	}
//	state, _ := r.State("Counter:main")
package replica
