// Package protocol implements the tracker synchronization wire protocol.
//
// Every message is a flat tagged sequence: the first element is the integer
// message kind, the remaining elements are the kind's positional fields.
//
//	[13, "todo", {"filter": "open"}, "s1"]    TRACKER_CREATE
//	[15, "todo", "s1", {...}, ["add"]]        TRACKER_CREATE_NEW
//
// # Message Kinds
//
//	| Kind                  | Value | Fields                                   |
//	|-----------------------|-------|------------------------------------------|
//	| TRACKER_CREATE        | 13    | group, params, serial                    |
//	| TRACKER_ACTION        | 14    | group, action                            |
//	| TRACKER_CREATE_NEW    | 15    | group, serial, data, apis                |
//	| TRACKER_CREATE_UPDATE | 16    | group, serial, actions                   |
//	| TRACKER_API           | 17    | group, apiId, name, args                 |
//	| TRACKER_API_RESPONSE  | 18    | group, apiId, result, response, params   |
//	| TRACKER_EMIT          | 19    | group, event, data                       |
//	| TRACKER_CLOSE         | 20    | group                                    |
//	| TRACKER_CREATE_FAIL   | 21    | group, err                               |
//
// # Codecs
//
// The sequence is serialized with a Codec. JSON is the default and travels
// in WebSocket text frames; CBOR is available for binary transports. Both
// codecs are deterministic: encoding the same message twice yields the same
// bytes, which keeps recorded sessions replayable.
//
// # Parsing
//
// A Parser decodes raw payloads and dispatches them to a Handlers table, one
// typed function per kind. Decode and dispatch failures never escape Parse;
// they are reported through the parser's error hook:
//
//	p := &protocol.Parser{
//	    Codec: protocol.JSON,
//	    Handlers: protocol.Handlers{
//	        OnTrackerClose: func(ctx context.Context, group string) error {
//	            return sess.closeGroup(group)
//	        },
//	    },
//	    OnError: func(err error) { logger.Warn("bad message", "error", err) },
//	}
//	p.Parse(ctx, payload)
package protocol
