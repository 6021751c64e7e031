package protocol

import "strconv"

// Kind identifies the type of a tracker protocol message.
type Kind int

// Message kinds. Values 1-12 belonged to retired message families and are
// never reused.
const (
	KindTrackerCreate       Kind = 13 // Client → Server
	KindTrackerAction       Kind = 14 // Either direction
	KindTrackerCreateNew    Kind = 15 // Server → Client
	KindTrackerCreateUpdate Kind = 16 // Server → Client
	KindTrackerAPI          Kind = 17 // Client → Server
	KindTrackerAPIResponse  Kind = 18 // Server → Client
	KindTrackerEmit         Kind = 19 // Server → Client
	KindTrackerClose        Kind = 20 // Either direction
	KindTrackerCreateFail   Kind = 21 // Server → Client
)

// Kinds lists every known message kind in ascending order.
var Kinds = []Kind{
	KindTrackerCreate,
	KindTrackerAction,
	KindTrackerCreateNew,
	KindTrackerCreateUpdate,
	KindTrackerAPI,
	KindTrackerAPIResponse,
	KindTrackerEmit,
	KindTrackerClose,
	KindTrackerCreateFail,
}

// handlerNames maps each kind to the name of the handler that receives it.
var handlerNames = map[Kind]string{
	KindTrackerCreate:       "OnTrackerCreate",
	KindTrackerAction:       "OnTrackerAction",
	KindTrackerCreateNew:    "OnTrackerCreateNew",
	KindTrackerCreateUpdate: "OnTrackerCreateUpdate",
	KindTrackerAPI:          "OnTrackerAPI",
	KindTrackerAPIResponse:  "OnTrackerAPIResponse",
	KindTrackerEmit:         "OnTrackerEmit",
	KindTrackerClose:        "OnTrackerClose",
	KindTrackerCreateFail:   "OnTrackerCreateFail",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTrackerCreate:
		return "TRACKER_CREATE"
	case KindTrackerAction:
		return "TRACKER_ACTION"
	case KindTrackerCreateNew:
		return "TRACKER_CREATE_NEW"
	case KindTrackerCreateUpdate:
		return "TRACKER_CREATE_UPDATE"
	case KindTrackerAPI:
		return "TRACKER_API"
	case KindTrackerAPIResponse:
		return "TRACKER_API_RESPONSE"
	case KindTrackerEmit:
		return "TRACKER_EMIT"
	case KindTrackerClose:
		return "TRACKER_CLOSE"
	case KindTrackerCreateFail:
		return "TRACKER_CREATE_FAIL"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(k)) + ")"
	}
}

// Known reports whether k is one of the defined message kinds.
func (k Kind) Known() bool {
	_, ok := handlerNames[k]
	return ok
}

// HandlerName returns the name of the handler bound to the kind, or "" for
// unknown kinds.
func (k Kind) HandlerName() string {
	return handlerNames[k]
}
