package protocol

import (
	"encoding/json"
	"math"
	"strconv"
)

// API response results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Message is a decoded protocol message: a kind and its positional fields.
type Message struct {
	Kind   Kind
	Fields []any
}

// New returns a message of the given kind.
func New(kind Kind, fields ...any) Message {
	return Message{Kind: kind, Fields: fields}
}

// Encode serializes the message as [kind, ...fields].
func (m Message) Encode(c Codec) ([]byte, error) {
	return Encode(c, m.Kind, m.Fields...)
}

// String returns the message kind name.
func (m Message) String() string {
	return m.Kind.String()
}

// Len returns the number of fields.
func (m Message) Len() int {
	return len(m.Fields)
}

// Field returns field i, or nil when the message is shorter.
func (m Message) Field(i int) any {
	if i < 0 || i >= len(m.Fields) {
		return nil
	}
	return m.Fields[i]
}

// Text returns field i as an identifier string. Integral numbers are
// accepted and formatted in decimal, since clients may use numeric groups or
// serials.
func (m Message) Text(i int) (string, error) {
	if i >= len(m.Fields) {
		return "", malformed("%s: missing field %d", m.Kind, i)
	}
	switch v := m.Fields[i].(type) {
	case string:
		return v, nil
	case json.Number, int64, uint64, int, float64:
		if n, ok := toInt64(v); ok {
			return strconv.FormatInt(n, 10), nil
		}
	}
	return "", malformed("%s: field %d is %T, want string", m.Kind, i, m.Fields[i])
}

// List returns field i as a sequence. A missing or null field yields nil.
// A []string field, as built by TrackerCreateNew, is accepted too.
func (m Message) List(i int) ([]any, error) {
	v := m.Field(i)
	if v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for j, s := range list {
			out[j] = s
		}
		return out, nil
	}
	return nil, malformed("%s: field %d is %T, want sequence", m.Kind, i, v)
}

// Strings returns field i as a sequence of strings.
func (m Message) Strings(i int) ([]string, error) {
	list, err := m.List(i)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, malformed("%s: field %d contains %T, want string", m.Kind, i, v)
		}
		out = append(out, s)
	}
	return out, nil
}

// Bind decodes field i into dst by re-encoding it with the codec.
func (m Message) Bind(c Codec, i int, dst any) error {
	return Bind(c, m.Field(i), dst)
}

// Bind converts a generically decoded value into dst using the codec.
func Bind(c Codec, v any, dst any) error {
	data, err := c.Marshal(v)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, dst)
}

// Encode serializes kind and fields as a flat sequence.
func Encode(c Codec, kind Kind, fields ...any) ([]byte, error) {
	seq := make([]any, 0, len(fields)+1)
	seq = append(seq, int(kind))
	seq = append(seq, fields...)
	return c.Marshal(seq)
}

// Decode parses data into a Message. It fails with ErrMalformedMessage when
// data does not parse, the top-level value is not a non-empty sequence, or
// the leading element is not an integer. Unknown kinds decode successfully;
// rejecting them is the dispatcher's job.
func Decode(c Codec, data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, malformed("empty payload")
	}
	var seq []any
	if err := c.Unmarshal(data, &seq); err != nil {
		return Message{}, malformed("%v", err)
	}
	if seq == nil {
		return Message{}, malformed("top-level value is not a sequence")
	}
	if len(seq) == 0 {
		return Message{}, malformed("empty sequence")
	}
	n, ok := toInt64(seq[0])
	if !ok || n < math.MinInt32 || n > math.MaxInt32 {
		return Message{}, malformed("leading element %v is not a message kind", seq[0])
	}
	return Message{Kind: Kind(n), Fields: seq[1:]}, nil
}

// toInt64 converts the integer representations produced by the built-in
// codecs.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// =============================================================================
// Message Constructors
// =============================================================================

// TrackerCreate asks the server to create a tracker for group.
func TrackerCreate(group string, params any, serial string) Message {
	return New(KindTrackerCreate, group, params, serial)
}

// TrackerAction carries a single action descriptor for group.
func TrackerAction(group string, action any) Message {
	return New(KindTrackerAction, group, action)
}

// TrackerCreateNew carries a tracker's full initial state and API names.
func TrackerCreateNew(group, serial string, data any, apis []string) Message {
	if apis == nil {
		apis = []string{}
	}
	return New(KindTrackerCreateNew, group, serial, data, apis)
}

// TrackerCreateUpdate carries the ordered actions that transform the previous
// state into the current one.
func TrackerCreateUpdate(group, serial string, actions []any) Message {
	if actions == nil {
		actions = []any{}
	}
	return New(KindTrackerCreateUpdate, group, serial, actions)
}

// TrackerAPI invokes a tracker API. apiID correlates the response.
func TrackerAPI(group string, apiID any, name string, args []any) Message {
	if args == nil {
		args = []any{}
	}
	return New(KindTrackerAPI, group, apiID, name, args)
}

// TrackerAPIResponse answers a TrackerAPI call with ResultOK or ResultError.
func TrackerAPIResponse(group string, apiID any, result string, response any, params map[string]any) Message {
	if params == nil {
		params = map[string]any{}
	}
	return New(KindTrackerAPIResponse, group, apiID, result, response, params)
}

// TrackerEmit forwards a channel event to the client.
func TrackerEmit(group, event string, data any) Message {
	return New(KindTrackerEmit, group, event, data)
}

// TrackerClose closes the tracker for group.
func TrackerClose(group string) Message {
	return New(KindTrackerClose, group)
}

// TrackerCreateFail reports that tracker creation for group failed.
func TrackerCreateFail(group string, err string) Message {
	return New(KindTrackerCreateFail, group, err)
}
