package rpcmux

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version this client speaks.
const Version = "2.0"

// RequestID is a client-issued correlation id. On the wire it is always
// emitted as a bare unsigned JSON integer, but it is parsed leniently from
// string, number or null because servers (and batches containing foreign
// replies) are not required to echo it back verbatim — see
// original_source/types/src/jsonrpc/request.rs for the asymmetry this
// mirrors: strict on emit, lenient on parse, with correlation failing
// closed rather than the parse itself failing.
type RequestID uint32

// MarshalJSON emits the bare integer form mandated by spec.md §6.
func (id RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint32(id))
}

// rawID is the wire representation of an id field before it has been
// checked against an expected RequestID. A non-integer id (string,
// object, array) unmarshals successfully but IsInteger reports false so
// the caller can treat it as an invalid/foreign response rather than a
// parse failure.
type rawID struct {
	raw json.RawMessage
}

func (r *rawID) UnmarshalJSON(b []byte) error {
	r.raw = append([]byte(nil), b...)
	return nil
}

func (r rawID) MarshalJSON() ([]byte, error) {
	if r.raw == nil {
		return []byte("null"), nil
	}
	return r.raw, nil
}

// IsInteger reports whether the raw id is a JSON number without a
// fractional part, and if so returns it.
func (r rawID) IsInteger() (RequestID, bool) {
	if len(r.raw) == 0 {
		return 0, false
	}
	var n uint64
	if err := json.Unmarshal(r.raw, &n); err != nil {
		return 0, false
	}
	return RequestID(n), true
}

func (r rawID) IsNull() bool {
	return len(r.raw) == 0 || string(r.raw) == "null"
}

// SubscriptionID is the opaque server-assigned id echoed on every push
// notification for one subscription. The wire form may be a string or an
// integer; this client keeps it as the raw JSON text so it can be used
// as a map key without guessing the server's preferred type.
type SubscriptionID string

// Params is the positional-or-by-name params blob. Use NewPositionalParams
// / NewNamedParams to build one, or pass nil for "absent".
type Params = json.RawMessage

// NewPositionalParams marshals args as a JSON array.
func NewPositionalParams(args ...interface{}) (Params, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return json.Marshal(args)
}

// NewNamedParams marshals a by-name params object.
func NewNamedParams(byName map[string]interface{}) (Params, error) {
	if len(byName) == 0 {
		return nil, nil
	}
	return json.Marshal(byName)
}

// CallKind distinguishes the three shapes a parsed Call may take.
type CallKind int

const (
	// KindMethodCall is a MethodCall{method, params, id}.
	KindMethodCall CallKind = iota
	// KindNotification is a Notification{method, params} with no id.
	KindNotification
	// KindInvalid is a syntactically valid JSON object matching neither shape.
	KindInvalid
)

// Call is one element of a Request: a method call, a notification, or an
// invalid object the client must still be able to parse out of an
// incoming batch (it never emits Invalid itself).
type Call struct {
	Kind   CallKind
	Method string
	Params Params
	ID     RequestID // valid only when Kind == KindMethodCall
	RawID  rawID     // preserved for Invalid{id?}
}

// jsonrpcMessage is the wire envelope for everything this client sends
// and receives: requests, notifications, success/error responses, and
// server-pushed subscription notifications all fit this one shape,
// mirroring the teacher's jsonrpcMessage in rpc/client.go.
type jsonrpcMessage struct {
	Version string          `json:"jsonrpc"`
	ID      *rawID          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Error   *ServerError    `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (m *jsonrpcMessage) isNotification() bool {
	return (m.ID == nil || m.ID.IsNull()) && m.Method != ""
}

func (m *jsonrpcMessage) isCall() bool {
	return m.ID != nil && !m.ID.IsNull() && m.Method != ""
}

func (m *jsonrpcMessage) isResponse() bool {
	return m.ID != nil && !m.ID.IsNull() && m.Method == "" && (m.Result != nil || m.Error != nil)
}

func (m *jsonrpcMessage) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// subscriptionNotificationParams is the shape of params on a server-pushed
// notification: {"subscription": <id>, "result": <payload>}.
type subscriptionNotificationParams struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// encodeMethodCall serializes a single method call to the exact byte form
// required by spec.md §6.
func encodeMethodCall(method string, params Params, id RequestID) ([]byte, error) {
	msg := struct {
		Version string    `json:"jsonrpc"`
		Method  string    `json:"method"`
		Params  Params    `json:"params,omitempty"`
		ID      RequestID `json:"id"`
	}{Version: Version, Method: method, Params: params, ID: id}
	return json.Marshal(msg)
}

// encodeNotification serializes a notification: no id field at all.
func encodeNotification(method string, params Params) ([]byte, error) {
	msg := struct {
		Version string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  Params `json:"params,omitempty"`
	}{Version: Version, Method: method, Params: params}
	return json.Marshal(msg)
}

// batchCall pairs a method+params with the id assigned to it in a batch,
// used only for encoding — encodeBatch below.
type batchCall struct {
	Method string
	Params Params
	ID     RequestID
}

func encodeBatch(calls []batchCall) ([]byte, error) {
	msgs := make([]json.RawMessage, len(calls))
	for i, c := range calls {
		b, err := encodeMethodCall(c.Method, c.Params, c.ID)
		if err != nil {
			return nil, fmt.Errorf("encode batch element %d: %w", i, err)
		}
		msgs[i] = b
	}
	return json.Marshal(msgs)
}

// isBatch reports whether a raw JSON payload is an array (a batch) rather
// than a single object.
func isBatch(raw []byte) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// parseFrame decodes one inbound transport frame into its constituent
// jsonrpcMessages. A single object becomes a one-element slice; a batch
// decomposes into its elements, and a single malformed child does not
// poison its siblings (the element loop below skips it).
func parseFrame(raw []byte) ([]*jsonrpcMessage, error) {
	if !isBatch(raw) {
		var m jsonrpcMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return []*jsonrpcMessage{&m}, nil
	}
	var rawElems []json.RawMessage
	if err := json.Unmarshal(raw, &rawElems); err != nil {
		return nil, err
	}
	out := make([]*jsonrpcMessage, 0, len(rawElems))
	for _, re := range rawElems {
		var m jsonrpcMessage
		if err := json.Unmarshal(re, &m); err != nil {
			// Malformed child: keep the sibling responses, drop this one.
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// ParseCall decodes a single JSON object into a Call, classifying it as a
// MethodCall, Notification, or Invalid per spec.md §3/§8. It never
// returns a decode error for a syntactically valid JSON object — a
// shape that matches neither MethodCall nor Notification becomes
// KindInvalid.
func ParseCall(raw []byte) (Call, error) {
	var m jsonrpcMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		// A JSON object whose fields have unexpected types is still Invalid.
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) != nil || obj == nil {
			return Call{}, err
		}
		var rid rawID
		if idRaw, ok := obj["id"]; ok {
			rid.raw = idRaw
		}
		return Call{Kind: KindInvalid, RawID: rid}, nil
	}
	switch {
	case m.isNotification():
		return Call{Kind: KindNotification, Method: m.Method, Params: m.Params}, nil
	case m.isCall():
		id, ok := m.ID.IsInteger()
		if !ok {
			var rid rawID
			if m.ID != nil {
				rid = *m.ID
			}
			return Call{Kind: KindInvalid, RawID: rid}, nil
		}
		return Call{Kind: KindMethodCall, Method: m.Method, Params: m.Params, ID: id}, nil
	default:
		var rid rawID
		if m.ID != nil {
			rid = *m.ID
		}
		return Call{Kind: KindInvalid, RawID: rid}, nil
	}
}
