package api

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrMalformedEnvelope is returned when a response body is not a JSON object.
var ErrMalformedEnvelope = errors.New("malformed response envelope")

// Status is the transport outcome of a REST call.
type Status struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
	Host   string `json:"host,omitempty"`
}

// Envelope wraps every REST response as {status, content}. Content is the
// decoded JSON body; numbers are kept as json.Number so ids and decimals
// survive without float rounding.
type Envelope struct {
	Status  Status         `json:"status"`
	Content map[string]any `json:"content"`
}

// OK reports a 2xx status.
func (e *Envelope) OK() bool {
	return e != nil && e.Status.Code >= 200 && e.Status.Code < 300
}

// Err returns a *RemoteError for non-2xx responses and nil otherwise.
func (e *Envelope) Err() error {
	if e == nil {
		return ErrMalformedEnvelope
	}
	if e.OK() {
		return nil
	}
	return newRemoteError(e)
}

// Lookup walks content by key path. Missing keys, nil values and non-object
// intermediates all yield (nil, false).
func (e *Envelope) Lookup(path ...string) (any, bool) {
	if e == nil {
		return nil, false
	}
	return Lookup(e.Content, path...)
}

// Data returns content.data as an object, or nil.
func (e *Envelope) Data() map[string]any {
	if e == nil {
		return nil
	}
	data, _ := LookupAs[map[string]any](e.Content, "data")
	return data
}

// Items returns the objects under content.data.items. Non-object entries are skipped.
func (e *Envelope) Items() []map[string]any {
	if e == nil {
		return nil
	}
	raw, ok := LookupAs[[]any](e.Content, "data", "items")
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

// Lookup returns the value at path inside m.
func Lookup(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok || obj == nil {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// LookupAs is Lookup plus a type assertion; a value of another type is
// reported as absent.
func LookupAs[T any](m map[string]any, path ...string) (T, bool) {
	var zero T
	v, ok := Lookup(m, path...)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// DecodeInto re-encodes a generic record into a typed struct.
func DecodeInto(record any, out any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decode record")
	}
	return nil
}

// DecodeData decodes content.data into out.
func (e *Envelope) DecodeData(out any) error {
	data := e.Data()
	if data == nil {
		return errors.Wrap(ErrMalformedEnvelope, "missing content.data")
	}
	return DecodeInto(data, out)
}

// decodeContent parses a response body into an object. An empty body is a
// valid empty object (DELETE and validate endpoints may return nothing).
func decodeContent(body []byte) (map[string]any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var content map[string]any
	if err := dec.Decode(&content); err != nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if content == nil {
		content = map[string]any{}
	}
	return content, nil
}
