// Package message defines the request and response values exchanged between caller and server.
//
// On the wire a request is a sequence whose first element is the function name and whose
// remaining elements are the arguments:
//
//	["add", 1, 2]
//
// A response is a single tagged value, either {"result": <value>} for a successful call or
// {"error": "<description>"} for a failed one. Both kinds travel through the same frame and
// codec; only the tag tells them apart.
package message

import (
	"errors"
	"fmt"

	"polyrpc/codec"
)

// ErrMalformedRequest is returned by DecodeRequest when the payload is not a name-first sequence.
var ErrMalformedRequest = errors.New("malformed request")

const (
	resultKey = "result"
	errorKey  = "error"
)

// Request is a decoded call. Args is nil when the caller passed no arguments.
type Request struct {
	Function string
	Args     []any
}

// Response is the outcome of one dispatch.
//
//   - Success: Result holds whatever the handler returned, Error is empty.
//   - Failure: Error describes what went wrong, Result is nil.
type Response struct {
	Result any
	Error  string
}

// Success wraps a handler's return value.
func Success(v any) *Response {
	return &Response{Result: v}
}

// Failure builds a failed response from a format string.
func Failure(format string, args ...any) *Response {
	return &Response{Error: fmt.Sprintf(format, args...)}
}

// Failed reports whether r carries an error description.
func (r *Response) Failed() bool {
	return r.Error != ""
}

// EncodeRequest serializes req as [Function, Args...].
func EncodeRequest(c codec.Codec, req *Request) ([]byte, error) {
	seq := make([]any, 0, 1+len(req.Args))
	seq = append(seq, req.Function)
	seq = append(seq, req.Args...)
	return c.Encode(seq)
}

// DecodeRequest parses a request payload. Any payload that is not a non-empty sequence
// starting with a string yields an error wrapping ErrMalformedRequest.
func DecodeRequest(c codec.Codec, data []byte) (*Request, error) {
	var v any
	if err := c.Decode(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	seq, ok := v.([]any)
	if !ok || len(seq) == 0 {
		return nil, fmt.Errorf("%w: expected [function, args...], got %T", ErrMalformedRequest, v)
	}
	name, ok := seq[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: function name is %T, not string", ErrMalformedRequest, seq[0])
	}
	req := &Request{Function: name}
	if len(seq) > 1 {
		req.Args = seq[1:]
	}
	return req, nil
}

// EncodeResponse serializes resp as its tagged form.
func EncodeResponse(c codec.Codec, resp *Response) ([]byte, error) {
	if resp.Failed() {
		return c.Encode(map[string]any{errorKey: resp.Error})
	}
	return c.Encode(map[string]any{resultKey: resp.Result})
}

// DecodeResponse parses a tagged response payload.
func DecodeResponse(c codec.Codec, data []byte) (*Response, error) {
	var v any
	if err := c.Decode(data, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode response: expected tagged map, got %T", v)
	}
	if e, ok := m[errorKey]; ok {
		s, _ := e.(string)
		if s == "" {
			s = fmt.Sprint(e)
		}
		return &Response{Error: s}, nil
	}
	result, ok := m[resultKey]
	if !ok {
		return nil, errors.New("decode response: missing result and error")
	}
	return &Response{Result: result}, nil
}
