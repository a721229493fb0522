package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Request describes one logical API call. It is replayed verbatim on the
// post-refresh retry, so it must not carry single-use readers.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers map[string]string

	RequiresAuthentication bool
}

// Get builds an authenticated GET request.
func Get(path string, query url.Values) Request {
	return Request{Method: http.MethodGet, Path: path, Query: query, RequiresAuthentication: true}
}

// Post builds an authenticated POST request with a JSON body.
func Post(path string, body any) Request {
	return Request{Method: http.MethodPost, Path: path, Body: body, RequiresAuthentication: true}
}

// Public marks the request as not requiring authentication.
func (r Request) Public() Request {
	r.RequiresAuthentication = false
	return r
}

func (r Request) encodeBody() ([]byte, error) {
	switch b := r.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

// Sender is what domain services depend on.
type Sender interface {
	Send(ctx context.Context, req Request) ([]byte, error)
}

// Do sends req and decodes a 2xx body into T.
func Do[T any](ctx context.Context, s Sender, req Request) (T, error) {
	var out T

	body, err := s.Send(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, &DecodingError{Err: err}
	}
	return out, nil
}
