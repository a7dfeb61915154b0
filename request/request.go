// Package request executes single HTTP requests against a CouchDB-compatible
// server. It knows nothing about the changes feed: callers describe a request
// with a Request and get back either a decoded JSON body, a raw body stream,
// or a structured *Error.
package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrInvalidMethod is returned synchronously for methods other than
	// GET, HEAD, POST, PUT and DELETE.
	ErrInvalidMethod = errors.New("invalid method")

	// ErrInvalidURL is returned when the server base URL cannot be used.
	ErrInvalidURL = errors.New("invalid url")
)

// Request describes one HTTP request relative to the client's base URL.
type Request struct {
	Method string
	// Path is already escaped, e.g. url.PathEscape(db) + "/_changes".
	Path  string
	Query url.Values
	// Body is JSON-encoded for POST and PUT and ignored otherwise.
	Body any
}

// Client is the transport the changes reader drives.
type Client interface {
	// Do executes req and decodes a JSON response body into out. A nil out
	// discards the body.
	Do(ctx context.Context, req *Request, out any) error
	// Stream executes req and hands back the raw response body, which the
	// caller must close.
	Stream(ctx context.Context, req *Request) (io.ReadCloser, error)
}

// Error is returned for responses with a status code of 400 or above.
type Error struct {
	StatusCode int
	Reason     string
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("request: status %d: %s", e.StatusCode, e.Reason)
}

// StatusCode extracts the HTTP status from err, or 0 when err is not an
// *Error.
func StatusCode(err error) int {
	var reqErr *Error
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}

var methods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodHead:   {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
}

// NormalizeMethod upper-cases m and checks it against the supported set.
// An empty method means GET.
func NormalizeMethod(m string) (string, error) {
	if m == "" {
		return http.MethodGet, nil
	}
	upper := strings.ToUpper(m)
	if _, ok := methods[upper]; !ok {
		return "", fmt.Errorf("request: %q: %w", m, ErrInvalidMethod)
	}
	return upper, nil
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut
}
