package request

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ripkitten-co/couchfeed/internal/codecs"
)

// maxErrorBody caps how much of a failed response is kept on *Error.
const maxErrorBody = 64 << 10

type Option func(*HTTPClient)

// WithHTTPClient replaces the default pooled *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithHeader adds a header sent on every request, e.g. a pre-issued
// Authorization value.
func WithHeader(key, value string) Option {
	return func(c *HTTPClient) { c.headers.Add(key, value) }
}

func WithCodec(codec codecs.Codec) Option {
	return func(c *HTTPClient) { c.codec = codec }
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	base    *url.URL
	http    *http.Client
	headers http.Header
	codec   codecs.Codec
}

// NewHTTPClient returns a client rooted at baseURL, which must be an absolute
// http or https URL. Credentials embedded in the URL are sent as basic auth
// by net/http.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("request: %q: %w: %v", baseURL, ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("request: %q: %w", baseURL, ErrInvalidURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = strings.TrimSuffix(u.RawPath, "/")

	c := &HTTPClient{
		base:    u,
		http:    defaultHTTPClient(),
		headers: make(http.Header),
		codec:   codecs.NewJSONIter(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// defaultHTTPClient has no overall timeout: long-poll and streaming requests
// are bounded by the caller's context instead.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// Do executes req and decodes the JSON body into out.
func (c *HTTPClient) Do(ctx context.Context, req *Request, out any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.Request.Method == http.MethodHead {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	br := bufio.NewReader(resp.Body)
	if _, err := br.Peek(1); errors.Is(err, io.EOF) {
		return nil
	}
	if err := c.codec.Decode(br, out); err != nil {
		return fmt.Errorf("request: %s %s: decode: %w", resp.Request.Method, req.Path, err)
	}
	return nil
}

// Stream executes req and returns the unread response body.
func (c *HTTPClient) Stream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *HTTPClient) send(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %s %s: %w", httpReq.Method, req.Path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, c.responseError(resp)
	}
	return resp, nil
}

func (c *HTTPClient) build(ctx context.Context, req *Request) (*http.Request, error) {
	method, err := NormalizeMethod(req.Method)
	if err != nil {
		return nil, err
	}

	u := *c.base
	raw := c.base.EscapedPath() + "/" + strings.TrimPrefix(req.Path, "/")
	if u.Path, err = url.PathUnescape(raw); err != nil {
		return nil, fmt.Errorf("request: %s %s: %w", method, req.Path, err)
	}
	u.RawPath = raw
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if hasBody(method) && req.Body != nil {
		data, err := c.codec.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("request: %s %s: encode body: %w", method, req.Path, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("request: %s %s: %w", method, req.Path, err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// couchError is the error envelope CouchDB returns with 4xx and 5xx codes.
type couchError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (c *HTTPClient) responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	reason := http.StatusText(resp.StatusCode)
	var ce couchError
	if err := c.codec.Unmarshal(body, &ce); err == nil {
		switch {
		case ce.Reason != "":
			reason = ce.Reason
		case ce.Error != "":
			reason = ce.Error
		}
	}
	return &Error{StatusCode: resp.StatusCode, Reason: reason, Body: body}
}
