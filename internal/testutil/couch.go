package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// Reply is one scripted response from the fake server.
type Reply struct {
	Status int
	Body   string
	Delay  time.Duration
}

// Recorded is a request the fake server received.
type Recorded struct {
	Method string
	Path   string
	Query  url.Values
	Body   string
}

// Couch is an httptest server that answers _changes requests from a script.
// Once the script runs out it keeps answering with the fallback reply, an
// empty result set by default.
type Couch struct {
	URL string

	mu          sync.Mutex
	script      []Reply
	fallback    Reply
	requests    []Recorded
	inFlight    int
	maxInFlight int
	notify      chan Recorded
}

func NewCouch(t testing.TB, replies ...Reply) *Couch {
	t.Helper()
	c := &Couch{
		script:   replies,
		fallback: Reply{Status: http.StatusOK, Body: `{"results":[],"pending":0}`},
		notify:   make(chan Recorded, 64),
	}
	srv := httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(srv.Close)
	c.URL = srv.URL
	return c
}

// SetFallback replaces the reply used once the script is exhausted.
func (c *Couch) SetFallback(r Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = r
}

func (c *Couch) serve(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	rec := Recorded{Method: r.Method, Path: r.URL.EscapedPath(), Query: r.URL.Query(), Body: string(b)}

	c.mu.Lock()
	c.requests = append(c.requests, rec)
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	reply := c.fallback
	if len(c.script) > 0 {
		reply = c.script[0]
		c.script = c.script[1:]
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
		select {
		case c.notify <- rec:
		default:
		}
	}()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	io.WriteString(w, reply.Body)
}

// Requests returns a copy of everything received so far.
func (c *Couch) Requests() []Recorded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Recorded(nil), c.requests...)
}

func (c *Couch) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// MaxInFlight is the highest number of requests served concurrently.
func (c *Couch) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}

// WaitRequests blocks until n requests have been answered in total.
func (c *Couch) WaitRequests(t testing.TB, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		done := len(c.requests) - c.inFlight
		c.mu.Unlock()
		if done >= n {
			return
		}
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d requests, got %d", n, c.Count())
		}
	}
}

// Changes renders a long-poll response with n changes numbered from first.
// The last_seq is the seq of the final change, or lastSeq when n is 0.
func Changes(first, n int, lastSeq string) Reply {
	var b strings.Builder
	b.WriteString(`{"results":[`)
	for i := first; i < first+n; i++ {
		if i > first {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"seq":"%d-seq","id":"doc-%d","changes":[{"rev":"1-rev%d"}]}`, i, i, i)
		lastSeq = fmt.Sprintf("%d-seq", i)
	}
	fmt.Fprintf(&b, `],"last_seq":%q,"pending":0}`, lastSeq)
	return Reply{Status: http.StatusOK, Body: b.String()}
}

// NormalFeed renders n changes in the line-per-change layout CouchDB uses
// when streaming a normal feed.
func NormalFeed(n int) Reply {
	var b strings.Builder
	b.WriteString("{\"results\":[\n")
	last := "0"
	for i := 1; i <= n; i++ {
		sep := ","
		if i == n {
			sep = ""
		}
		last = fmt.Sprintf("%d-seq", i)
		fmt.Fprintf(&b, "{\"seq\":%q,\"id\":\"doc-%d\",\"changes\":[{\"rev\":\"1-rev%d\"}]}%s\n", last, i, i, sep)
	}
	fmt.Fprintf(&b, "],\n\"last_seq\":%q,\"pending\":0}\n", last)
	return Reply{Status: http.StatusOK, Body: b.String()}
}

// Error renders a CouchDB error response.
func Error(status int, reason string) Reply {
	return Reply{Status: status, Body: fmt.Sprintf(`{"error":%q,"reason":%q}`, http.StatusText(status), reason)}
}
