package couchfeed

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/ripkitten-co/couchfeed/changes"
	"github.com/ripkitten-co/couchfeed/request"
)

// Reader follows the changes feed of one database. It runs at most one loop
// at a time; once a run ends its options reset to the defaults and the
// Reader can be started again.
type Reader struct {
	db     string
	client request.Client
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	state state
	bus   *Bus
	cont  bool
}

// NewReader returns a Reader for db that issues its requests through client.
func NewReader(db string, client request.Client, opts ...ReaderOption) *Reader {
	r := &Reader{
		db:     db,
		client: client,
		clock:  clock.WallClock,
		logger: slog.Default(),
		state:  defaultState(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("db", db)
	return r
}

// Start follows the feed until Stop is called, a fatal error occurs or ctx
// is cancelled. It returns immediately. If a run is already in progress its
// Bus is returned and opts are ignored.
func (r *Reader) Start(ctx context.Context, opts ...Option) (*Bus, error) {
	return r.begin(ctx, r.poll, opts)
}

// Get is Start with WithStopOnEmptyChanges(true): the run ends once the feed
// has been read up to its current end.
func (r *Reader) Get(ctx context.Context, opts ...Option) (*Bus, error) {
	return r.begin(ctx, r.poll, append([]Option{WithStopOnEmptyChanges(true)}, opts...))
}

// Spool replays the feed from since to its current end in a single streamed
// request, emitting batch events but no change or seq events.
func (r *Reader) Spool(ctx context.Context, opts ...Option) (*Bus, error) {
	return r.begin(ctx, r.spool, opts)
}

// Stop asks the current run to end. The in-flight request or idle wait
// completes first, so at most one more iteration may emit events. A batch
// waiting on Resume is released.
func (r *Reader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cont = false
	if r.bus != nil {
		r.bus.stop()
	}
}

// Running reports whether a run is in progress.
func (r *Reader) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bus != nil
}

type loopFunc func(ctx context.Context, bus *Bus, st state)

func (r *Reader) begin(ctx context.Context, loop loopFunc, opts []Option) (*Bus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bus != nil {
		return r.bus, nil
	}

	st := r.state
	for _, o := range opts {
		o(&st)
	}
	if err := st.validate(); err != nil {
		return nil, err
	}

	bus := newBus(r.clock)
	r.state = st
	r.bus = bus
	r.cont = true

	go loop(ctx, bus, st)
	return bus, nil
}

func (r *Reader) continuing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cont
}

func (r *Reader) halt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cont = false
}

// finish resets the Reader before publishing EventEnd, so a consumer that
// reacts to the end by starting again gets a fresh run.
func (r *Reader) finish(ctx context.Context, bus *Bus, since changes.Seq, cause error) {
	r.mu.Lock()
	r.state = defaultState()
	r.bus = nil
	r.cont = false
	r.mu.Unlock()

	r.logger.Debug("changes run ended", "since", since, "error", cause)
	bus.end(ctx, Event{Kind: EventEnd, Seq: since, Err: cause})
}

func (r *Reader) path() string {
	return url.PathEscape(r.db) + "/_changes"
}

// body attaches the selector filter. The request is always a POST with a
// JSON object body so the server sees one encoding whether or not a
// selector is set.
func body(st *state, q url.Values) map[string]any {
	b := map[string]any{}
	if st.selector != nil {
		q.Set("filter", "_selector")
		b["selector"] = st.selector
	}
	return b
}

func mergeQuery(q, extra url.Values) {
	for k, vs := range extra {
		q[k] = vs
	}
}

func (r *Reader) pollRequest(st *state) *request.Request {
	q := url.Values{}
	q.Set("feed", "longpoll")
	q.Set("timeout", strconv.FormatInt(st.timeout.Milliseconds(), 10))
	q.Set("since", st.since.String())
	q.Set("limit", strconv.Itoa(st.batchSize))
	q.Set("include_docs", strconv.FormatBool(st.includeDocs))
	if st.fastChanges {
		q.Set("seq_interval", strconv.Itoa(st.batchSize))
	}
	b := body(st, q)
	mergeQuery(q, st.query)

	return &request.Request{Method: http.MethodPost, Path: r.path(), Query: q, Body: b}
}

// poll is the long-poll loop behind Start and Get.
func (r *Reader) poll(ctx context.Context, bus *Bus, st state) {
	var cause error
	for {
		begun := r.clock.Now()
		r.logger.Debug("polling changes", "since", st.since, "limit", st.batchSize)

		var resp changes.Response
		if err := r.client.Do(ctx, r.pollRequest(&st), &resp); err != nil {
			if ctx.Err() != nil {
				cause = ctx.Err()
				break
			}
			feedErr := classify(r.db, err)
			if IsFatal(feedErr) {
				r.logger.Error("changes feed failed", "since", st.since, "status", request.StatusCode(err), "error", err)
				r.halt()
				cause = feedErr
			} else {
				r.logger.Warn("changes poll failed, retrying", "since", st.since, "status", request.StatusCode(err), "error", err)
			}
			if !bus.emit(ctx, Event{Kind: EventError, Err: feedErr}) {
				cause = ctx.Err()
				break
			}
			if !r.continuing() {
				break
			}
			continue
		}
		elapsed := r.clock.Now().Sub(begun)

		if !r.publish(ctx, bus, &st, resp) {
			cause = ctx.Err()
			break
		}

		if st.stopOnEmptyChanges && len(resp.Results) < st.batchSize {
			r.halt()
		}

		if len(resp.Results) > 0 {
			if !r.deliver(ctx, bus, &st, resp.Results) {
				cause = ctx.Err()
				break
			}
		} else if r.continuing() {
			if !r.idle(ctx, st.timeout-elapsed) {
				cause = ctx.Err()
				break
			}
		}

		if !r.continuing() {
			break
		}
	}
	r.finish(ctx, bus, st.since, cause)
}

// publish emits the per-change events and advances since from the server's
// last_seq.
func (r *Reader) publish(ctx context.Context, bus *Bus, st *state, resp changes.Response) bool {
	for _, c := range resp.Results {
		if !bus.emit(ctx, Event{Kind: EventChange, Change: c}) {
			return false
		}
	}
	if resp.LastSeq != "" && resp.LastSeq != st.since {
		st.since = resp.LastSeq
		if !bus.emit(ctx, Event{Kind: EventSeq, Seq: st.since}) {
			return false
		}
	}
	return true
}

// deliver emits a batch event and, in wait mode, blocks until the consumer
// resumes, the run is stopped or ctx ends.
func (r *Reader) deliver(ctx context.Context, bus *Bus, st *state, batch []changes.Change) bool {
	ev := Event{Kind: EventBatch, Batch: batch, Seq: st.since, Resume: noResume}
	if !st.wait {
		return bus.emit(ctx, ev)
	}

	resumed := make(chan struct{})
	var once sync.Once
	ev.Resume = func() { once.Do(func() { close(resumed) }) }
	if !bus.emit(ctx, ev) {
		return false
	}

	select {
	case <-resumed:
	case <-bus.stopped:
	case <-ctx.Done():
		return false
	}
	return true
}

// idle waits out the rest of the long-poll timeout so an empty feed is not
// polled faster than the server would hold a request open.
func (r *Reader) idle(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := r.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}
