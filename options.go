package couchfeed

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/juju/clock"
	"github.com/ripkitten-co/couchfeed/changes"
)

// Option adjusts a single run. Options are merged over the defaults on every
// Start, Get or Spool call that begins a new run.
type Option func(*state)

// state is everything one run needs. The Reader keeps the idle copy; a
// running loop owns its own copy until it finishes.
type state struct {
	since              changes.Seq
	batchSize          int
	timeout            time.Duration
	heartbeat          time.Duration
	includeDocs        bool
	selector           any
	fastChanges        bool
	wait               bool
	stopOnEmptyChanges bool
	query              url.Values
}

func defaultState() state {
	return state{
		since:     changes.Now,
		batchSize: 100,
		timeout:   60 * time.Second,
		heartbeat: 5 * time.Second,
	}
}

func (s *state) validate() error {
	if s.batchSize <= 0 {
		return fmt.Errorf("couchfeed: batch size %d: %w", s.batchSize, ErrInvalidBatchSize)
	}
	if s.timeout < 0 {
		return fmt.Errorf("couchfeed: timeout %s: %w", s.timeout, ErrInvalidTimeout)
	}
	return nil
}

// WithBatchSize sets the number of changes requested per poll and the
// maximum size of a batch event. Defaults to 100.
func WithBatchSize(n int) Option {
	return func(s *state) { s.batchSize = n }
}

// WithSince sets the checkpoint to resume from. Defaults to changes.Now.
func WithSince(seq changes.Seq) Option {
	return func(s *state) { s.since = seq }
}

// WithIncludeDocs asks for each change's document body.
func WithIncludeDocs(include bool) Option {
	return func(s *state) { s.includeDocs = include }
}

// WithTimeout sets the server-side long-poll timeout. An empty poll is never
// followed by another one sooner than this. Defaults to 60s.
func WithTimeout(d time.Duration) Option {
	return func(s *state) { s.timeout = d }
}

// WithHeartbeat is accepted for compatibility and currently unused.
func WithHeartbeat(d time.Duration) Option {
	return func(s *state) { s.heartbeat = d }
}

// WithWait makes every batch event carry a Resume func that must be called
// before the reader fetches more changes.
func WithWait(wait bool) Option {
	return func(s *state) { s.wait = wait }
}

// WithStopOnEmptyChanges ends the run once a poll returns fewer changes than
// the batch size.
func WithStopOnEmptyChanges(stop bool) Option {
	return func(s *state) { s.stopOnEmptyChanges = stop }
}

// WithFastChanges asks the server to compute sequence tokens only once per
// batch (seq_interval), which is cheaper on clustered databases.
func WithFastChanges(fast bool) Option {
	return func(s *state) { s.fastChanges = fast }
}

// WithSelector filters the feed with a Mango selector, sent as the JSON body
// together with filter=_selector.
func WithSelector(selector any) Option {
	return func(s *state) { s.selector = selector }
}

// WithQuery adds extra query parameters. They are applied last and override
// the parameters the reader sets itself.
func WithQuery(q url.Values) Option {
	return func(s *state) {
		if s.query == nil {
			s.query = make(url.Values, len(q))
		}
		for k, vs := range q {
			s.query[k] = append([]string(nil), vs...)
		}
	}
}

// ReaderOption configures a Reader at construction.
type ReaderOption func(*Reader)

// WithClock replaces the wall clock used to pace empty polls.
func WithClock(c clock.Clock) ReaderOption {
	return func(r *Reader) { r.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) { r.logger = l }
}
