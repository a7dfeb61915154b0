package couchfeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ripkitten-co/couchfeed/internal/batcher"
	"github.com/ripkitten-co/couchfeed/internal/liner"
	"github.com/ripkitten-co/couchfeed/request"
)

func (r *Reader) spoolRequest(st *state) *request.Request {
	q := url.Values{}
	q.Set("since", st.since.String())
	q.Set("include_docs", strconv.FormatBool(st.includeDocs))
	q.Set("seq_interval", strconv.Itoa(st.batchSize))
	b := body(st, q)
	mergeQuery(q, st.query)

	return &request.Request{Method: http.MethodPost, Path: r.path(), Query: q, Body: b}
}

// spool streams the feed through the liner and batcher in one request. The
// end event is sent only after the final partial batch has been received.
func (r *Reader) spool(ctx context.Context, bus *Bus, st state) {
	cause := r.replay(ctx, bus, &st)
	r.finish(ctx, bus, st.since, cause)
}

// replay advances st.since to the latest checkpoint the stream reported.
func (r *Reader) replay(ctx context.Context, bus *Bus, st *state) error {
	r.logger.Debug("spooling changes", "since", st.since, "batch_size", st.batchSize)

	stream, err := r.client.Stream(ctx, r.spoolRequest(st))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(ctx, bus, classify(r.db, err))
	}
	defer stream.Close()

	lines := liner.New(stream)
	b := batcher.New(st.batchSize)
	advance := func() {
		if seq := b.LastSeq(); seq != "" {
			st.since = seq
		}
	}
	defer advance()

	for lines.Next() {
		batch, err := b.Add(lines.Line())
		if err != nil {
			return r.fail(ctx, bus, fmt.Errorf("couchfeed: %s: %w: %w", r.db, ErrFatalFeed, err))
		}
		if batch == nil {
			continue
		}
		advance()
		if !r.deliver(ctx, bus, st, batch) {
			return ctx.Err()
		}
		if !r.continuing() {
			return nil
		}
	}
	if err := lines.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(ctx, bus, fmt.Errorf("couchfeed: %s: %w: %w", r.db, ErrTransientFeed, err))
	}

	// the trailing metadata line arrives after the last record, so the
	// final batch carries the feed's last_seq
	if rest := b.Flush(); rest != nil {
		advance()
		if !r.deliver(ctx, bus, st, rest) {
			return ctx.Err()
		}
	}
	r.logger.Debug("spool complete", "records", b.Records(), "last_seq", b.LastSeq())
	return nil
}

// fail publishes err and returns it as the run's termination cause. A
// streamed replay cannot resume mid-response, so every failure ends it.
func (r *Reader) fail(ctx context.Context, bus *Bus, err error) error {
	r.logger.Error("changes spool failed", "error", err)
	bus.emit(ctx, Event{Kind: EventError, Err: err})
	return err
}
