package couchfeed_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ripkitten-co/couchfeed"
	"github.com/ripkitten-co/couchfeed/internal/testutil"
)

func TestSpool_ReassemblesFeed(t *testing.T) {
	couch := testutil.NewCouch(t, testutil.NormalFeed(250))
	r := newReader(t, couch)

	bus, err := r.Spool(context.Background(), couchfeed.WithBatchSize(100), couchfeed.WithSince("0"))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	evs := collect(t, bus)

	batches := ofKind(evs, couchfeed.EventBatch)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	wantSizes := []int{100, 100, 50}
	n := 0
	for i, b := range batches {
		if len(b.Batch) != wantSizes[i] {
			t.Errorf("batch %d has %d changes, want %d", i, len(b.Batch), wantSizes[i])
		}
		for _, c := range b.Batch {
			n++
			if want := fmt.Sprintf("doc-%d", n); c.ID != want {
				t.Fatalf("change %d id = %q, want %q", n, c.ID, want)
			}
		}
	}

	if len(ofKind(evs, couchfeed.EventChange)) != 0 || len(ofKind(evs, couchfeed.EventSeq)) != 0 {
		t.Error("spool should only emit batch and end events")
	}

	last := evs[len(evs)-1]
	if last.Kind != couchfeed.EventEnd {
		t.Fatalf("last event = %s, want end", last.Kind)
	}
	if last.Seq != "250-seq" {
		t.Errorf("end seq = %q, want 250-seq", last.Seq)
	}
	if last.Err != nil {
		t.Errorf("end err = %v", last.Err)
	}

	if couch.Count() != 1 {
		t.Fatalf("got %d requests, want 1", couch.Count())
	}
	req := couch.Requests()[0]
	if req.Method != http.MethodPost || req.Path != "/orders/_changes" {
		t.Errorf("got %s %s", req.Method, req.Path)
	}
	if got := req.Query.Get("seq_interval"); got != "100" {
		t.Errorf("seq_interval = %q, want 100", got)
	}
	if got := req.Query.Get("since"); got != "0" {
		t.Errorf("since = %q, want 0", got)
	}
	for _, k := range []string{"feed", "limit"} {
		if req.Query.Has(k) {
			t.Errorf("spool request should not set %s", k)
		}
	}
}

func TestSpool_ExactMultipleOfBatchSize(t *testing.T) {
	couch := testutil.NewCouch(t, testutil.NormalFeed(4))
	r := newReader(t, couch)

	bus, err := r.Spool(context.Background(), couchfeed.WithBatchSize(2))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	evs := collect(t, bus)

	if got := len(ofKind(evs, couchfeed.EventBatch)); got != 2 {
		t.Errorf("got %d batches, want 2", got)
	}
	if end := evs[len(evs)-1]; end.Seq != "4-seq" {
		t.Errorf("end seq = %q, want 4-seq", end.Seq)
	}
}

func TestSpool_EmptyFeed(t *testing.T) {
	couch := testutil.NewCouch(t, testutil.Reply{Body: `{"results":[],"last_seq":"9-seq","pending":0}`})
	r := newReader(t, couch)

	bus, err := r.Spool(context.Background())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	evs := collect(t, bus)

	if len(evs) != 1 || evs[0].Kind != couchfeed.EventEnd {
		t.Fatalf("got %v, want a single end event", evs)
	}
	if evs[0].Seq != "9-seq" {
		t.Errorf("end seq = %q, want 9-seq", evs[0].Seq)
	}
}

func TestSpool_HTTPError(t *testing.T) {
	couch := testutil.NewCouch(t, testutil.Error(http.StatusNotFound, "Database does not exist."))
	r := newReader(t, couch)

	bus, err := r.Spool(context.Background())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	evs := collect(t, bus)

	if len(evs) != 2 || evs[0].Kind != couchfeed.EventError || evs[1].Kind != couchfeed.EventEnd {
		t.Fatalf("got %v, want [error end]", evs)
	}
	if !couchfeed.IsFatal(evs[1].Err) {
		t.Errorf("end err = %v, want fatal", evs[1].Err)
	}
}

func TestSpool_MalformedLine(t *testing.T) {
	body := "{\"results\":[\n{\"seq\":\"1-seq\",\"id\":\"doc-1\",\"changes\":[]},\nnot json\n"
	couch := testutil.NewCouch(t, testutil.Reply{Body: body})
	r := newReader(t, couch)

	bus, err := r.Spool(context.Background())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	evs := collect(t, bus)

	if len(evs) != 2 || evs[0].Kind != couchfeed.EventError {
		t.Fatalf("got %v, want [error end]", evs)
	}
	if !errors.Is(evs[0].Err, couchfeed.ErrFatalFeed) {
		t.Errorf("err = %v, want ErrFatalFeed", evs[0].Err)
	}
	if evs[1].Seq != "1-seq" {
		t.Errorf("end seq = %q, want the last good record 1-seq", evs[1].Seq)
	}
}

func TestSpool_WaitPausesStream(t *testing.T) {
	couch := testutil.NewCouch(t, testutil.NormalFeed(5))
	r := newReader(t, couch)

	bus, err := r.Spool(context.Background(), couchfeed.WithBatchSize(2), couchfeed.WithWait(true))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}

	first := next(t, bus)
	if first.Kind != couchfeed.EventBatch {
		t.Fatalf("first event = %s, want batch", first.Kind)
	}
	select {
	case ev := <-bus.Events():
		t.Fatalf("got %s before resume", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	first.Resume()
	evs := collect(t, bus)
	if got := len(ofKind(evs, couchfeed.EventBatch)); got != 2 {
		t.Errorf("got %d more batches, want 2", got)
	}
	if end := evs[len(evs)-1]; end.Kind != couchfeed.EventEnd || end.Seq != "5-seq" {
		t.Errorf("got %s %q, want end 5-seq", end.Kind, end.Seq)
	}
}

func TestSpool_StopAfterBatch(t *testing.T) {
	couch := testutil.NewCouch(t, testutil.NormalFeed(10))
	r := newReader(t, couch)

	bus, err := r.Spool(context.Background(), couchfeed.WithBatchSize(2), couchfeed.WithWait(true))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	first := next(t, bus)
	if first.Kind != couchfeed.EventBatch {
		t.Fatalf("first event = %s, want batch", first.Kind)
	}
	// stopping releases the pending batch without a Resume
	r.Stop()

	evs := collect(t, bus)
	if end := evs[len(evs)-1]; end.Kind != couchfeed.EventEnd || end.Seq != "2-seq" {
		t.Errorf("got %s %q, want end at 2-seq", end.Kind, end.Seq)
	}
	if len(evs) != 1 {
		t.Errorf("got %d events after stop, want only end", len(evs))
	}
}
