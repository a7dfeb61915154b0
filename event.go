package couchfeed

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/ripkitten-co/couchfeed/changes"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventChange carries one change, in feed order.
	EventChange EventKind = iota + 1
	// EventBatch carries up to batch-size changes and a Resume func.
	EventBatch
	// EventSeq reports that the checkpoint advanced to Seq.
	EventSeq
	// EventError reports a request or stream failure. Transient errors are
	// followed by further polling; fatal ones by EventEnd.
	EventError
	// EventEnd is the last event of a run. Seq is the final checkpoint and
	// Err the reason the run ended early, if any.
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventChange:
		return "change"
	case EventBatch:
		return "batch"
	case EventSeq:
		return "seq"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one notification from a run. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind   EventKind
	Change changes.Change
	Batch  []changes.Change
	// Resume releases the reader after a batch. It is never nil on batch
	// events, does nothing outside wait mode and is safe to call twice.
	Resume func()
	Seq    changes.Seq
	Err    error
}

// endGrace bounds how long a stopped or cancelled run keeps offering events
// to a consumer that is not receiving.
const endGrace = time.Second

// Bus delivers the events of one run. The channel is unbuffered, so a slow
// consumer paces the reader, and it is closed after EventEnd.
//
// Once the run is stopped or its context is done, pending events, EventEnd
// included, are offered for up to a second. A consumer that has walked away
// by then misses them and the run's goroutine exits anyway. Final always
// returns the run's EventEnd.
type Bus struct {
	events    chan Event
	stopped   chan struct{}
	abandoned chan struct{}
	done      chan struct{}
	clock     clock.Clock
	stopOnce  sync.Once
	graceOnce sync.Once
	final     Event
}

func newBus(clk clock.Clock) *Bus {
	return &Bus{
		events:    make(chan Event),
		stopped:   make(chan struct{}),
		abandoned: make(chan struct{}),
		done:      make(chan struct{}),
		clock:     clk,
	}
}

// Events returns the channel the run's events arrive on.
func (b *Bus) Events() <-chan Event { return b.events }

// Done is closed once the run has ended and the channel is closed.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Final blocks until the run ends and returns its EventEnd, whether or not
// it was received from Events.
func (b *Bus) Final() Event {
	<-b.done
	return b.final
}

func (b *Bus) stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
	b.expire()
}

// expire starts the grace period after which undelivered events are dropped.
func (b *Bus) expire() {
	b.graceOnce.Do(func() {
		b.clock.AfterFunc(endGrace, func() { close(b.abandoned) })
	})
}

// emit blocks until the consumer receives ev, ctx ends or the grace period
// after a stop runs out.
func (b *Bus) emit(ctx context.Context, ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-b.abandoned:
		return false
	}
}

// end records ev as the final event, offers it to the consumer and closes
// the channel. A done ctx does not drop it; it only starts the grace period.
func (b *Bus) end(ctx context.Context, ev Event) {
	b.final = ev
	if ctx.Err() != nil {
		b.expire()
	}
	select {
	case b.events <- ev:
	case <-b.abandoned:
	}
	close(b.events)
	close(b.done)
}

func noResume() {}
