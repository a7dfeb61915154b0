package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ripkitten-co/couchfeed"
	"github.com/ripkitten-co/couchfeed/changes"
)

// BatchApplier consumes one batch of changes. Applier implements it against
// Postgres; ApplyFunc adapts a plain function.
type BatchApplier interface {
	Apply(ctx context.Context, batch []changes.Change) error
}

// ApplyFunc is the callback form of BatchApplier, for sinks that don't need
// a table (printing, forwarding).
type ApplyFunc func(ctx context.Context, batch []changes.Change) error

func (f ApplyFunc) Apply(ctx context.Context, batch []changes.Change) error {
	return f(ctx, batch)
}

// Run feeds every batch on bus to a, resuming the reader after each one, and
// returns the final checkpoint and cause from EventEnd. Start the reader with
// couchfeed.WithWait(true) so no batch is requested before the previous one
// is applied.
//
// If a batch fails Run returns immediately with the checkpoint of the last
// applied batch. The reader is then still waiting on Resume; Stop it or
// cancel its context to end the run.
func Run(ctx context.Context, bus *couchfeed.Bus, a BatchApplier, logger *slog.Logger) (changes.Seq, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var applied changes.Seq
	for ev := range bus.Events() {
		switch ev.Kind {
		case couchfeed.EventBatch:
			if err := a.Apply(ctx, ev.Batch); err != nil {
				return applied, fmt.Errorf("mirror: apply batch ending %s: %w", ev.Batch[len(ev.Batch)-1].Seq, err)
			}
			applied = ev.Seq
			ev.Resume()
		case couchfeed.EventError:
			logger.Warn("changes feed error", "fatal", couchfeed.IsFatal(ev.Err), "error", ev.Err)
		case couchfeed.EventEnd:
			return ev.Seq, ev.Err
		}
	}
	// the channel closed without delivering EventEnd
	final := bus.Final()
	return final.Seq, final.Err
}
