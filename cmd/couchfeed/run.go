package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ripkitten-co/couchfeed"
	"github.com/ripkitten-co/couchfeed/changes"
	"github.com/ripkitten-co/couchfeed/internal/codecs"
	"github.com/ripkitten-co/couchfeed/internal/pg"
	"github.com/ripkitten-co/couchfeed/mirror"
	"github.com/ripkitten-co/couchfeed/request"
	"github.com/ripkitten-co/couchfeed/schema"
)

// run follows every configured database until ctx is cancelled, a feed
// fails fatally or, in get and spool mode, every feed is drained.
func run(ctx context.Context, cfg Config, out io.Writer, logger *slog.Logger) error {
	var opts []request.Option
	for k, v := range cfg.Headers {
		opts = append(opts, request.WithHeader(k, v))
	}
	client, err := request.NewHTTPClient(cfg.URL, opts...)
	if err != nil {
		return err
	}

	var pool *pg.Pool
	if cfg.PostgresURL != "" {
		pool, err = pg.NewPool(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return err
		}
	}

	printer := &linePrinter{w: out, codec: codecs.NewJSONIter()}
	bootstrap := schema.New()

	g, gctx := errgroup.WithContext(ctx)
	for _, db := range cfg.Databases {
		db := db
		g.Go(func() error {
			log := logger.With("db", db)
			var sink mirror.BatchApplier = printer.forDB(db)
			if pool != nil {
				a, err := mirror.NewApplier(pool, schema.MirrorName(db),
					mirror.WithBootstrap(bootstrap),
					mirror.WithKeepDeleted(cfg.KeepDeleted),
					mirror.WithDataIndex(cfg.DataIndex),
					mirror.WithLogger(log),
				)
				if err != nil {
					return err
				}
				ok, err := a.TryAcquireLock(gctx)
				if err != nil {
					return err
				}
				if !ok {
					log.Warn("mirror is locked by another process, skipping", "table", a.Table())
					return nil
				}
				defer func() {
					if err := a.ReleaseLock(context.WithoutCancel(gctx)); err != nil {
						log.Error("release lock", "error", err)
					}
				}()
				sink = a
			}
			return follow(gctx, cfg, client, db, sink, log)
		})
	}
	return g.Wait()
}

func follow(ctx context.Context, cfg Config, client request.Client, db string, sink mirror.BatchApplier, log *slog.Logger) error {
	r := couchfeed.NewReader(db, client, couchfeed.WithLogger(log))
	opts := []couchfeed.Option{
		couchfeed.WithSince(changes.Seq(cfg.Since)),
		couchfeed.WithBatchSize(cfg.BatchSize),
		couchfeed.WithIncludeDocs(cfg.IncludeDocs),
		couchfeed.WithFastChanges(cfg.FastChanges),
		couchfeed.WithTimeout(cfg.Timeout),
		couchfeed.WithWait(true),
	}

	var (
		bus *couchfeed.Bus
		err error
	)
	switch cfg.Mode {
	case modeGet:
		bus, err = r.Get(ctx, opts...)
	case modeSpool:
		bus, err = r.Spool(ctx, opts...)
	default:
		bus, err = r.Start(ctx, opts...)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", db, err)
	}

	log.Info("following changes", "mode", cfg.Mode, "since", cfg.Since)
	seq, err := mirror.Run(ctx, bus, sink, log)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		r.Stop()
		return err
	}
	log.Info("changes feed ended", "last_seq", seq)
	return nil
}

// linePrinter writes one JSON object per change. Writes from concurrent
// feeds are serialized so lines never interleave.
type linePrinter struct {
	mu    sync.Mutex
	w     io.Writer
	codec codecs.Codec
}

type changeLine struct {
	DB string `json:"db"`
	changes.Change
}

func (p *linePrinter) forDB(db string) mirror.ApplyFunc {
	return func(_ context.Context, batch []changes.Change) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range batch {
			data, err := p.codec.Marshal(changeLine{DB: db, Change: c})
			if err != nil {
				return fmt.Errorf("print %s: %w", c.ID, err)
			}
			data = append(data, '\n')
			if _, err := p.w.Write(data); err != nil {
				return fmt.Errorf("print %s: %w", c.ID, err)
			}
		}
		return nil
	}
}
