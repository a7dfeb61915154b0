package mirror

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ripkitten-co/couchfeed/changes"
	"github.com/ripkitten-co/couchfeed/internal/pg"
	"github.com/ripkitten-co/couchfeed/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Option func(*Applier)

// WithBootstrap shares a schema cache between appliers so each table's DDL
// runs once per process.
func WithBootstrap(b *schema.Bootstrap) Option {
	return func(a *Applier) { a.schema = b }
}

// WithKeepDeleted keeps tombstones as rows with deleted = true instead of
// removing them.
func WithKeepDeleted(keep bool) Option {
	return func(a *Applier) { a.keepDeleted = keep }
}

// WithDataIndex creates a GIN index on the data column when the table is
// first ensured.
func WithDataIndex(on bool) Option {
	return func(a *Applier) { a.dataIndex = on }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// Applier replicates change batches into the couchfeed_<name> table.
type Applier struct {
	pool        *pg.Pool
	schema      *schema.Bootstrap
	name        string
	table       string
	keepDeleted bool
	dataIndex   bool
	logger      *slog.Logger

	mu       sync.Mutex
	lockConn *pgxpool.Conn
}

func NewApplier(pool *pg.Pool, name string, opts ...Option) (*Applier, error) {
	if err := schema.ValidateMirrorName(name); err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	a := &Applier{
		pool:   pool,
		schema: schema.New(),
		name:   name,
		table:  schema.Table(name),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Applier) Table() string {
	return a.table
}

func (a *Applier) ensure(ctx context.Context) error {
	if err := a.schema.EnsureMirror(ctx, a.pool, a.name); err != nil {
		return err
	}
	if a.dataIndex {
		return a.schema.EnsureDataIndex(ctx, a.pool, a.name)
	}
	return nil
}

// Apply writes batch in one transaction: live documents are upserted and
// tombstones deleted, in feed order. A failed batch leaves the table as it
// was.
func (a *Applier) Apply(ctx context.Context, batch []changes.Change) error {
	if len(batch) == 0 {
		return nil
	}
	if err := a.ensure(ctx); err != nil {
		return fmt.Errorf("mirror %s: ensure table: %w", a.name, err)
	}

	err := pg.InTx(ctx, a.pool, func(exec pg.Executor) error {
		for _, c := range batch {
			if err := a.applyOne(ctx, exec, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Debug("applied batch", "table", a.table, "changes", len(batch), "seq", batch[len(batch)-1].Seq)
	return nil
}

func (a *Applier) applyOne(ctx context.Context, exec pg.Executor, c changes.Change) error {
	if c.ID == "" {
		return fmt.Errorf("mirror %s: change at seq %s has no id", a.name, c.Seq)
	}
	var (
		sql  string
		args []any
		err  error
	)
	if c.Deleted && !a.keepDeleted {
		sql, args, err = psql.Delete(a.table).Where(sq.Eq{"id": c.ID}).ToSql()
	} else {
		sql, args, err = a.upsert(c).ToSql()
	}
	if err != nil {
		return fmt.Errorf("mirror %s: %s: build sql: %w", a.name, c.ID, err)
	}
	if _, err := exec.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("mirror %s: %s: %w", a.name, c.ID, err)
	}
	return nil
}

func (a *Applier) upsert(c changes.Change) sq.InsertBuilder {
	var data []byte
	if len(c.Doc) > 0 && string(c.Doc) != "null" {
		data = []byte(c.Doc)
	}
	return psql.Insert(a.table).
		Columns("id", "rev", "seq", "data", "deleted", "updated_at").
		Values(c.ID, c.LatestRev(), c.Seq.String(), data, c.Deleted, sq.Expr("now()")).
		Suffix(`ON CONFLICT (id) DO UPDATE SET rev = EXCLUDED.rev, seq = EXCLUDED.seq,
		data = EXCLUDED.data, deleted = EXCLUDED.deleted, updated_at = now()`)
}

// TryAcquireLock takes a session advisory lock keyed by the table name so
// only one process mirrors a database at a time. The lock lives on a
// dedicated connection until ReleaseLock.
func (a *Applier) TryAcquireLock(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockConn != nil {
		return true, nil
	}

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("mirror %s: acquire lock: %w", a.name, err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockHash(a.table)).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("mirror %s: acquire lock: %w", a.name, err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}
	a.lockConn = conn
	return true, nil
}

func (a *Applier) ReleaseLock(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockConn == nil {
		return nil
	}
	conn := a.lockConn
	a.lockConn = nil

	var released bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockHash(a.table)).Scan(&released); err != nil {
		// the lock may still be held; close the session rather than pool it
		_ = conn.Hijack().Close(context.WithoutCancel(ctx))
		return fmt.Errorf("mirror %s: release lock: %w", a.name, err)
	}
	conn.Release()
	return nil
}

func lockHash(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
