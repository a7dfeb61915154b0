package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ripkitten-co/couchfeed/internal/pg"
)

// TablePrefix is prepended to every mirror name.
const TablePrefix = "couchfeed_"

var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,52}$`)

// ValidateMirrorName checks that name is a valid mirror identifier
// (alphanumeric + underscores, max 53 characters, starts with a letter).
func ValidateMirrorName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("schema: invalid mirror name %q: must be alphanumeric with underscores, max 53 chars", name)
	}
	return nil
}

// MirrorName derives a mirror identifier from a CouchDB database name.
// CouchDB allows characters such as "-", "/" and "$" that are not valid in an
// unquoted Postgres identifier; they are replaced with underscores.
func MirrorName(db string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(db) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		name = "db_" + name
	}
	if len(name) > 53 {
		name = name[:53]
	}
	return name
}

// Table returns the table that mirrors name.
func Table(name string) string {
	return TablePrefix + name
}

func mirrorDDL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS couchfeed_%s (
	id TEXT PRIMARY KEY,
	rev TEXT NOT NULL,
	seq TEXT NOT NULL,
	data JSONB,
	deleted BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, name)
}

func dataIndexDDL(name string) string {
	return fmt.Sprintf(`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_couchfeed_%s_data ON couchfeed_%s USING GIN (data jsonb_path_ops)`, name, name)
}

// Bootstrap manages idempotent creation of mirror tables and indexes.
// It caches which tables and indexes have been created to avoid repeated DDL.
type Bootstrap struct {
	tables  sync.Map
	indexes sync.Map
}

// New returns a Bootstrap with empty caches.
func New() *Bootstrap {
	return &Bootstrap{}
}

// IsCreated reports whether the named table has been created in this session.
func (b *Bootstrap) IsCreated(table string) bool {
	_, ok := b.tables.Load(table)
	return ok
}

// MarkCreated records that the named table has been created.
func (b *Bootstrap) MarkCreated(table string) {
	b.tables.Store(table, true)
}

// IsIndexCreated reports whether the named index has been created in this session.
func (b *Bootstrap) IsIndexCreated(name string) bool {
	_, ok := b.indexes.Load(name)
	return ok
}

// MarkIndexCreated records that the named index has been created.
func (b *Bootstrap) MarkIndexCreated(name string) {
	b.indexes.Store(name, true)
}

// InvalidateTable removes a table from the creation cache so the next
// EnsureMirror call re-runs the DDL. Used after a mirror is truncated by
// dropping it.
func (b *Bootstrap) InvalidateTable(table string) {
	b.tables.Delete(table)
}

// EnsureMirror creates the couchfeed_{name} table if it doesn't exist.
func (b *Bootstrap) EnsureMirror(ctx context.Context, exec pg.Executor, name string) error {
	if err := ValidateMirrorName(name); err != nil {
		return err
	}
	table := Table(name)
	if _, ok := b.tables.Load(table); ok {
		return nil
	}
	_, err := exec.Exec(ctx, mirrorDDL(name))
	if err != nil {
		return fmt.Errorf("schema: create table %s: %w", table, err)
	}
	b.tables.Store(table, true)
	return nil
}

// EnsureDataIndex creates a GIN index over the mirrored documents for
// containment queries. Must be called with a pool-level executor, not a
// transaction: CREATE INDEX CONCURRENTLY cannot run inside a transaction block.
func (b *Bootstrap) EnsureDataIndex(ctx context.Context, exec pg.Executor, name string) error {
	if err := ValidateMirrorName(name); err != nil {
		return err
	}
	index := "idx_couchfeed_" + name + "_data"
	if _, ok := b.indexes.Load(index); ok {
		return nil
	}
	if tx, ok := exec.(pg.Transactional); ok && tx.InTransaction() {
		return fmt.Errorf("schema: create index %s: executor is inside a transaction", index)
	}
	_, err := exec.Exec(ctx, dataIndexDDL(name))
	if err != nil {
		return fmt.Errorf("schema: create index %s: %w", index, err)
	}
	b.indexes.Store(index, true)
	return nil
}
