// Package batcher turns the lines of a streamed changes response into
// bounded batches of changes.Change, tracking the feed's final checkpoint.
//
// It understands both the normal feed layout CouchDB streams one change per
// line:
//
//	{"results":[
//	{"seq":"1-a","id":"doc","changes":[{"rev":"1-x"}]},
//	],
//	"last_seq":"1-a","pending":0}
//
// and the continuous layout, where the final line is {"last_seq":...}.
//
// A record line that does not parse is returned as an error rather than
// skipped, so a replay never silently loses a change.
package batcher

import (
	"bytes"
	"fmt"

	"github.com/ripkitten-co/couchfeed/changes"
	"github.com/ripkitten-co/couchfeed/internal/codecs"
)

var (
	resultsOpen   = []byte(`{"results":[`)
	lastSeqKey    = []byte(`"last_seq"`)
	lastSeqObject = []byte(`{"last_seq"`)
)

type metadata struct {
	LastSeq changes.Seq `json:"last_seq"`
}

// Batcher accumulates changes until it holds size of them.
type Batcher struct {
	size      int
	codec     codecs.Codec
	buf       []changes.Change
	lastSeq   changes.Seq
	recordSeq changes.Seq
	records   int
}

func New(size int) *Batcher {
	if size <= 0 {
		size = 1
	}
	return &Batcher{
		size:  size,
		codec: codecs.NewJSONIter(),
		buf:   make([]changes.Change, 0, size),
	}
}

// Add consumes one line. It returns a batch once size changes are buffered,
// and nil otherwise. Framing lines and metadata produce no batch.
func (b *Batcher) Add(line []byte) ([]changes.Change, error) {
	line = bytes.TrimSpace(line)
	if bytes.HasPrefix(line, resultsOpen) {
		line = bytes.TrimSpace(line[len(resultsOpen):])
	}
	if bytes.HasPrefix(line, []byte("]")) {
		line = bytes.TrimSpace(line[1:])
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte(",")))
	}
	line = bytes.TrimSuffix(line, []byte(","))

	switch {
	case len(line) == 0:
		return nil, nil
	case bytes.HasPrefix(line, lastSeqKey):
		return nil, b.addMetadata(wrapObject(line))
	case bytes.HasPrefix(line, lastSeqObject):
		return nil, b.addMetadata(line)
	}

	var c changes.Change
	if err := b.codec.Unmarshal(line, &c); err != nil {
		return nil, fmt.Errorf("batcher: record %d: %w", b.records+1, err)
	}
	b.records++
	if c.Seq != "" {
		b.recordSeq = c.Seq
	}
	b.buf = append(b.buf, c)

	if len(b.buf) < b.size {
		return nil, nil
	}
	return b.take(), nil
}

// Flush returns whatever is buffered, or nil when empty.
func (b *Batcher) Flush() []changes.Change {
	if len(b.buf) == 0 {
		return nil
	}
	return b.take()
}

// LastSeq is the last_seq reported by the feed's trailing metadata, falling
// back to the most recent non-empty record seq before that line arrives.
func (b *Batcher) LastSeq() changes.Seq {
	if b.lastSeq != "" {
		return b.lastSeq
	}
	return b.recordSeq
}

// Records counts the changes parsed so far.
func (b *Batcher) Records() int { return b.records }

func (b *Batcher) take() []changes.Change {
	out := b.buf
	b.buf = make([]changes.Change, 0, b.size)
	return out
}

func (b *Batcher) addMetadata(line []byte) error {
	var m metadata
	if err := b.codec.Unmarshal(line, &m); err != nil {
		return fmt.Errorf("batcher: metadata: %w", err)
	}
	if m.LastSeq != "" {
		b.lastSeq = m.LastSeq
	}
	return nil
}

// wrapObject restores the braces around a metadata line that arrives as
// `"last_seq":"5-e","pending":0}`.
func wrapObject(line []byte) []byte {
	out := make([]byte, 0, len(line)+2)
	out = append(out, '{')
	out = append(out, line...)
	if !bytes.HasSuffix(line, []byte("}")) {
		out = append(out, '}')
	}
	return out
}
