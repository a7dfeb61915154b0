// Package liner splits a byte stream into newline-delimited records.
package liner

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// MaxLineSize bounds a single record. Changes read with include_docs carry
// whole documents on one line, so the default bufio limit is too small.
const MaxLineSize = 64 << 20

// Liner yields one record per line. Blank lines are skipped and a trailing
// carriage return is dropped.
type Liner struct {
	scanner *bufio.Scanner
	line    []byte
	err     error
}

func New(r io.Reader) *Liner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), MaxLineSize)
	return &Liner{scanner: s}
}

// Next advances to the next non-blank line, returning false at end of stream
// or on error.
func (l *Liner) Next() bool {
	for l.scanner.Scan() {
		line := bytes.TrimSpace(l.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		l.line = line
		return true
	}
	if err := l.scanner.Err(); err != nil {
		l.err = fmt.Errorf("liner: %w", err)
	}
	l.line = nil
	return false
}

// Line returns the current record. It is only valid until the next call to
// Next.
func (l *Liner) Line() []byte { return l.line }

func (l *Liner) Err() error { return l.err }
