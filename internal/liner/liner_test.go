package liner

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func collect(t *testing.T, l *Liner) []string {
	t.Helper()
	var out []string
	for l.Next() {
		out = append(out, string(l.Line()))
	}
	return out
}

func TestLiner_SplitsLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"trailing newline", "a\nb\n", []string{"a", "b"}},
		{"no trailing newline", "a\nb", []string{"a", "b"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"blank lines skipped", "\n\na\n\n\nb\n\n", []string{"a", "b"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(strings.NewReader(tt.input))
			got := collect(t, l)
			if l.Err() != nil {
				t.Fatalf("unexpected error: %v", l.Err())
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLiner_ReassemblesSplitReads(t *testing.T) {
	input := `{"seq":"1","id":"a"},` + "\n" + `{"seq":"2","id":"b"}` + "\n"
	l := New(iotest.OneByteReader(strings.NewReader(input)))

	got := collect(t, l)
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if got[1] != `{"seq":"2","id":"b"}` {
		t.Errorf("got %q", got[1])
	}
}

func TestLiner_PropagatesReadError(t *testing.T) {
	boom := errors.New("connection reset")
	l := New(iotest.ErrReader(boom))

	if l.Next() {
		t.Fatal("expected no lines")
	}
	if !errors.Is(l.Err(), boom) {
		t.Errorf("got %v, want %v", l.Err(), boom)
	}
}
