package meta

import (
	"testing"
)

type conventionDoc struct {
	ID   string
	Rev  string
	Name string
}

type taggedDoc struct {
	Key      string `couchfeed:"id" json:"key"`
	Revision string `couchfeed:"rev"`
	Name     string
}

type noRevDoc struct {
	ID   string
	Name string
}

type intIDDoc struct {
	ID   int
	Name string
}

type unexportedDoc struct {
	id   string
	Name string
}

func TestAnalyze_Conventions(t *testing.T) {
	m := Analyze[conventionDoc]()
	if m.IDIndex != 0 {
		t.Errorf("IDIndex = %d, want 0", m.IDIndex)
	}
	if m.RevIndex != 1 {
		t.Errorf("RevIndex = %d, want 1", m.RevIndex)
	}
	if m.IDKey != "ID" {
		t.Errorf("IDKey = %q, want %q", m.IDKey, "ID")
	}
	if m.RevKey != "Rev" {
		t.Errorf("RevKey = %q, want %q", m.RevKey, "Rev")
	}
}

func TestAnalyze_TagsWinOverConventions(t *testing.T) {
	m := Analyze[taggedDoc]()
	if m.IDIndex != 0 {
		t.Errorf("IDIndex = %d, want 0", m.IDIndex)
	}
	if m.RevIndex != 1 {
		t.Errorf("RevIndex = %d, want 1", m.RevIndex)
	}
	if m.IDKey != "key" {
		t.Errorf("IDKey = %q, want %q", m.IDKey, "key")
	}
}

func TestAnalyze_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		meta    *StructMeta
		wantID  int
		wantRev int
	}{
		{"no rev", Analyze[noRevDoc](), 0, -1},
		{"non-string id", Analyze[intIDDoc](), -1, -1},
		{"unexported id", Analyze[unexportedDoc](), -1, -1},
		{"not a struct", Analyze[map[string]any](), -1, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.meta.IDIndex != tt.wantID {
				t.Errorf("IDIndex = %d, want %d", tt.meta.IDIndex, tt.wantID)
			}
			if tt.meta.RevIndex != tt.wantRev {
				t.Errorf("RevIndex = %d, want %d", tt.meta.RevIndex, tt.wantRev)
			}
		})
	}
}

func TestAnalyze_Cached(t *testing.T) {
	a := Analyze[conventionDoc]()
	b := Analyze[conventionDoc]()
	if a != b {
		t.Error("expected the same cached *StructMeta")
	}
}

func TestSetAndExtract(t *testing.T) {
	var doc taggedDoc
	SetID(&doc, "order-1")
	SetRev(&doc, "2-abc")

	if doc.Key != "order-1" {
		t.Errorf("Key = %q, want %q", doc.Key, "order-1")
	}
	if got := ExtractID(doc); got != "order-1" {
		t.Errorf("ExtractID = %q, want %q", got, "order-1")
	}
	if got := ExtractRev(&doc); got != "2-abc" {
		t.Errorf("ExtractRev = %q, want %q", got, "2-abc")
	}
}

func TestSetID_IgnoresNonPointer(t *testing.T) {
	doc := conventionDoc{ID: "keep"}
	SetID(doc, "changed")
	if doc.ID != "keep" {
		t.Errorf("ID = %q, want %q", doc.ID, "keep")
	}
	SetID((*conventionDoc)(nil), "changed")
}
