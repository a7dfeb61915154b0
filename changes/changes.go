// Package changes holds the records carried by a CouchDB-style changes feed:
// individual document mutations, the opaque sequence tokens that position a
// consumer in the feed, and the long-poll response envelope.
package changes

import (
	stdjson "encoding/json"
	"errors"
	"fmt"

	"github.com/ripkitten-co/couchfeed/internal/codecs"
)

// ErrNoDoc is returned by Decode when the change carries no document body,
// which happens unless the feed was read with include_docs.
var ErrNoDoc = errors.New("change has no document body")

var (
	plain = codecs.NewJSONIter()
	docs  = codecs.NewDoc(plain)
)

// Seq is an opaque checkpoint token. CouchDB 2.x and later report sequences
// as strings; 1.x reports plain integers. Both decode into the same string
// form and can be passed back verbatim as the since parameter.
type Seq string

// Now is the sentinel since value that starts a feed at its current end.
const Now Seq = "now"

func (s *Seq) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := plain.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("changes: decode seq: %w", err)
		}
		*s = Seq(str)
		return nil
	}
	if c := data[0]; c != '-' && (c < '0' || c > '9') {
		return fmt.Errorf("changes: decode seq: unexpected token %s", data)
	}
	var num stdjson.Number
	if err := plain.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("changes: decode seq %s: %w", data, err)
	}
	*s = Seq(num.String())
	return nil
}

func (s Seq) String() string { return string(s) }

// Rev is one leaf revision reported for a changed document.
type Rev struct {
	Rev string `json:"rev"`
}

// Change is a single document mutation reported by the feed.
type Change struct {
	Seq     Seq                `json:"seq"`
	ID      string             `json:"id"`
	Changes []Rev              `json:"changes"`
	Deleted bool               `json:"deleted,omitempty"`
	Doc     stdjson.RawMessage `json:"doc,omitempty"`
}

// LatestRev returns the first revision listed for the change, which is the
// winning revision for the default style=main_only feed.
func (c Change) LatestRev() string {
	if len(c.Changes) == 0 {
		return ""
	}
	return c.Changes[0].Rev
}

// Response is the envelope returned by a non-streaming changes request.
type Response struct {
	Results []Change `json:"results"`
	LastSeq Seq      `json:"last_seq"`
	Pending int64    `json:"pending"`
}

// Decode unmarshals the change's document body into a T. Fields tagged
// couchfeed:"id" and couchfeed:"rev", or named ID and Rev, receive the
// document's _id and _rev.
func Decode[T any](c Change) (*T, error) {
	if len(c.Doc) == 0 {
		return nil, fmt.Errorf("changes: decode %s: %w", c.ID, ErrNoDoc)
	}
	var doc T
	if err := docs.Unmarshal(c.Doc, &doc); err != nil {
		return nil, fmt.Errorf("changes: decode %s: %w", c.ID, err)
	}
	return &doc, nil
}
