package codecs_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ripkitten-co/couchfeed/internal/codecs"
)

type order struct {
	ID     string
	Rev    string
	Status string `json:"status"`
	Total  float64
}

type taggedOrder struct {
	Key      string `couchfeed:"id" json:"key"`
	Revision string `couchfeed:"rev"`
	Status   string `json:"status"`
}

type plainDoc struct {
	Status string `json:"status"`
}

func newDoc() codecs.Codec {
	return codecs.NewDoc(codecs.NewJSONIter())
}

func TestDocCodec_Unmarshal_MapsIDAndRev(t *testing.T) {
	c := newDoc()
	input := []byte(`{"_id":"order-1","_rev":"3-abc","status":"paid","Total":12.5}`)

	var got order
	if err := c.Unmarshal(input, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.ID != "order-1" {
		t.Errorf("ID = %q, want %q", got.ID, "order-1")
	}
	if got.Rev != "3-abc" {
		t.Errorf("Rev = %q, want %q", got.Rev, "3-abc")
	}
	if got.Status != "paid" {
		t.Errorf("Status = %q, want %q", got.Status, "paid")
	}
	if got.Total != 12.5 {
		t.Errorf("Total = %f, want 12.5", got.Total)
	}
}

func TestDocCodec_Unmarshal_Tagged(t *testing.T) {
	c := newDoc()
	input := []byte(`{"_id":"order-2","_rev":"1-x","status":"new"}`)

	var got taggedOrder
	if err := c.Unmarshal(input, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Key != "order-2" {
		t.Errorf("Key = %q, want %q", got.Key, "order-2")
	}
	if got.Revision != "1-x" {
		t.Errorf("Revision = %q, want %q", got.Revision, "1-x")
	}
}

func TestDocCodec_Marshal_WritesUnderscoreKeys(t *testing.T) {
	c := newDoc()

	data, err := c.Marshal(taggedOrder{Key: "order-3", Revision: "2-y", Status: "shipped"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if string(raw["_id"]) != `"order-3"` {
		t.Errorf("_id = %s, want \"order-3\"", raw["_id"])
	}
	if string(raw["_rev"]) != `"2-y"` {
		t.Errorf("_rev = %s, want \"2-y\"", raw["_rev"])
	}
	for _, key := range []string{"key", "Revision"} {
		if _, ok := raw[key]; ok {
			t.Errorf("unexpected key %q in marshalled output", key)
		}
	}
}

func TestDocCodec_Marshal_OmitsEmptyRev(t *testing.T) {
	c := newDoc()

	data, err := c.Marshal(order{ID: "order-4", Status: "new"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "_rev") {
		t.Errorf("got %s, want no _rev", data)
	}
}

func TestDocCodec_PassThroughWithoutMeta(t *testing.T) {
	c := newDoc()

	data, err := c.Marshal(plainDoc{Status: "ok"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"status":"ok"}` {
		t.Errorf("got %s", data)
	}

	var got plainDoc
	if err := c.Decode(strings.NewReader(`{"_id":"x","status":"ok"}`), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" {
		t.Errorf("Status = %q, want %q", got.Status, "ok")
	}
}
