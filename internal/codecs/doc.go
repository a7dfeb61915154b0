package codecs

import (
	stdjson "encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/ripkitten-co/couchfeed/internal/meta"
)

// DocCodec wraps another codec and maps a CouchDB document's _id and _rev
// onto the struct fields meta identifies as ID and Rev.
type DocCodec struct {
	inner Codec
}

func NewDoc(inner Codec) *DocCodec {
	return &DocCodec{inner: inner}
}

type docKeys struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev"`
}

func (c *DocCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return c.inner.Marshal(v)
	}
	m := meta.AnalyzeType(reflect.TypeOf(v))
	if m.IDIndex == -1 && m.RevIndex == -1 {
		return c.inner.Marshal(v)
	}

	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]stdjson.RawMessage
	if err := c.inner.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	if err := c.swapKey(out, m.IDKey, "_id", meta.ExtractID(v)); err != nil {
		return nil, err
	}
	if err := c.swapKey(out, m.RevKey, "_rev", meta.ExtractRev(v)); err != nil {
		return nil, err
	}
	return c.inner.Marshal(out)
}

func (c *DocCodec) swapKey(out map[string]stdjson.RawMessage, from, to, value string) error {
	if from != "" {
		delete(out, from)
	}
	if value == "" {
		return nil
	}
	raw, err := c.inner.Marshal(value)
	if err != nil {
		return fmt.Errorf("field %s: %w", to, err)
	}
	out[to] = raw
	return nil
}

func (c *DocCodec) Unmarshal(data []byte, v any) error {
	if err := c.inner.Unmarshal(data, v); err != nil {
		return err
	}
	var keys docKeys
	if err := c.inner.Unmarshal(data, &keys); err != nil {
		return err
	}
	meta.SetID(v, keys.ID)
	meta.SetRev(v, keys.Rev)
	return nil
}

func (c *DocCodec) Decode(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, v)
}
