package codecs

import "io"

// Codec marshals and unmarshals values to and from bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// Decode reads a single JSON value from r into v.
	Decode(r io.Reader, v any) error
}
