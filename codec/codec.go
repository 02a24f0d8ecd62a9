// Package codec (de)serializes values for cache introspection transfer,
// e.g. shipping a snapshot of the query cache to a devtools bridge. The
// engine itself never serializes cached data; codecs live entirely at the
// tooling boundary.
package codec

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
