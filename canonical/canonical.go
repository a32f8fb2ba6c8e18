// Package canonical produces a byte-for-byte deterministic encoding of a
// JSON payload. Two structurally equal payloads canonicalize to the same
// bytes regardless of object key order, which is what the sync engine
// compares to detect no-op writes.
package canonical

import (
	"bytes"

	"github.com/bytedance/sonic"
)

// Encode normalizes a JSON document: object keys are sorted
// lexicographically at every depth, array element order is preserved
// (sequence order is semantically meaningful for columns and cards), and
// scalar values pass through verbatim.
func Encode(raw []byte) ([]byte, error) {
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// ConfigStd sorts map keys on marshal, and json.Number keeps numeric
	// literals untouched through the round trip.
	return sonic.ConfigStd.Marshal(v)
}

// Equal reports whether two JSON documents are structurally equal under
// canonical encoding. Malformed input is never equal to anything.
func Equal(a, b []byte) bool {
	ca, err := Encode(a)
	if err != nil {
		return false
	}
	cb, err := Encode(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
