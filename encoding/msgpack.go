// Package encoding is the single place values are serialized to msgpack,
// both for publishing observed values and for comparing them.
//
// Marshal and Unmarshal are safe for concurrent use. Map keys are always
// written in sorted order, so equal values encode to equal bytes.
//
// When decoding into interface{}, msgpack strings decode as Go strings and
// not []byte, so decoded rows compare equal to rows read from SQLite TEXT
// columns.
package encoding

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack with sorted map keys
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// Fingerprint returns the xxhash of the value's msgpack encoding. Equal
// values have equal fingerprints; unequal values may collide.
func Fingerprint(v interface{}) (uint64, error) {
	data, err := Marshal(v)
	if err != nil {
		return 0, err
	}
	return Sum64(data), nil
}

// Sum64 is the xxhash of already encoded data
func Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}
