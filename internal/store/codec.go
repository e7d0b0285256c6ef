package store

import (
	"bytes"
	"encoding/gob"
	"net/http"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func encodeEntry(ent Entry) ([]byte, error) {
	return encodeGob(ent)
}

func decodeEntry(b []byte) (Entry, error) {
	var ent Entry
	err := decodeGob(b, &ent)
	return ent, err
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
