package store

import (
	"hash/crc32"
	"net/http"
	"time"
)

// Entry is a stored response. There is no expiry: an entry lives until it is
// overwritten or its partition is deleted.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

// NewEntry builds an entry stamped with the current time and a body checksum.
func NewEntry(status int, header http.Header, body []byte) Entry {
	h := CloneHeader(header)
	h.Del("Content-Length")
	return Entry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// OK reports whether the entry holds a 2xx response.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

func (e Entry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
