package httpserver

import "net/http"

// QueueRequest is a page-side report of a mutating request that could not be
// delivered.
type QueueRequest struct {
	URL     string      `json:"url"`
	Method  string      `json:"method"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"` // base64 in JSON
}

type QueueResponse struct {
	Success bool  `json:"success"`
	ID      int64 `json:"id"`
}
