// Package network performs upstream fetches and reads responses fully into
// memory.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offline0/internal/store"
)

// ErrNetwork wraps every transport-level failure: DNS, refused connection,
// timeout, truncated body. A non-2xx status is not an error.
var ErrNetwork = errors.New("network failure")

// Request identifies what to fetch. Only GET requests are cached; URL is the
// absolute URL and doubles as the cache key.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func (r *Request) Key() string { return r.URL }

// Response is a fully read upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Entry converts r into a cacheable entry.
func (r Response) Entry() store.Entry {
	return store.NewEntry(r.Status, r.Header, r.Body)
}

//go:generate mockgen -package=mock -source=network.go -destination=mock/fetcher.go

type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (Response, error)
}

type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// hop-by-hop headers are never forwarded
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func (c *Client) Fetch(ctx context.Context, r *Request) (Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	copyHeaders(req.Header, r.Header)
	// bodies are cached verbatim, so ask for them unencoded
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, r.URL, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: read %s: %v", ErrNetwork, r.URL, err)
	}

	h := store.CloneHeader(resp.Header)
	for _, k := range hopHeaders {
		h.Del(k)
	}
	h.Del("Content-Length")
	return Response{Status: resp.StatusCode, Header: h, Body: b}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}
