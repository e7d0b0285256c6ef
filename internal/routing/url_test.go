package routing

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestOnOrigin(t *testing.T) {
	tests := []struct {
		origin, ref, want string
	}{
		{"http://shop.example.com", "/assets/css/main.css", "http://shop.example.com/assets/css/main.css"},
		{"http://shop.example.com/store", "/assets/css/main.css", "http://shop.example.com/store/assets/css/main.css"},
		{"http://shop.example.com/store/", "/api/products?page=2", "http://shop.example.com/store/api/products?page=2"},
		{"http://shop.example.com", "/", "http://shop.example.com/"},
		{"http://shop.example.com", "about.html", "http://shop.example.com/about.html"},
		{"http://shop.example.com", "/caf%C3%A9.html", "http://shop.example.com/caf%C3%A9.html"},
		{"http://shop.example.com", "/a%2Fb", "http://shop.example.com/a%2Fb"},
		{"http://shop.example.com/my%20shop", "/x.css#top", "http://shop.example.com/my%20shop/x.css"},
	}
	for _, tt := range tests {
		t.Run(tt.origin+tt.ref, func(t *testing.T) {
			got := OnOrigin(mustParse(t, tt.origin), mustParse(t, tt.ref))
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestResolveRef(t *testing.T) {
	origin := mustParse(t, "https://shop.example.com/store")

	tests := []struct {
		ref, want string
	}{
		{"/café.html", "https://shop.example.com/store/caf%C3%A9.html"},
		{"/caf%C3%A9.html", "https://shop.example.com/store/caf%C3%A9.html"},
		{" /a b.html ", "https://shop.example.com/store/a%20b.html"},
		{"products", "https://shop.example.com/store/products"},
		{"http://cdn.example.com/x.js#frag", "http://cdn.example.com/x.js"},
		{"//cdn.example.com/y.js", "https://cdn.example.com/y.js"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ResolveRef(origin, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := ResolveRef(origin, "http://[::1")
	assert.Error(t, err)
}

func TestResolveRef_MatchesRequestKey(t *testing.T) {
	origin := mustParse(t, "http://shop.example.com")
	// what the HTTP server hands the interceptor for GET /café.html
	req := mustParse(t, "/caf%C3%A9.html")

	configured, err := ResolveRef(origin, "/café.html")
	require.NoError(t, err)
	assert.Equal(t, OnOrigin(origin, req).String(), configured.String())
}
