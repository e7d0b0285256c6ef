package control

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"offline0/internal/lifecycle"
	"offline0/internal/network"
	"offline0/internal/routing"
	"offline0/internal/store"
)

type fakeLifecycle struct {
	gen     lifecycle.Generation
	state   lifecycle.State
	skipped atomic.Int32
	skipErr error
}

func (f *fakeLifecycle) SkipWaiting() error {
	f.skipped.Add(1)
	return f.skipErr
}
func (f *fakeLifecycle) Generation() lifecycle.Generation { return f.gen }
func (f *fakeLifecycle) Current() (lifecycle.Generation, bool) {
	return f.gen, f.state == lifecycle.StateActivated
}
func (f *fakeLifecycle) State() lifecycle.State { return f.state }

type fakeQueue int

func (q fakeQueue) Len(context.Context) (int, error) { return int(q), nil }

type origin struct {
	*httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/products", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		_, _ = fmt.Fprint(w, "<h1>products</h1>")
	})
	mux.HandleFunc("/about.html", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		_, _ = fmt.Fprint(w, "<h1>about</h1>")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		o.hits.Add(1)
		_, _ = fmt.Fprint(w, "<h1>home</h1>")
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `<?xml version="1.0"?>
<sitemapindex><sitemap><loc>%s/pages.xml.gz</loc></sitemap></sitemapindex>`, o.URL)
	})
	mux.HandleFunc("/pages.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = fmt.Fprintf(gz, `<urlset>
  <url><loc> %s/ </loc></url>
  <url><loc>/about.html</loc></url>
  <url><loc>%s/assets/css/main.css</loc></url>
  <url><loc>%s/images/logo.png</loc></url>
</urlset>`, o.URL, o.URL, o.URL)
		_ = gz.Close()
		_, _ = w.Write(buf.Bytes())
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func newChannel(t *testing.T, o *origin) (*Channel, *store.Memory, *fakeLifecycle) {
	t.Helper()
	mem := store.NewMemory(0, zap.NewNop())
	lc := &fakeLifecycle{gen: 1, state: lifecycle.StateActivated}
	base := "http://127.0.0.1:1"
	if o != nil {
		base = o.URL
	}
	ch := NewChannel(lc, mem, network.NewClient(time.Second), fakeQueue(2), base, zap.NewNop())
	return ch, mem, lc
}

func TestActivateNow(t *testing.T) {
	ch, _, lc := newChannel(t, nil)

	res, err := ch.Handle(context.Background(), Command{Type: ActivateNow})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int32(1), lc.skipped.Load())

	lc.skipErr = lifecycle.ErrNotInstalled
	_, err = ch.Handle(context.Background(), Command{Type: ActivateNow})
	assert.ErrorIs(t, err, lifecycle.ErrNotInstalled)
}

func TestCacheURLs_Idempotent(t *testing.T) {
	o := newOrigin(t)
	ch, mem, _ := newChannel(t, o)
	ctx := context.Background()
	cmd := Command{Type: CacheURLs, URLs: []string{"/products", o.URL + "/about.html", "products"}}

	res, err := ch.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, []string{o.URL + "/about.html", o.URL + "/products"}, res.Cached)

	keys1, err := mem.Keys(ctx, "dynamic-v1")
	require.NoError(t, err)

	res, err = ch.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.OK)

	keys2, err := mem.Keys(ctx, "dynamic-v1")
	require.NoError(t, err)
	assert.Equal(t, keys1, keys2)
	assert.Len(t, keys2, 2)

	ent, ok, err := mem.Match(ctx, "dynamic-v1", o.URL+"/products")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<h1>products</h1>", string(ent.Body))
}

func TestCacheURLs_KeysMatchInterceptedRequests(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = fmt.Fprint(w, "<h1>menu</h1>")
	}))
	t.Cleanup(srv.Close)
	o := &origin{Server: srv}
	ch, mem, _ := newChannel(t, o)
	ctx := context.Background()

	res, err := ch.Handle(ctx, Command{Type: CacheURLs, URLs: []string{"/café.html"}})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "/café.html", path.Load())

	// the key the interceptor derives for GET /caf%C3%A9.html
	base, err := url.Parse(o.URL)
	require.NoError(t, err)
	key := routing.OnOrigin(base, httptest.NewRequest(http.MethodGet, "/caf%C3%A9.html", nil).URL).String()

	ent, ok, err := mem.Match(ctx, "dynamic-v1", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<h1>menu</h1>", string(ent.Body))
}

func TestCacheURLs_PartialFailure(t *testing.T) {
	o := newOrigin(t)
	ch, mem, _ := newChannel(t, o)

	res, err := ch.Handle(context.Background(), Command{Type: CacheURLs, URLs: []string{"/products", "/missing"}})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, []string{o.URL + "/products"}, res.Cached)
	assert.Contains(t, res.Failed[o.URL+"/missing"], "404")

	_, ok, err := mem.Match(context.Background(), "dynamic-v1", o.URL+"/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearCache(t *testing.T) {
	ch, mem, _ := newChannel(t, nil)
	ctx := context.Background()
	require.NoError(t, mem.Put(ctx, "static-v1", "k", store.NewEntry(200, nil, []byte("x"))))

	res, err := ch.Handle(ctx, Command{Type: ClearCache, Partition: "static-v1"})
	require.NoError(t, err)
	assert.True(t, res.Deleted)

	names, err := mem.Partitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	res, err = ch.Handle(ctx, Command{Type: ClearCache, Partition: "static-v1"})
	require.NoError(t, err)
	assert.False(t, res.Deleted)

	_, err = ch.Handle(ctx, Command{Type: ClearCache})
	assert.ErrorIs(t, err, ErrBadCommand)
}

func TestStatus(t *testing.T) {
	ch, mem, _ := newChannel(t, nil)
	ctx := context.Background()
	require.NoError(t, mem.Open(ctx, "static-v1"))

	res, err := ch.Handle(ctx, Command{Type: GetStatus})
	require.NoError(t, err)
	require.NotNil(t, res.Status)
	assert.Equal(t, Status{
		State:       lifecycle.StateActivated,
		Generation:  1,
		Active:      true,
		Partitions:  []string{"static-v1"},
		QueueLength: 2,
	}, *res.Status)
}

func TestUnknownCommand(t *testing.T) {
	ch, _, _ := newChannel(t, nil)

	_, err := ch.Handle(context.Background(), Command{Type: "self-destruct"})
	assert.True(t, errors.Is(err, ErrUnknownCommand))

	_, err = ch.Handle(context.Background(), Command{Type: CacheURLs})
	assert.ErrorIs(t, err, ErrBadCommand)
}

func TestPrecacher_SeedsDynamicPages(t *testing.T) {
	o := newOrigin(t)
	ch, mem, _ := newChannel(t, o)
	ctx := context.Background()
	p := NewPrecacher(ch, routing.DefaultTable(), []string{"/sitemap.xml"}, zap.NewNop())

	res, ignored, err := p.Once(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, []string{o.URL + "/", o.URL + "/about.html"}, res.Cached)
	assert.Equal(t, 2, ignored, "static assets and images are not pre-cached")

	// already cached pages are not fetched again
	before := o.hits.Load()
	res, _, err = p.Once(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Cached)
	assert.Equal(t, before, o.hits.Load())

	keys, err := mem.Keys(ctx, "dynamic-v1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestPrecacher_BadSitemap(t *testing.T) {
	o := newOrigin(t)
	ch, _, _ := newChannel(t, o)
	p := NewPrecacher(ch, routing.DefaultTable(), []string{"/nope.xml"}, nil)

	_, _, err := p.Once(context.Background())
	assert.Error(t, err)
}

func TestPathFromLoc(t *testing.T) {
	assert.Equal(t, "/", pathFromLoc("https://example.com"))
	assert.Equal(t, "/a/b", pathFromLoc("https://example.com/a/b?x=1"))
	assert.Equal(t, "/rel", pathFromLoc("rel"))
	assert.Equal(t, "", pathFromLoc("  "))
}
