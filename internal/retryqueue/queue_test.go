package retryqueue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"offline0/internal/network"
	netmock "offline0/internal/network/mock"
)

type recorder struct {
	mu     sync.Mutex
	bodies map[string][]string
	fail   map[string]bool
	down   atomic.Bool
}

func newRecorder(t *testing.T) (*recorder, *httptest.Server) {
	t.Helper()
	rec := &recorder{bodies: map[string][]string{}, fail: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec.down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.fail[string(b)] {
			http.Error(w, "rejected", http.StatusBadGateway)
			return
		}
		rec.bodies[r.URL.Path] = append(rec.bodies[r.URL.Path], string(b))
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)
	return rec, srv
}

func (r *recorder) got(path string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies[path]...)
}

func openQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "retry.db"), network.NewClient(time.Second), 4, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueue(t *testing.T, q *Queue, url, body string) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), Entry{
		URL:    url,
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:   []byte(body),
	})
	require.NoError(t, err)
	return id
}

func TestEnqueueAndList(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	id1 := enqueue(t, q, "https://shop.example.com/api/cart/add", "id=1")
	id2 := enqueue(t, q, "https://shop.example.com/api/cart/add", "id=2")
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "id=1", string(entries[0].Body))
	assert.Equal(t, http.MethodPost, entries[0].Method)
	assert.Equal(t, "application/x-www-form-urlencoded", entries[0].Header.Get("Content-Type"))
	assert.False(t, entries[0].Timestamp.IsZero())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestList_OrderedByTimestamp(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	now := time.Now()

	_, err := q.Enqueue(ctx, Entry{URL: "https://x/b", Method: http.MethodPut, Timestamp: now})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Entry{URL: "https://x/a", Method: http.MethodPut, Timestamp: now.Add(-time.Minute)})
	require.NoError(t, err)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "https://x/a", entries[0].URL)
	assert.Nil(t, entries[0].Header)
}

func TestDrainAll_AllSucceed(t *testing.T) {
	rec, srv := newRecorder(t)
	q := openQueue(t)

	for _, body := range []string{"id=1", "id=2", "id=3"} {
		enqueue(t, q, srv.URL+"/api/cart/add", body)
	}
	enqueue(t, q, srv.URL+"/api/wishlist", "id=9")

	res, err := q.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 4, Delivered: 4}, res)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// same-URL entries replay in enqueue order
	assert.Equal(t, []string{"id=1", "id=2", "id=3"}, rec.got("/api/cart/add"))
	assert.Equal(t, []string{"id=9"}, rec.got("/api/wishlist"))
}

func TestDrainAll_OneFailureLeavesOnlyThatEntry(t *testing.T) {
	rec, srv := newRecorder(t)
	q := openQueue(t)
	rec.mu.Lock()
	rec.fail["id=3"] = true
	rec.mu.Unlock()

	for _, body := range []string{"id=1", "id=2", "id=3", "id=4", "id=5"} {
		enqueue(t, q, srv.URL+"/api/cart/add", body)
	}

	res, err := q.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Attempted)
	assert.Equal(t, 4, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)

	entries, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "id=3", string(entries[0].Body))
	assert.Equal(t, int64(3), entries[0].ID)

	// a rejection does not hold back later entries of the same URL
	assert.Equal(t, []string{"id=1", "id=2", "id=4", "id=5"}, rec.got("/api/cart/add"))
}

func TestDrainAll_OfflineKeepsEverything(t *testing.T) {
	_, srv := newRecorder(t)
	url := srv.URL
	srv.Close()
	q := openQueue(t)

	enqueue(t, q, url+"/api/cart/add", "id=1")
	enqueue(t, q, url+"/api/cart/add", "id=2")

	res, err := q.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 1, Failed: 1, Deferred: 1, Remaining: 2}, res)
}

func TestDrainAll_UnreachableHoldsBackRestOfGroup(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := netmock.NewMockFetcher(ctrl)
	q, err := Open(filepath.Join(t.TempDir(), "retry.db"), fetcher, 4, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	for _, body := range []string{"id=1", "id=2", "id=3"} {
		enqueue(t, q, "http://shop.test/api/cart/add", body)
	}
	enqueue(t, q, "http://shop.test/api/wishlist", "id=9")

	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req *network.Request) (network.Response, error) {
			switch string(req.Body) {
			case "id=1":
				return network.Response{}, errors.New("connection refused")
			case "id=9":
				return network.Response{Status: http.StatusCreated}, nil
			}
			t.Errorf("replayed %q behind an undelivered entry", req.Body)
			return network.Response{}, errors.New("unexpected replay")
		}).Times(2)

	res, err := q.DrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 2, Delivered: 1, Failed: 1, Deferred: 2, Remaining: 3}, res)

	var (
		mu  sync.Mutex
		got []string
	)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req *network.Request) (network.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(req.Body))
			return network.Response{Status: http.StatusCreated}, nil
		}).Times(3)

	res, err = q.DrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 3, Delivered: 3}, res)
	assert.Equal(t, []string{"id=1", "id=2", "id=3"}, got)
}

func TestDrainAll_Empty(t *testing.T) {
	q := openQueue(t)
	res, err := q.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
}

func TestCartAddScenario(t *testing.T) {
	rec, srv := newRecorder(t)
	q := openQueue(t)

	rec.down.Store(true)
	id := enqueue(t, q, srv.URL+"/api/cart/add", "id=1")
	assert.Equal(t, int64(1), id)

	res, err := q.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)

	rec.down.Store(false)
	res, err = q.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, res.Remaining)
}

func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.db")
	q, err := Open(path, nil, 1, nil)
	require.NoError(t, err)
	enqueue(t, q, "https://shop.example.com/api/cart/add", "id=1")
	require.NoError(t, q.Close())

	q, err = Open(path, nil, 1, nil)
	require.NoError(t, err)
	defer q.Close()
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id := enqueue(t, q, "https://shop.example.com/api/cart/add", "id=2")
	assert.Equal(t, int64(2), id)
}

func TestInMemoryQueue(t *testing.T) {
	q, err := Open("", nil, 0, nil)
	require.NoError(t, err)
	defer q.Close()

	enqueue(t, q, "https://x/a", "1")
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTryDrain_Coalesces(t *testing.T) {
	q := openQueue(t)
	q.drainMu.Lock()

	_, ran, err := q.TryDrain(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	q.drainMu.Unlock()
	_, ran, err = q.TryDrain(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWatcher_DrainsWhenProbeRecovers(t *testing.T) {
	rec, srv := newRecorder(t)
	q := openQueue(t)
	enqueue(t, q, srv.URL+"/api/cart/add", "id=1")

	var probeUp atomic.Bool
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !probeUp.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer probe.Close()

	w := &Watcher{
		Queue:      q,
		Fetcher:    network.NewClient(time.Second),
		ProbeURL:   probe.URL,
		ProbeEvery: 10 * time.Millisecond,
		Logger:     zap.NewNop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// let the watcher observe the outage first
	time.Sleep(50 * time.Millisecond)
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	probeUp.Store(true)
	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []string{"id=1"}, rec.got("/api/cart/add"))
}

func TestWatcher_PeriodicDrain(t *testing.T) {
	_, srv := newRecorder(t)
	q := openQueue(t)
	enqueue(t, q, srv.URL+"/api/cart/add", "id=1")

	w := &Watcher{Queue: q, DrainEvery: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_NothingConfiguredReturns(t *testing.T) {
	w := &Watcher{Queue: openQueue(t)}
	w.Run(context.Background())
}
