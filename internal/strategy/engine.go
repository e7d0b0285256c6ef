// Package strategy implements the caching strategies: cache-first,
// network-first and stale-while-revalidate.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/logging"
	"offline0/internal/metrics"
	"offline0/internal/network"
	"offline0/internal/routing"
	"offline0/internal/store"
)

// ErrRequestFailed means the strategy could produce neither a network nor a
// cached response. Callers hand the request to the offline fallback.
var ErrRequestFailed = errors.New("request failed")

type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

type Result struct {
	Entry  store.Entry
	Source Source
}

type Options struct {
	// Workers bounds concurrent background refreshes.
	Workers int
	// Timeout applies to each background refresh.
	Timeout time.Duration
}

type Engine struct {
	store   store.Store
	fetcher network.Fetcher
	logger  *zap.Logger
	warnLog *logging.RateLimited

	timeout time.Duration
	bgSem   chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEngine(s store.Store, f network.Fetcher, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger = logger.Named("strategy")
	return &Engine{
		store:   s,
		fetcher: f,
		logger:  logger,
		warnLog: logging.NewRateLimited(logger, time.Minute),
		timeout: opts.Timeout,
		bgSem:   make(chan struct{}, opts.Workers),
	}
}

// Execute serves a GET request through strat against partition. Unknown
// strategies behave as network-first.
func (e *Engine) Execute(ctx context.Context, strat routing.Strategy, req *network.Request, partition string) (Result, error) {
	var (
		res Result
		err error
	)
	switch strat {
	case routing.CacheFirst:
		res, err = e.cacheFirst(ctx, req, partition)
	case routing.StaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(ctx, req, partition)
	default:
		strat = routing.NetworkFirst
		res, err = e.networkFirst(ctx, req, partition)
	}
	if err == nil {
		metrics.RecordStrategy(string(strat), string(res.Source))
	} else {
		metrics.RecordStrategy(string(strat), "failed")
	}
	return res, err
}

func (e *Engine) cacheFirst(ctx context.Context, req *network.Request, partition string) (Result, error) {
	if ent, ok := e.lookup(ctx, partition, req.Key()); ok {
		return Result{Entry: ent, Source: SourceCache}, nil
	}
	return e.fetchAndStore(ctx, req, partition)
}

func (e *Engine) networkFirst(ctx context.Context, req *network.Request, partition string) (Result, error) {
	res, err := e.fetchAndStore(ctx, req, partition)
	if err == nil {
		return res, nil
	}
	if ent, ok := e.lookup(ctx, partition, req.Key()); ok {
		e.logger.Debug("network failed, serving cached copy",
			zap.String("url", req.URL), zap.Error(err))
		return Result{Entry: ent, Source: SourceCache}, nil
	}
	return Result{}, err
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *network.Request, partition string) (Result, error) {
	if ent, ok := e.lookup(ctx, partition, req.Key()); ok {
		e.revalidateAsync(req, partition)
		return Result{Entry: ent, Source: SourceCache}, nil
	}
	// a miss waits for the network and has no second fallback
	return e.fetchAndStore(ctx, req, partition)
}

func (e *Engine) fetchAndStore(ctx context.Context, req *network.Request, partition string) (Result, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	ent := resp.Entry()
	if ent.OK() {
		e.put(ctx, partition, req.Key(), ent)
	}
	return Result{Entry: ent, Source: SourceNetwork}, nil
}

func (e *Engine) lookup(ctx context.Context, partition, key string) (store.Entry, bool) {
	ent, ok, err := e.store.Match(ctx, partition, key)
	if err != nil {
		metrics.RecordStoreError("match")
		e.warnLog.Warn("cache lookup failed, treating as miss",
			zap.String("partition", partition), zap.String("key", key), zap.Error(err))
		return store.Entry{}, false
	}
	return ent, ok
}

func (e *Engine) put(ctx context.Context, partition, key string, ent store.Entry) {
	if err := e.store.Put(ctx, partition, key, ent); err != nil {
		metrics.RecordStoreError("put")
		e.warnLog.Warn("cache write failed",
			zap.String("partition", partition), zap.String("key", key), zap.Error(err))
	}
}

// revalidateAsync refreshes the cached copy in the background. The refresh
// outlives the request, so it runs on a detached context. When every worker
// is busy the refresh is skipped.
func (e *Engine) revalidateAsync(req *network.Request, partition string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metrics.RecordRefresh("skipped")
		return
	}
	select {
	case e.bgSem <- struct{}{}:
	default:
		metrics.RecordRefresh("skipped")
		return
	}

	bg := &network.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: store.CloneHeader(req.Header),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		e.revalidateOnce(ctx, bg, partition)
	}()
}

func (e *Engine) revalidateOnce(ctx context.Context, req *network.Request, partition string) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		metrics.RecordRefresh("failed")
		e.logger.Debug("background refresh failed", zap.String("url", req.URL), zap.Error(err))
		return
	}
	if !resp.OK() {
		metrics.RecordRefresh("failed")
		e.logger.Debug("background refresh got non-success status",
			zap.String("url", req.URL), zap.Int("status", resp.Status))
		return
	}

	ent := resp.Entry()
	if cur, ok := e.lookup(ctx, partition, req.Key()); ok && cur.Status == ent.Status && cur.Hash32 == ent.Hash32 {
		metrics.RecordRefresh("unchanged")
		return
	}
	e.put(ctx, partition, req.Key(), ent)
	metrics.RecordRefresh("stored")
}

// Wait blocks until in-flight background refreshes finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops accepting background refreshes and waits for running ones.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
