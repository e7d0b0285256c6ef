// Package retryqueue durably stores mutating requests that failed while
// offline and replays them when connectivity returns.
package retryqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"offline0/internal/metrics"
	"offline0/internal/network"
)

type Entry struct {
	ID        int64
	URL       string
	Method    string
	Header    http.Header
	Body      []byte
	Timestamp time.Time
}

type DrainResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	// Deferred counts entries held back behind an unreachable predecessor.
	Deferred  int `json:"deferred"`
	Remaining int `json:"remaining"`
}

type Queue struct {
	db      *sql.DB
	writeMu sync.Mutex
	drainMu sync.Mutex

	fetcher network.Fetcher
	workers int
	logger  *zap.Logger
}

// Open opens or creates the queue database at path. An empty path opens a
// private in-memory database.
func Open(path string, f network.Fetcher, workers int, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if path == "" {
		// every pooled connection would get its own empty memory database
		db.SetMaxOpenConns(1)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS retry_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			headers TEXT,
			body BLOB,
			timestamp INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS retry_queue_timestamp_idx ON retry_queue (timestamp)",
	}
	if path != "" {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init retry queue: %w", err)
		}
	}

	return &Queue{
		db:      db,
		fetcher: f,
		workers: workers,
		logger:  logger.Named("retryqueue"),
	}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends e and returns its id. A zero timestamp means now.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	headers, err := json.Marshal(e.Header)
	if err != nil {
		return 0, err
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	res, err := q.db.ExecContext(ctx,
		"INSERT INTO retry_queue (url, method, headers, body, timestamp) VALUES (?, ?, ?, ?, ?)",
		e.URL, e.Method, string(headers), e.Body, e.Timestamp.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s: %w", e.Method, e.URL, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	metrics.RetryEnqueued.Inc()
	q.updateDepth(ctx)
	return id, nil
}

// List returns every entry in drain order.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, url, method, headers, body, timestamp FROM retry_queue ORDER BY timestamp ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			headers sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.URL, &e.Method, &headers, &e.Body, &ts); err != nil {
			return nil, err
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &e.Header); err != nil {
				return nil, fmt.Errorf("entry %d headers: %w", e.ID, err)
			}
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM retry_queue").Scan(&n)
	return n, err
}

func (q *Queue) delete(ctx context.Context, id int64) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, err := q.db.ExecContext(ctx, "DELETE FROM retry_queue WHERE id = ?", id)
	return err
}

func (q *Queue) updateDepth(ctx context.Context) {
	if n, err := q.Len(ctx); err == nil {
		metrics.RetryQueueDepth.Set(float64(n))
	}
}

// DrainAll replays every queued entry. Entries sharing a URL are replayed in
// enqueue order; distinct URLs are replayed concurrently. A 2xx reply deletes
// the entry, anything else leaves it for the next drain. When the origin
// cannot be reached the rest of that URL's group waits for the next drain, so
// later writes never overtake an undelivered earlier one. A rejected entry
// does not hold back the entries behind it. Drains run one at a
// time; entries enqueued during a drain may or may not be included.
func (q *Queue) DrainAll(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	return q.drain(ctx)
}

// TryDrain is DrainAll unless a drain is already running, in which case the
// call is coalesced into it and reports false.
func (q *Queue) TryDrain(ctx context.Context) (DrainResult, bool, error) {
	if !q.drainMu.TryLock() {
		return DrainResult{}, false, nil
	}
	defer q.drainMu.Unlock()
	res, err := q.drain(ctx)
	return res, true, err
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	entries, err := q.List(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("list retry queue: %w", err)
	}
	if len(entries) == 0 {
		metrics.RetryQueueDepth.Set(0)
		return DrainResult{}, nil
	}

	var order []string
	groups := map[string][]Entry{}
	for _, e := range entries {
		if _, ok := groups[e.URL]; !ok {
			order = append(order, e.URL)
		}
		groups[e.URL] = append(groups[e.URL], e)
	}

	var (
		mu  sync.Mutex
		res DrainResult
		wg  sync.WaitGroup
		sem = make(chan struct{}, q.workers)
	)
	for _, u := range order {
		group := groups[u]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for i, e := range group {
				r := q.replay(ctx, e)
				rest := 0
				if r == replayUnreachable {
					rest = len(group) - i - 1
				}
				mu.Lock()
				res.Attempted++
				if r == replayDelivered {
					res.Delivered++
				} else {
					res.Failed++
				}
				res.Deferred += rest
				mu.Unlock()
				if r == replayUnreachable {
					if rest > 0 {
						q.logger.Debug("holding back same-url entries",
							zap.String("url", e.URL), zap.Int("entries", rest))
					}
					return
				}
			}
		}()
	}
	wg.Wait()

	if n, err := q.Len(ctx); err == nil {
		res.Remaining = n
		metrics.RetryQueueDepth.Set(float64(n))
	}
	q.logger.Info("retry queue drained",
		zap.Int("attempted", res.Attempted),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
		zap.Int("deferred", res.Deferred),
		zap.Int("remaining", res.Remaining))
	return res, nil
}

type replayResult int

const (
	replayDelivered replayResult = iota
	replayRejected
	replayUnreachable
)

func (q *Queue) replay(ctx context.Context, e Entry) replayResult {
	resp, err := q.fetcher.Fetch(ctx, &network.Request{
		Method: e.Method,
		URL:    e.URL,
		Header: e.Header,
		Body:   e.Body,
	})
	if err != nil {
		metrics.RecordReplay(false)
		q.logger.Debug("replay failed", zap.Int64("id", e.ID), zap.String("url", e.URL), zap.Error(err))
		return replayUnreachable
	}
	if !resp.OK() {
		metrics.RecordReplay(false)
		q.logger.Debug("replay rejected", zap.Int64("id", e.ID), zap.String("url", e.URL), zap.Int("status", resp.Status))
		return replayRejected
	}
	if err := q.delete(ctx, e.ID); err != nil {
		// delivered but still queued: it will be replayed again
		metrics.RecordReplay(false)
		q.logger.Error("delete replayed entry", zap.Int64("id", e.ID), zap.Error(err))
		return replayRejected
	}
	metrics.RecordReplay(true)
	return replayDelivered
}
