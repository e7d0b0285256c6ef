// Package control implements the out-of-band command channel used by pages
// to steer the intermediary.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"offline0/internal/lifecycle"
	"offline0/internal/metrics"
	"offline0/internal/network"
	"offline0/internal/routing"
	"offline0/internal/store"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadCommand     = errors.New("malformed command")
)

type CommandType string

const (
	ActivateNow CommandType = "activate-now"
	CacheURLs   CommandType = "cache-urls"
	ClearCache  CommandType = "clear-cache"
	GetStatus   CommandType = "status"
)

type Command struct {
	Type      CommandType `json:"type"`
	URLs      []string    `json:"urls,omitempty"`
	Partition string      `json:"partition,omitempty"`
}

type Result struct {
	Type    CommandType       `json:"type"`
	OK      bool              `json:"ok"`
	Cached  []string          `json:"cached,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
	Deleted bool              `json:"deleted,omitempty"`
	Status  *Status           `json:"status,omitempty"`
}

type Status struct {
	State       lifecycle.State `json:"state"`
	Generation  int             `json:"generation"`
	Active      bool            `json:"active"`
	Partitions  []string        `json:"partitions"`
	QueueLength int             `json:"queue_length"`
}

// Lifecycle is the part of lifecycle.Manager the channel drives.
type Lifecycle interface {
	SkipWaiting() error
	Generation() lifecycle.Generation
	Current() (lifecycle.Generation, bool)
	State() lifecycle.State
}

type QueueLength interface {
	Len(ctx context.Context) (int, error)
}

type Channel struct {
	lifecycle Lifecycle
	store     store.Store
	fetcher   network.Fetcher
	queue     QueueLength
	origin    *url.URL
	workers   int
	logger    *zap.Logger
}

// NewChannel wires the channel. queue may be nil when no retry queue runs.
func NewChannel(lc Lifecycle, s store.Store, f network.Fetcher, queue QueueLength, origin string, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(origin)
	if err != nil {
		base = &url.URL{}
	}
	return &Channel{
		lifecycle: lc,
		store:     s,
		fetcher:   f,
		queue:     queue,
		origin:    base,
		workers:   8,
		logger:    logger.Named("control"),
	}
}

func (c *Channel) Handle(ctx context.Context, cmd Command) (Result, error) {
	res, err := c.handle(ctx, cmd)
	metrics.RecordControl(string(cmd.Type), err)
	if err != nil {
		c.logger.Warn("control command failed", zap.String("type", string(cmd.Type)), zap.Error(err))
	}
	return res, err
}

func (c *Channel) handle(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Type {
	case ActivateNow:
		if err := c.lifecycle.SkipWaiting(); err != nil {
			return Result{Type: cmd.Type}, err
		}
		c.logger.Info("activate-now requested", zap.String("state", string(c.lifecycle.State())))
		return Result{Type: cmd.Type, OK: true}, nil

	case CacheURLs:
		if len(cmd.URLs) == 0 {
			return Result{Type: cmd.Type}, fmt.Errorf("%w: cache-urls needs urls", ErrBadCommand)
		}
		return c.cacheURLs(ctx, cmd.URLs), nil

	case ClearCache:
		if strings.TrimSpace(cmd.Partition) == "" {
			return Result{Type: cmd.Type}, fmt.Errorf("%w: clear-cache needs a partition", ErrBadCommand)
		}
		deleted, err := c.store.DeletePartition(ctx, cmd.Partition)
		if err != nil {
			return Result{Type: cmd.Type}, fmt.Errorf("clear %s: %w", cmd.Partition, err)
		}
		if deleted {
			metrics.PartitionsDeleted.Inc()
		}
		c.logger.Info("partition cleared", zap.String("partition", cmd.Partition), zap.Bool("existed", deleted))
		return Result{Type: cmd.Type, OK: true, Deleted: deleted}, nil

	case GetStatus:
		st, err := c.status(ctx)
		if err != nil {
			return Result{Type: cmd.Type}, err
		}
		return Result{Type: cmd.Type, OK: true, Status: &st}, nil
	}
	return Result{Type: cmd.Type}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
}

func (c *Channel) status(ctx context.Context) (Status, error) {
	parts, err := c.store.Partitions(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list partitions: %w", err)
	}
	st := Status{
		State:      c.lifecycle.State(),
		Generation: int(c.lifecycle.Generation()),
		Partitions: parts,
	}
	_, st.Active = c.lifecycle.Current()
	if c.queue != nil {
		if st.QueueLength, err = c.queue.Len(ctx); err != nil {
			return Status{}, fmt.Errorf("retry queue length: %w", err)
		}
	}
	return st, nil
}

// cacheURLs stores every 2xx response into the generation's dynamic
// partition. Re-running it with the same URLs overwrites the same keys.
func (c *Channel) cacheURLs(ctx context.Context, urls []string) Result {
	partition := c.lifecycle.Generation().Partition(routing.RoleDynamic)
	res := Result{Type: CacheURLs, Failed: map[string]string{}}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.workers)
	)
	seen := map[string]bool{}
	for _, raw := range urls {
		u := c.resolve(raw)
		if u == "" {
			if strings.TrimSpace(raw) != "" {
				mu.Lock()
				res.Failed[raw] = "unparseable url"
				mu.Unlock()
			}
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true

		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := c.cacheOne(ctx, partition, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[u] = err.Error()
				c.logger.Debug("cache-urls entry failed", zap.String("url", u), zap.Error(err))
				return
			}
			res.Cached = append(res.Cached, u)
		}()
	}
	wg.Wait()

	sort.Strings(res.Cached)
	res.OK = len(res.Failed) == 0
	if res.OK {
		res.Failed = nil
	}
	c.logger.Info("cache-urls done",
		zap.String("partition", partition),
		zap.Int("cached", len(res.Cached)),
		zap.Int("failed", len(res.Failed)))
	return res
}

func (c *Channel) cacheOne(ctx context.Context, partition, u string) error {
	resp, err := c.fetcher.Fetch(ctx, &network.Request{Method: "GET", URL: u})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("status %d", resp.Status)
	}
	return c.store.Put(ctx, partition, u, resp.Entry())
}

// resolve makes relative references absolute against the origin, in the
// form the interceptor keys entries by. It returns "" for empty or
// unparseable references.
func (c *Channel) resolve(ref string) string {
	if strings.TrimSpace(ref) == "" {
		return ""
	}
	u, err := routing.ResolveRef(c.origin, ref)
	if err != nil {
		c.logger.Debug("skipping unparseable url", zap.String("url", ref), zap.Error(err))
		return ""
	}
	return u.String()
}
