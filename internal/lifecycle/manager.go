// Package lifecycle installs and activates a cache generation.
//
// A generation moves parsed → installing → installed → activating →
// activated, or to redundant when its install batch fails. Activation deletes
// every partition the generation does not own before the generation is
// published, so no request is ever served from a previous version's
// partitions once Current reports it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"offline0/internal/metrics"
	"offline0/internal/network"
	"offline0/internal/routing"
	"offline0/internal/store"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNotInstalled  = errors.New("generation not installed")
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

type Options struct {
	Generation Generation
	// Manifest holds absolute URLs fetched into the static partition at
	// install time.
	Manifest    []string
	SkipWaiting bool
	GracePeriod time.Duration
	// Workers bounds concurrent manifest fetches.
	Workers int
	// RetryBackoff is the first wait after a failed activation. It doubles
	// up to maxRetryBackoff.
	RetryBackoff time.Duration
}

const maxRetryBackoff = 30 * time.Second

type Manager struct {
	store   store.Store
	fetcher network.Fetcher
	logger  *zap.Logger
	opts    Options

	mu    sync.Mutex
	state State

	current atomic.Int64

	skipOnce  sync.Once
	skipCh    chan struct{}
	kick      chan struct{}
	running   atomic.Bool
	activated chan struct{}
}

func NewManager(s store.Store, f network.Fetcher, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Manager{
		store:     s,
		fetcher:   f,
		logger:    logger.Named("lifecycle"),
		opts:      opts,
		state:     StateParsed,
		skipCh:    make(chan struct{}),
		kick:      make(chan struct{}, 1),
		activated: make(chan struct{}),
	}
}

func (m *Manager) Generation() Generation { return m.opts.Generation }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the published generation, if any.
func (m *Manager) Current() (Generation, bool) {
	g := m.current.Load()
	return Generation(g), g > 0
}

// Activated is closed once the generation is published.
func (m *Manager) Activated() <-chan struct{} { return m.activated }

func (m *Manager) transition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	return true
}

// Run installs the generation, waits for skip-waiting or the grace period,
// then activates it. A failed activation is retried with backoff, and
// SkipWaiting cuts the backoff short. Run returns after activation, on
// install failure, or when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)

	if err := m.Install(ctx); err != nil {
		return err
	}

	if !m.opts.SkipWaiting && m.opts.GracePeriod > 0 {
		t := time.NewTimer(m.opts.GracePeriod)
		defer t.Stop()
		m.logger.Info("installed, waiting for grace period or activate-now",
			zap.Duration("grace_period", m.opts.GracePeriod))
		select {
		case <-m.skipCh:
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	backoff := m.opts.RetryBackoff
	for {
		err := m.Activate(ctx)
		if err == nil || errors.Is(err, ErrNotInstalled) {
			return err
		}
		m.logger.Warn("activation failed, retrying",
			zap.Int("generation", int(m.opts.Generation)),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		t := time.NewTimer(backoff)
		select {
		case <-m.kick:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		t.Stop()
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// SkipWaiting requests activation as soon as the generation is installed.
// When the generation is already installed and no Run is driving it, the
// activation happens before SkipWaiting returns.
func (m *Manager) SkipWaiting() error {
	switch m.State() {
	case StateRedundant:
		return ErrNotInstalled
	case StateInstalled:
		if !m.running.Load() {
			return m.Activate(context.Background())
		}
	}
	m.skipOnce.Do(func() { close(m.skipCh) })
	select {
	case m.kick <- struct{}{}:
	default:
	}
	return nil
}

// Install fetches every manifest URL. The batch is all-or-nothing: a network
// error or a non-2xx status anywhere leaves the store untouched and marks the
// generation redundant.
func (m *Manager) Install(ctx context.Context) error {
	if !m.transition(StateParsed, StateInstalling) {
		return fmt.Errorf("install: generation is %s", m.State())
	}
	partition := m.opts.Generation.Partition(routing.RoleStatic)
	start := time.Now()

	entries, err := m.fetchManifest(ctx)
	if err == nil {
		err = m.writeBatch(ctx, partition, entries)
	}
	if err != nil {
		m.transition(StateInstalling, StateRedundant)
		metrics.RecordInstall(false)
		m.logger.Error("install failed, generation will not activate",
			zap.Int("generation", int(m.opts.Generation)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.transition(StateInstalling, StateInstalled)
	metrics.RecordInstall(true)
	m.logger.Info("installed",
		zap.Int("generation", int(m.opts.Generation)),
		zap.String("partition", partition),
		zap.Int("assets", len(entries)),
		zap.Duration("took", time.Since(start)))
	return nil
}

type manifestEntry struct {
	url string
	ent store.Entry
}

func (m *Manager) fetchManifest(ctx context.Context) ([]manifestEntry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([]manifestEntry, len(m.opts.Manifest))
	errs := make([]error, len(m.opts.Manifest))
	sem := make(chan struct{}, m.opts.Workers)
	var wg sync.WaitGroup
	for i, u := range m.opts.Manifest {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			resp, err := m.fetcher.Fetch(ctx, &network.Request{Method: "GET", URL: u})
			if err == nil && !resp.OK() {
				err = fmt.Errorf("%s: status %d", u, resp.Status)
			}
			if err != nil {
				errs[i] = err
				// one failure decides the batch
				cancel()
				return
			}
			out[i] = manifestEntry{url: u, ent: resp.Entry()}
		}(i, u)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) writeBatch(ctx context.Context, partition string, entries []manifestEntry) error {
	if err := m.store.Open(ctx, partition); err != nil {
		return fmt.Errorf("open %s: %w", partition, err)
	}
	for _, e := range entries {
		if err := m.store.Put(ctx, partition, e.url, e.ent); err != nil {
			return fmt.Errorf("store %s: %w", e.url, err)
		}
	}
	return nil
}

// Activate deletes every partition outside the known set, then publishes the
// generation. Calling it on an activated generation is a no-op.
func (m *Manager) Activate(ctx context.Context) error {
	if !m.transition(StateInstalled, StateActivating) {
		if m.State() == StateActivated {
			return nil
		}
		return ErrNotInstalled
	}
	gen := m.opts.Generation

	deleted, err := m.collectGarbage(ctx, gen)
	if err != nil {
		// the generation stays installed and unpublished until a retry
		m.transition(StateActivating, StateInstalled)
		return fmt.Errorf("activate: %w", err)
	}

	m.current.Store(int64(gen))
	m.transition(StateActivating, StateActivated)
	close(m.activated)
	metrics.ActiveGeneration.Set(float64(gen))
	m.logger.Info("activated",
		zap.Int("generation", int(gen)),
		zap.Strings("deleted", deleted))
	return nil
}

func (m *Manager) collectGarbage(ctx context.Context, gen Generation) ([]string, error) {
	for _, name := range gen.KnownPartitions() {
		if err := m.store.Open(ctx, name); err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
	}
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if gen.Known(name) {
			continue
		}
		if _, err := m.store.DeletePartition(ctx, name); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", name, err)
		}
		deleted = append(deleted, name)
		metrics.PartitionsDeleted.Inc()
	}
	return deleted, nil
}
