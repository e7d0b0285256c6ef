// Package proxy is the interception path: every request that reaches the
// intermediary is classified, served through its caching strategy and, when
// that fails, answered by the offline fallback.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline0/internal/fallback"
	"offline0/internal/lifecycle"
	"offline0/internal/metrics"
	"offline0/internal/network"
	"offline0/internal/retryqueue"
	"offline0/internal/routing"
	"offline0/internal/store"
	"offline0/internal/strategy"
)

type Lifecycle interface {
	Current() (lifecycle.Generation, bool)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, e retryqueue.Entry) (int64, error)
}

type Executor interface {
	Execute(ctx context.Context, strat routing.Strategy, req *network.Request, partition string) (strategy.Result, error)
}

type Options struct {
	Origin string
	// QueueFailedWrites enqueues mutating requests that fail to reach the
	// network.
	QueueFailedWrites bool
}

type Interceptor struct {
	origin    *url.URL
	opts      Options
	table     *routing.Table
	engine    Executor
	fetcher   network.Fetcher
	resolver  *fallback.Resolver
	lifecycle Lifecycle
	queue     Enqueuer
	stats     *Stats
	logger    *zap.Logger
}

type Deps struct {
	Table     *routing.Table
	Engine    Executor
	Fetcher   network.Fetcher
	Resolver  *fallback.Resolver
	Lifecycle Lifecycle
	// Queue may be nil.
	Queue  Enqueuer
	Stats  *Stats
	Logger *zap.Logger
}

func New(opts Options, d Deps) (*Interceptor, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, err
	}
	if !routing.Interceptable(origin) {
		return nil, errors.New("origin must be an http(s) url")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stats := d.Stats
	if stats == nil {
		stats = NewStats()
	}
	return &Interceptor{
		origin:    origin,
		opts:      opts,
		table:     d.Table,
		engine:    d.Engine,
		fetcher:   d.Fetcher,
		resolver:  d.Resolver,
		lifecycle: d.Lifecycle,
		queue:     d.Queue,
		stats:     stats,
		logger:    logger.Named("proxy"),
	}, nil
}

func (p *Interceptor) Stats() *Stats { return p.stats }

func (p *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get(headerRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(headerRequestID, reqID)
	ensureExposedHeader(w.Header(), headerRequestID)

	target := p.targetURL(r)
	class := routing.ClassUnclassified
	var outcome string

	defer func() {
		metrics.RecordRequest(string(class), outcome)
		p.logger.Debug("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("url", target.String()),
			zap.String("class", string(class)),
			zap.String("outcome", outcome),
			zap.Duration("took", time.Since(start)))
	}()

	req, err := p.newRequest(r, target, reqID)
	if err != nil {
		outcome = OutcomeBadRequest
		setOutcomeHeaders(w.Header(), outcome)
		http.Error(w, "unreadable request body", http.StatusBadRequest)
		return
	}

	if !routing.Interceptable(target) || r.Method != http.MethodGet {
		outcome = p.passThrough(r.Context(), w, req)
		return
	}

	gen, active := p.lifecycle.Current()
	if !active {
		// no partition may serve until activation finishes
		outcome = p.passThrough(r.Context(), w, req)
		return
	}

	class = p.table.Classify(r.URL.Path)
	route := p.table.Route(class)
	res, err := p.engine.Execute(r.Context(), route.Strategy, req, gen.Partition(route.Role))
	if err != nil {
		if !errors.Is(err, strategy.ErrRequestFailed) {
			p.logger.Error("strategy failed unexpectedly", zap.String("request_id", reqID), zap.Error(err))
		}
		ent, kind := p.resolver.Resolve(r.Context(), fallback.IsNavigation(r), class, gen.Partition(routing.RoleStatic))
		outcome = OutcomeFallback
		p.logger.Debug("serving offline substitute",
			zap.String("request_id", reqID), zap.String("kind", string(kind)), zap.Error(err))
		writeEntry(w, ent, outcome)
		return
	}

	switch {
	case res.Source == strategy.SourceCache:
		outcome = OutcomeHit
	case route.Strategy == routing.NetworkFirst:
		outcome = OutcomeNetwork
	default:
		outcome = OutcomeMiss
	}
	p.writeObserved(w, res.Entry, outcome)
}

// targetURL resolves the upstream URL: absolute-form request targets are
// used as they are, everything else is relative to the origin.
func (p *Interceptor) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	return routing.OnOrigin(p.origin, r.URL)
}

func (p *Interceptor) newRequest(r *http.Request, target *url.URL, reqID string) (*network.Request, error) {
	req := &network.Request{
		Method: r.Method,
		URL:    target.String(),
		Header: store.CloneHeader(r.Header),
	}
	req.Header.Set(headerRequestID, reqID)
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return req, nil
}

func (p *Interceptor) passThrough(ctx context.Context, w http.ResponseWriter, req *network.Request) string {
	resp, err := p.fetcher.Fetch(ctx, req)
	if err == nil {
		writeEntry(w, resp.Entry(), OutcomeBypass)
		return OutcomeBypass
	}

	if isMutating(req.Method) && p.queue != nil && p.opts.QueueFailedWrites {
		return p.enqueue(ctx, w, req, err)
	}

	p.logger.Debug("pass-through failed", zap.String("url", req.URL), zap.Error(err))
	setOutcomeHeaders(w.Header(), OutcomeBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
	return OutcomeBadGateway
}

func (p *Interceptor) enqueue(ctx context.Context, w http.ResponseWriter, req *network.Request, cause error) string {
	ent := fallback.OfflineError()
	// the response must not depend on the queue being writable
	id, qerr := p.queue.Enqueue(context.WithoutCancel(ctx), retryqueue.Entry{
		URL:    req.URL,
		Method: req.Method,
		Header: req.Header,
		Body:   req.Body,
	})
	if qerr != nil {
		p.logger.Error("could not queue failed request",
			zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(qerr))
		writeEntry(w, ent, OutcomeFallback)
		return OutcomeFallback
	}

	p.logger.Info("queued failed request for retry",
		zap.Int64("id", id), zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(cause))
	w.Header().Set(headerQueued, strconv.FormatInt(id, 10))
	ensureExposedHeader(w.Header(), headerQueued)
	writeEntry(w, ent, OutcomeQueued)
	return OutcomeQueued
}

func (p *Interceptor) writeObserved(w http.ResponseWriter, ent store.Entry, outcome string) {
	writeEntry(w, ent, outcome)
	switch outcome {
	case OutcomeHit, OutcomeMiss:
		p.stats.Observe(len(ent.Body))
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
