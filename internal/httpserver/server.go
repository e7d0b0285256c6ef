// Package httpserver exposes the interceptor together with the
// /_offline0/* management endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"offline0/internal/control"
	"offline0/internal/retryqueue"
	"offline0/internal/routing"
)

const Prefix = "/_offline0"

// maxBodyBytes caps management request bodies.
const maxBodyBytes = 8 << 20

type Commander interface {
	Handle(ctx context.Context, cmd control.Command) (control.Result, error)
}

type Queue interface {
	Enqueue(ctx context.Context, e retryqueue.Entry) (int64, error)
	DrainAll(ctx context.Context) (retryqueue.DrainResult, error)
}

type Options struct {
	Metrics bool
}

type Server struct {
	proxy   http.Handler
	control Commander
	queue   Queue
	opts    Options
	logger  *zap.Logger
	server  *http.Server
}

// NewServer builds the server. queue may be nil, in which case the sync and
// queue endpoints answer 503.
func NewServer(proxy http.Handler, ctl Commander, queue Queue, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		proxy:   proxy,
		control: ctl,
		queue:   queue,
		opts:    opts,
		logger:  logger.Named("http"),
	}
}

func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("stopping http server")
	return s.server.Shutdown(ctx)
}

func (s *Server) createRouter() *mux.Router {
	router := mux.NewRouter()
	router.SkipClean(true)

	api := router.PathPrefix(Prefix).Subrouter()
	api.HandleFunc("/control", s.handleControl).Methods(http.MethodPost)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/queue", s.handleQueue).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.opts.Metrics {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	router.PathPrefix("/").Handler(s.proxy)
	return router
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var cmd control.Command
	if err := s.parseRequest(r, &cmd); err != nil {
		s.writeErrorResponse(w, "invalid command", http.StatusBadRequest)
		return
	}

	res, err := s.control.Handle(r.Context(), cmd)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, control.ErrUnknownCommand) || errors.Is(err, control.ErrBadCommand) {
			status = http.StatusBadRequest
		}
		s.writeErrorResponse(w, err.Error(), status)
		return
	}
	s.writeResponse(w, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeErrorResponse(w, "retry queue disabled", http.StatusServiceUnavailable)
		return
	}
	res, err := s.queue.DrainAll(r.Context())
	if err != nil {
		s.logger.Error("drain failed", zap.Error(err))
		s.writeErrorResponse(w, "drain failed", http.StatusInternalServerError)
		return
	}
	s.writeResponse(w, res)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeErrorResponse(w, "retry queue disabled", http.StatusServiceUnavailable)
		return
	}
	var req QueueRequest
	if err := s.parseRequest(r, &req); err != nil {
		s.writeErrorResponse(w, "invalid request", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || !routing.Interceptable(u) || u.Host == "" {
		s.writeErrorResponse(w, "url must be an absolute http(s) url", http.StatusBadRequest)
		return
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" || method == http.MethodGet || method == http.MethodHead {
		s.writeErrorResponse(w, "method must be a mutating method", http.StatusBadRequest)
		return
	}

	id, err := s.queue.Enqueue(r.Context(), retryqueue.Entry{
		URL:    req.URL,
		Method: method,
		Header: req.Headers,
		Body:   req.Body,
	})
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("url", req.URL), zap.Error(err))
		s.writeErrorResponse(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	s.writeResponse(w, QueueResponse{Success: true, ID: id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) parseRequest(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (s *Server) writeResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to write error response", zap.Error(err))
	}
}
