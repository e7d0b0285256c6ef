// Package fallback picks the offline substitute served when neither the
// network nor the cache can answer a request.
package fallback

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"offline0/internal/metrics"
	"offline0/internal/routing"
	"offline0/internal/store"
)

type Kind string

const (
	KindOfflinePage  Kind = "offline-page"
	KindPlaceholder  Kind = "placeholder"
	KindOfflineError Kind = "error"
)

const offlineMessage = "You are offline and this resource is not available from the cache."

type offlinePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

// OfflineError is the synthesized 503 answer.
func OfflineError() store.Entry {
	body, _ := json.Marshal(offlinePayload{Error: "offline", Message: offlineMessage, Offline: true})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return store.NewEntry(http.StatusServiceUnavailable, h, body)
}

type Resolver struct {
	store       store.Store
	offlinePage string
	placeholder string
	logger      *zap.Logger
}

// NewResolver takes the absolute URLs of the cached offline page and
// placeholder image. Either may be empty to disable that substitute.
func NewResolver(s store.Store, offlinePageURL, placeholderURL string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:       s,
		offlinePage: offlinePageURL,
		placeholder: placeholderURL,
		logger:      logger.Named("fallback"),
	}
}

// Resolve never touches the network and never fails.
func (r *Resolver) Resolve(ctx context.Context, navigate bool, class routing.Class, staticPartition string) (store.Entry, Kind) {
	switch {
	case navigate:
		if ent, ok := r.cached(ctx, staticPartition, r.offlinePage); ok {
			metrics.RecordFallback(string(KindOfflinePage))
			return ent, KindOfflinePage
		}
	case class == routing.ClassImage:
		if ent, ok := r.cached(ctx, staticPartition, r.placeholder); ok {
			metrics.RecordFallback(string(KindPlaceholder))
			return ent, KindPlaceholder
		}
	}
	metrics.RecordFallback(string(KindOfflineError))
	return OfflineError(), KindOfflineError
}

func (r *Resolver) cached(ctx context.Context, partition, key string) (store.Entry, bool) {
	if key == "" || partition == "" {
		return store.Entry{}, false
	}
	ent, ok, err := r.store.Match(ctx, partition, key)
	if err != nil {
		r.logger.Warn("fallback lookup failed", zap.String("key", key), zap.Error(err))
		return store.Entry{}, false
	}
	return ent, ok
}

// IsNavigation reports whether r is a top-level document load.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if r.Method != http.MethodGet {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
