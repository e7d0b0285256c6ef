package proxy

import (
	"net/http"
	"strings"

	"offline0/internal/store"
)

const (
	headerOutcome   = "X-Offline0"
	headerQueued    = "X-Offline0-Queued"
	headerRequestID = "X-Request-Id"
)

// Outcome values reported in X-Offline0.
const (
	OutcomeHit        = "hit"
	OutcomeMiss       = "miss"
	OutcomeNetwork    = "network"
	OutcomeFallback   = "fallback"
	OutcomeBypass     = "bypass"
	OutcomeQueued     = "queued"
	OutcomeBadGateway = "bad-gateway"
	OutcomeBadRequest = "bad-request"
)

func writeEntry(w http.ResponseWriter, ent store.Entry, outcome string) {
	for k, vs := range ent.Header {
		// set per request, never replayed from the entry
		if strings.EqualFold(k, headerOutcome) || strings.EqualFold(k, headerRequestID) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(headerOutcome, outcome)
	}
	// custom headers are invisible to cross-origin scripts unless exposed
	ensureExposedHeader(h, headerOutcome)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
