package proxy

import (
	"math"
	"sync/atomic"
)

// Stats tracks sizes of responses served from or into the cache.
type Stats struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func NewStats() *Stats {
	s := &Stats{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *Stats) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Responses uint64
	MinBytes  uint64
	AvgBytes  uint64
	MaxBytes  uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		Responses: count,
		MinBytes:  s.minRespBytes.Load(),
		AvgBytes:  s.totalRespBytes.Load() / count,
		MaxBytes:  s.maxRespBytes.Load(),
	}
}
