package agent

import (
	"math"
	"sync/atomic"
)

// statsCollector tracks response sizes for responses served from cache or
// stored from the network, plus how many responses degraded to offline.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
	cacheServed    atomic.Uint64
	offline        atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(out Outcome, respBytes int) {
	switch out {
	case OutcomeHit, OutcomeStale, OutcomeFallbackCache, OutcomeFallbackRoot:
		s.cacheServed.Add(1)
	case OutcomeOffline:
		s.offline.Add(1)
		return
	case OutcomeMiss, OutcomeNetwork:
	default:
		return
	}

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

type statsSnapshot struct {
	TotalResponses uint64
	CacheServed    uint64
	Offline        uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		TotalResponses: s.totalResponses.Load(),
		CacheServed:    s.cacheServed.Load(),
		Offline:        s.offline.Load(),
	}
	if out.TotalResponses == 0 {
		return out
	}
	out.MinRespBytes = s.minRespBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / out.TotalResponses
	return out
}
