package offgate

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type statsCollector struct {
	hits    atomic.Uint64 // served from cache, no network wait
	network atomic.Uint64 // served fresh from the origin
	stale   atomic.Uint64 // served from cache after/instead of the network
	offline atomic.Uint64 // synthesized offline responses
	queued  atomic.Uint64 // deferred mutating requests

	fetches       atomic.Uint64
	revalidations atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveFetch()      { s.fetches.Add(1) }
func (s *statsCollector) ObserveRevalidate() { s.revalidations.Add(1) }

func (s *statsCollector) ObserveResponse(gate string, respBytes int) {
	switch gate {
	case "hit":
		s.hits.Add(1)
	case "network", "miss", "bypass":
		s.network.Add(1)
	case "stale", "offline-page":
		s.stale.Add(1)
	case "offline":
		s.offline.Add(1)
	case "queued":
		s.queued.Add(1)
	}

	if respBytes <= 0 {
		return
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
	Hits, Network, Stale, Offline, Queued    uint64
	Fetches, Revalidations                   uint64
	MinRespBytes, AvgRespBytes, MaxRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:          s.hits.Load(),
		Network:       s.network.Load(),
		Stale:         s.stale.Load(),
		Offline:       s.offline.Load(),
		Queued:        s.queued.Load(),
		Fetches:       s.fetches.Load(),
		Revalidations: s.revalidations.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = total / count
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			ev := log.Info().
				Uint64("hits", ss.Hits).
				Uint64("network", ss.Network).
				Uint64("stale", ss.Stale).
				Uint64("offline", ss.Offline).
				Uint64("queued", ss.Queued).
				Uint64("fetches", ss.Fetches).
				Uint64("revalidations", ss.Revalidations).
				Int("queued_requests", s.queue.RequestCount()).
				Int("unsynced_orders", s.queue.UnsyncedCount()).
				Str("ram", formatBytes(uint64(s.cache.ram.TotalSize()))).
				Str("disk", formatBytes(uint64(s.cache.TotalSize()))).
				Str("resp_min_avg_max", formatBytes(ss.MinRespBytes)+"/"+
					formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes))
			if rss, ok := processRSSBytes(); ok {
				ev = ev.Str("rss", formatBytes(rss))
			}
			ev.Msg("cache stats")
		}
	}
}
