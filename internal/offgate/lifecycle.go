package offgate

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

// install pre-warms the caches: the static asset manifest goes into the
// static partition and the critical API routes into the data partition,
// concurrently. The static bulk-add is mandatory: any failure there aborts
// the install so it can be retried. API prefetch failures are logged and
// skipped.
func (s *Service) install(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.prefetchCritical(ctx)
	}()

	staticFiles := s.cfg.Cache.StaticFiles
	if extra := s.discoverAssets(ctx); len(extra) > 0 {
		staticFiles = append(append([]string(nil), staticFiles...), extra...)
	}

	err := s.warmStatic(ctx, staticFiles)
	wg.Wait()
	if err != nil {
		return err
	}
	log.Info().Int("static", s.cache.EntryCount(s.cfg.staticPartition())).
		Int("data", s.cache.EntryCount(s.cfg.dataPartition())).
		Msg("install complete")
	return nil
}

func (s *Service) warmStatic(ctx context.Context, files []string) error {
	part := s.cfg.staticPartition()
	seen := map[string]struct{}{}
	for _, f := range files {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}

		snap, err := s.fetchOrigin(ctx, http.MethodGet, f, nil, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", f, err)
		}
		if snap.Status < 200 || snap.Status >= 300 {
			return fmt.Errorf("precache %s: origin returned %d", f, snap.Status)
		}
		if err := s.cache.Put(part, f, snap); err != nil {
			return fmt.Errorf("precache %s: %w", f, err)
		}
	}
	return nil
}

func (s *Service) prefetchCritical(ctx context.Context) {
	part := s.cfg.dataPartition()
	for _, route := range s.cfg.Cache.CriticalRoutes {
		snap, err := s.fetchOrigin(ctx, http.MethodGet, route, nil, nil)
		if err != nil {
			log.Warn().Err(err).Str("route", route).Msg("critical prefetch skipped")
			continue
		}
		if snap.Status < 200 || snap.Status >= 300 {
			log.Warn().Int("status", snap.Status).Str("route", route).
				Msg("critical prefetch skipped")
			continue
		}
		if err := s.cache.Put(part, route, snap); err != nil {
			log.Warn().Err(err).Str("route", route).Msg("critical prefetch store failed")
		}
	}
}

// activate evicts every partition outside the current version set (stale
// versions and the legacy umbrella alike). After activation the store holds
// only current-version data.
func (s *Service) activate() error {
	current := s.cfg.currentPartitions()
	for _, name := range s.cache.Partitions() {
		if _, ok := current[name]; ok {
			continue
		}
		if err := s.cache.DropPartition(name); err != nil {
			return fmt.Errorf("evict partition %s: %w", name, err)
		}
		log.Info().Str("partition", name).Msg("evicted superseded partition")
	}
	return nil
}
