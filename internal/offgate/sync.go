package offgate

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// setOnline records a connectivity observation. The offline→online edge is
// the sync trigger: it fires a queue drain, the analog of a background-sync
// event on reconnect.
func (s *Service) setOnline(online bool) {
	if s.online.Swap(online) == online {
		return
	}
	if online {
		log.Info().Msg("connectivity restored")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			s.DrainQueues(ctx)
		}()
	} else {
		log.Warn().Msg("connectivity lost")
	}
}

func (s *Service) startSyncLoops() {
	if d := s.cfg.Sync.probeDur; d > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.probeLoop(d)
		}()
	}
	if d := s.cfg.Sync.refreshDur; d > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshLoop(d)
		}()
	}
}

// probeLoop polls the origin health route while offline so the gateway
// notices reconnection without waiting for page traffic.
func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.online.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			// fetchOrigin flips the online flag on success, which kicks
			// the drain via setOnline.
			_, _ = s.fetchOrigin(ctx, http.MethodGet, s.cfg.Sync.ProbePath, nil, nil)
			cancel()
		}
	}
}

// refreshLoop is the periodic freshness trigger: it re-fetches the
// configured API entries (restaurant list, popular menu) into the data
// partition regardless of queue state.
func (s *Service) refreshLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			s.refreshOnce(ctx)
			cancel()
		}
	}
}

func (s *Service) refreshOnce(ctx context.Context) {
	part := s.cfg.dataPartition()
	for _, route := range s.cfg.Sync.RefreshRoutes {
		snap, err := s.fetchOrigin(ctx, http.MethodGet, route, nil, nil)
		if err != nil {
			log.Warn().Err(err).Str("route", route).Msg("refresh skipped")
			return
		}
		s.storeSnapshot(part, route, snap)
	}
}

// DrainQueues replays both deferred collections. It is idempotent and safe
// to invoke from overlapping triggers: a second concurrent call returns
// immediately, and records deleted mid-drain are skipped.
func (s *Service) DrainQueues(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	s.drainRequests(ctx)
	s.drainOrders(ctx)

	if n, err := s.queue.PruneSyncedOrders(syncedOrderTTL); err != nil {
		log.Warn().Err(err).Msg("prune synced orders")
	} else if n > 0 {
		log.Info().Int("pruned", n).Msg("synced orders pruned")
	}
}

// syncedOrderTTL is how long a synced order stays queryable before a drain
// prunes it. Pages poll sync status well within this window.
const syncedOrderTTL = 24 * time.Hour

// drainRequests replays generic deferred requests in enqueue order. Success
// deletes the record; failure leaves it queued for the next trigger, with no
// backoff within a pass.
func (s *Service) drainRequests(ctx context.Context) {
	reqs, err := s.queue.Requests()
	if err != nil {
		log.Error().Err(err).Msg("read deferred requests")
		return
	}
	for _, dr := range reqs {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
		if !s.queue.RequestExists(dr.ID) {
			continue
		}

		header := cloneHeader(dr.Header)
		header.Set("X-Idempotency-Key", dr.ClientID)
		snap, err := s.fetchOrigin(ctx, dr.Method, dr.URL, header, dr.Body)
		if err != nil {
			log.Warn().Err(err).Uint64("id", dr.ID).Msg("replay failed, still queued")
			s.recordRequestAttempt(dr)
			return
		}
		if snap.Status >= 500 {
			log.Warn().Int("status", snap.Status).Uint64("id", dr.ID).
				Msg("replay rejected, still queued")
			s.recordRequestAttempt(dr)
			continue
		}
		if _, err := s.queue.DeleteRequest(dr.ID); err != nil {
			log.Error().Err(err).Uint64("id", dr.ID).Msg("delete replayed request")
			continue
		}
		log.Info().Uint64("id", dr.ID).Str("method", dr.Method).Str("url", dr.URL).
			Int("status", snap.Status).Msg("deferred request replayed")
	}
}

// drainOrders replays unsynced orders against the order endpoint. Success
// flips the synced flag and broadcasts ORDER_SYNCED to every connected
// page; the record stays queryable until pruned.
func (s *Service) drainOrders(ctx context.Context) {
	orders, err := s.queue.UnsyncedOrders()
	if err != nil {
		log.Error().Err(err).Msg("read unsynced orders")
		return
	}
	for _, po := range orders {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		header := cloneHeader(po.Header)
		if header == nil {
			header = http.Header{}
		}
		header.Set("Content-Type", "application/json")
		header.Set("X-Idempotency-Key", po.ClientID)
		snap, err := s.fetchOrigin(ctx, http.MethodPost, s.cfg.Routes.OrderPath, header, po.Payload)
		if err != nil {
			log.Warn().Err(err).Uint64("order_id", po.ID).Msg("order replay failed, still queued")
			s.recordOrderAttempt(po)
			return
		}
		if snap.Status >= 500 {
			log.Warn().Int("status", snap.Status).Uint64("order_id", po.ID).
				Msg("order replay rejected, still queued")
			s.recordOrderAttempt(po)
			continue
		}

		synced, ok, err := s.queue.MarkOrderSynced(po.ID)
		if err != nil {
			log.Error().Err(err).Uint64("order_id", po.ID).Msg("mark order synced")
			continue
		}
		if !ok {
			// A concurrent drain got here first; its broadcast suffices.
			continue
		}
		log.Info().Uint64("order_id", synced.ID).Msg("order synced")
		s.hub.broadcast(pageEvent{Type: "ORDER_SYNCED", OrderID: synced.ID})
	}
}

// recordRequestAttempt bumps the attempt counter and applies the optional
// retry bound. With maxAttempts 0 a permanently failing record retries on
// every future trigger, forever.
func (s *Service) recordRequestAttempt(dr DeferredRequest) {
	dr.Attempts++
	max := s.cfg.Sync.MaxAttempts
	if max > 0 && dr.Attempts >= max {
		if _, err := s.queue.DeleteRequest(dr.ID); err == nil {
			log.Error().Uint64("id", dr.ID).Int("attempts", dr.Attempts).
				Msg("deferred request dropped after max attempts")
		}
		return
	}
	if err := s.queue.UpdateRequest(dr); err != nil {
		log.Error().Err(err).Uint64("id", dr.ID).Msg("update deferred request")
	}
}

func (s *Service) recordOrderAttempt(po PendingOrder) {
	po.Attempts++
	max := s.cfg.Sync.MaxAttempts
	if max > 0 && po.Attempts >= max {
		if err := s.queue.DeleteOrder(po.ID); err == nil {
			log.Error().Uint64("order_id", po.ID).Int("attempts", po.Attempts).
				Msg("order dropped after max attempts")
		}
		return
	}
	if err := s.queue.UpdateOrder(po); err != nil {
		log.Error().Err(err).Uint64("order_id", po.ID).Msg("update pending order")
	}
}
