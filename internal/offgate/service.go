package offgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
)

// Service is the offline gateway: it intercepts page traffic bound for the
// origin, applies per-class cache policies, queues mutating requests that
// cannot reach the network, and replays them when connectivity returns.
type Service struct {
	cfg Config

	httpClient *http.Client

	db    *leveldb.DB
	cache *cacheStore
	queue *queueStore
	hub   *hub

	online atomic.Bool

	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	draining bool

	unreachableLog *rateLimitedLogger

	stats *statsCollector
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	ramMax, err := parseBytes(cfg.Cache.RAM.Max)
	if err != nil {
		return nil, fmt.Errorf("cache.ram.max: %w", err)
	}
	diskMax, err := parseBytes(cfg.Cache.Disk.Max)
	if err != nil {
		return nil, fmt.Errorf("cache.disk.max: %w", err)
	}
	db, err := leveldb.OpenFile(cfg.Cache.Disk.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Cache.Disk.Path, err)
	}
	cache, err := openCacheStore(db, ramMax, diskMax)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Service{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		db:             db,
		cache:          cache,
		queue:          newQueueStore(db),
		hub:            newHub(),
		bgSem:          make(chan struct{}, 32),
		stopCh:         make(chan struct{}),
		unreachableLog: newRateLimitedLogger(time.Minute),
		stats:          newStatsCollector(),
	}
	s.online.Store(true)
	return s, nil
}

// Start runs install and activate, then launches the background loops.
// An install failure aborts startup; the caller retries the whole start.
func (s *Service) Start(ctx context.Context) error {
	if err := s.install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := s.activate(); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	s.startSyncLoops()
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.hub.closeAll()
	_ = s.db.Close()
}

// Handler returns the gateway's HTTP surface: the interception handler plus
// the page-facing endpoints (events socket, push intake, status, sync kick).
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/offgate/events", s.hub.handleEvents)
	mux.HandleFunc("/offgate/push", s.handlePush)
	mux.HandleFunc("/offgate/status", s.handleStatus)
	mux.HandleFunc("/offgate/sync", s.handleSyncKick)
	mux.HandleFunc("/", s.handle)
	return mux
}

func requestKey(r *http.Request) string {
	return r.URL.RequestURI()
}

// ---- policies ----

// cacheFirst serves static assets: a stored snapshot short-circuits the
// network entirely; a miss fetches and stores; an offline miss is a
// terminal 503 for that fetch.
func (s *Service) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	part := s.cfg.staticPartition()

	if snap, ok := s.cache.Get(part, key); ok {
		s.writeSnapshot(w, snap, "hit")
		return
	}

	snap, err := s.fetchOrigin(r.Context(), http.MethodGet, key, r.Header, nil)
	if err != nil {
		s.writeOfflineAsset(w)
		return
	}
	s.storeSnapshot(part, key, snap)
	s.writeSnapshot(w, snap, "miss")
}

// networkFirst serves navigations and uncategorized GETs. htmlFallback
// selects the offline page as last resort; without it a total failure
// propagates as a bad gateway.
func (s *Service) networkFirst(w http.ResponseWriter, r *http.Request, htmlFallback bool) {
	key := requestKey(r)
	part := s.cfg.dynamicPartition()

	snap, err := s.fetchOrigin(r.Context(), http.MethodGet, key, r.Header, nil)
	if err == nil {
		s.storeSnapshot(part, key, snap)
		s.writeSnapshot(w, snap, "network")
		return
	}

	if cached, ok := s.cache.Get(part, key); ok {
		s.writeSnapshot(w, cached, "stale")
		return
	}

	if htmlFallback {
		s.writeOfflinePage(w)
		return
	}

	setGateHeader(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

// staleWhileRevalidate serves API data: a cached snapshot returns
// immediately while a background fetch refreshes the entry for the next
// request. Without a snapshot the network is awaited; its failure yields a
// degraded-but-valid 200 JSON body so client code keeps working.
func (s *Service) staleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	part := s.cfg.dataPartition()

	if snap, ok := s.cache.Get(part, key); ok {
		s.writeSnapshot(w, snap, "stale")
		s.revalidateAsync(part, key, r.Header.Clone())
		return
	}

	snap, err := s.fetchOrigin(r.Context(), http.MethodGet, key, r.Header, nil)
	if err != nil {
		s.writeOfflineData(w)
		return
	}
	s.storeSnapshot(part, key, snap)
	s.writeSnapshot(w, snap, "network")
}

// passThrough forwards mutating requests untouched. A transport failure
// queues the request instead of dropping it and acknowledges with 202 so
// the page can track the deferred work.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	snap, err := s.fetchOrigin(r.Context(), r.Method, requestKey(r), r.Header, body)
	if err == nil {
		s.writeSnapshot(w, snap, "bypass")
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == s.cfg.Routes.OrderPath {
		po, qerr := s.queue.EnqueueOrder(PendingOrder{
			Payload: body,
			Header:  cloneHeader(r.Header),
		})
		if qerr != nil {
			log.Error().Err(qerr).Msg("queue order")
			setGateHeader(w.Header(), "bad-gateway")
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		log.Info().Uint64("order_id", po.ID).Msg("order queued for sync")
		s.writeQueued(w, map[string]any{"queued": true, "orderId": po.ID})
		return
	}

	dr, qerr := s.queue.EnqueueRequest(DeferredRequest{
		Method: r.Method,
		URL:    requestKey(r),
		Header: cloneHeader(r.Header),
		Body:   body,
	})
	if qerr != nil {
		log.Error().Err(qerr).Msg("queue request")
		setGateHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	log.Info().Uint64("id", dr.ID).Str("method", dr.Method).Str("url", dr.URL).
		Msg("request queued for sync")
	s.writeQueued(w, map[string]any{"queued": true, "id": dr.ID})
}

// ---- origin access ----

// fetchOrigin performs one origin round trip and captures the full response
// as a snapshot. The body is read exactly once here; both the caller and
// the cache are served from the captured bytes, which stands in for the
// clone-before-store step of a streaming response.
//
// Transport outcomes feed the connectivity state: a failure flips the
// service offline, a success flips it back (kicking the sync agent).
func (s *Service) fetchOrigin(ctx context.Context, method, uri string, header http.Header, body []byte) (ResponseSnapshot, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.Server.Origin+uri, rd)
	if err != nil {
		return ResponseSnapshot{}, err
	}
	copyHeaders(req.Header, header)
	req.Header.Set("Accept-Encoding", "identity")

	s.stats.ObserveFetch()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.unreachableLog.Printf("origin unreachable: %v", err)
		s.setOnline(false)
		return ResponseSnapshot{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		s.setOnline(false)
		return ResponseSnapshot{}, err
	}
	s.setOnline(true)

	snap := ResponseSnapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	snap.Header.Del("Content-Length")
	return snap, nil
}

// storeSnapshot persists a successful response. Store failures degrade to a
// cache miss on the next read; they never fail the fetch that produced the
// snapshot.
func (s *Service) storeSnapshot(partition, key string, snap ResponseSnapshot) {
	if snap.Status < 200 || snap.Status >= 300 {
		return
	}
	if err := s.cache.Put(partition, key, snap); err != nil {
		log.Warn().Err(err).Str("partition", partition).Str("key", key).
			Msg("cache write failed")
	}
}

// revalidateAsync fires the background half of stale-while-revalidate. Its
// outcome only affects future requests; the current response already went
// out. Skipped silently when the background budget is exhausted.
func (s *Service) revalidateAsync(partition, key string, header http.Header) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.revalidateOnce(ctx, partition, key, header)
	}()
}

func (s *Service) revalidateOnce(ctx context.Context, partition, key string, header http.Header) {
	snap, err := s.fetchOrigin(ctx, http.MethodGet, key, header, nil)
	if err != nil || snap.Status < 200 || snap.Status >= 300 {
		return
	}
	if cur, ok := s.cache.Get(partition, key); ok && cur.Hash32 == snap.Hash32 {
		return
	}
	s.storeSnapshot(partition, key, snap)
	s.stats.ObserveRevalidate()
}

// ---- response writing ----

func (s *Service) writeSnapshot(w http.ResponseWriter, snap ResponseSnapshot, gate string) {
	for k, vs := range snap.Header {
		if strings.EqualFold(k, "x-offgate") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setGateHeader(w.Header(), gate)
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
	s.stats.ObserveResponse(gate, len(snap.Body))
}

// writeOfflineAsset is the terminal outcome for a static miss while
// offline: a terse 503, nothing to retry within this fetch.
func (s *Service) writeOfflineAsset(w http.ResponseWriter) {
	setGateHeader(w.Header(), "offline")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, "Resource unavailable offline")
	s.stats.ObserveResponse("offline", 0)
}

// writeOfflineData answers an uncached API route while offline with a 200
// JSON body flagged offline:true. The deliberately non-error status lets
// client code treat it as degraded data rather than a hard failure.
func (s *Service) writeOfflineData(w http.ResponseWriter) {
	setGateHeader(w.Header(), "offline")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     "network unavailable",
		"offline":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	s.stats.ObserveResponse("offline", 0)
}

const offlineFallbackHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a connection. Reconnect and try again.</p>
</body>
</html>`

func (s *Service) writeOfflinePage(w http.ResponseWriter) {
	if snap, ok := s.cache.Get(s.cfg.staticPartition(), s.cfg.Cache.OfflinePage); ok {
		s.writeSnapshot(w, snap, "offline-page")
		return
	}
	setGateHeader(w.Header(), "offline-page")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, offlineFallbackHTML)
	s.stats.ObserveResponse("offline", 0)
}

func (s *Service) writeQueued(w http.ResponseWriter, body map[string]any) {
	setGateHeader(w.Header(), "queued")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(body)
	s.stats.ObserveResponse("queued", 0)
}

// ---- page-facing endpoints ----

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	parts := map[string]int{}
	for _, p := range s.cache.Partitions() {
		parts[p] = s.cache.EntryCount(p)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"online":         s.online.Load(),
		"queuedRequests": s.queue.RequestCount(),
		"unsyncedOrders": s.queue.UnsyncedCount(),
		"partitions":     parts,
		"ramBytes":       s.cache.ram.TotalSize(),
		"diskBytes":      s.cache.TotalSize(),
		"pages":          s.hub.count(),
	})
}

// handleSyncKick lets a page fire the sync trigger explicitly, the analog
// of a background-sync registration firing.
func (s *Service) handleSyncKick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	go s.DrainQueues(context.Background())
	w.WriteHeader(http.StatusAccepted)
}

// ---- header helpers ----

func setGateHeader(h http.Header, v string) {
	if v != "" {
		h.Set("X-Offgate", v)
	}
	// Pages read this header from JS in a CORS context only when it is
	// explicitly exposed.
	ensureExposedHeader(h, "X-Offgate")
}

func ensureExposedHeader(h http.Header, name string) {
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

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
