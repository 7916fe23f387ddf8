package offgate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestDrainReplaysDeferredRequests(t *testing.T) {
	type replay struct {
		method, url, body, idem string
	}
	var mu sync.Mutex
	var seen []replay
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, replay{r.Method, r.URL.RequestURI(), string(b), r.Header.Get("X-Idempotency-Key")})
		mu.Unlock()
	})
	s := newTestService(t, origin.URL)

	first, err := s.queue.EnqueueRequest(DeferredRequest{
		Method: http.MethodPut, URL: "/api/profile", Body: []byte(`{"name":"a"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.queue.EnqueueRequest(DeferredRequest{
		Method: http.MethodDelete, URL: "/api/cart/3",
	}); err != nil {
		t.Fatal(err)
	}

	s.DrainQueues(context.Background())

	if s.queue.RequestCount() != 0 {
		t.Fatalf("requests left after drain = %d", s.queue.RequestCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("origin saw %d replays, want 2", len(seen))
	}
	if seen[0].method != http.MethodPut || seen[0].url != "/api/profile" || seen[0].body != `{"name":"a"}` {
		t.Fatalf("first replay = %+v", seen[0])
	}
	if seen[1].method != http.MethodDelete {
		t.Fatalf("replays out of enqueue order: %+v", seen)
	}
	if seen[0].idem != first.ClientID {
		t.Fatalf("idempotency key = %q, want client id %q", seen[0].idem, first.ClientID)
	}
}

func TestDrainLeavesRejectedRequestQueued(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	s := newTestService(t, origin.URL)

	if _, err := s.queue.EnqueueRequest(DeferredRequest{
		Method: http.MethodPost, URL: "/api/reviews", Body: []byte(`{}`),
	}); err != nil {
		t.Fatal(err)
	}

	s.DrainQueues(context.Background())

	reqs, err := s.queue.Requests()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("requests after rejected drain = %d, want still queued", len(reqs))
	}
	if reqs[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", reqs[0].Attempts)
	}
}

func TestDrainEmptyQueuesMakesNoCalls(t *testing.T) {
	origin, calls := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newTestService(t, origin.URL)

	s.DrainQueues(context.Background())

	if n := atomic.LoadInt32(calls); n != 0 {
		t.Fatalf("origin calls = %d, want 0 for empty queues", n)
	}
}

func TestMaxAttemptsDropsRequest(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	s := newTestService(t, origin.URL, func(cfg *Config) {
		cfg.Sync.MaxAttempts = 2
	})

	if _, err := s.queue.EnqueueRequest(DeferredRequest{
		Method: http.MethodPost, URL: "/api/reviews",
	}); err != nil {
		t.Fatal(err)
	}

	s.DrainQueues(context.Background())
	if s.queue.RequestCount() != 1 {
		t.Fatal("record dropped before reaching the attempt bound")
	}
	s.DrainQueues(context.Background())
	if s.queue.RequestCount() != 0 {
		t.Fatal("record kept past the attempt bound")
	}
}

func TestOrderDrainBroadcastsToPages(t *testing.T) {
	var mu sync.Mutex
	var gotBody, gotIdem string
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody, gotIdem = string(b), r.Header.Get("X-Idempotency-Key")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	s := newTestService(t, origin.URL)

	po, err := s.queue.EnqueueOrder(PendingOrder{Payload: []byte(`{"items":[1,2]}`)})
	if err != nil {
		t.Fatal(err)
	}

	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/offgate/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial events socket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, time.Second, func() bool { return s.hub.count() == 1 })

	s.DrainQueues(context.Background())

	var ev struct {
		Type    string `json:"type"`
		OrderID uint64 `json:"orderId"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "ORDER_SYNCED" || ev.OrderID != po.ID {
		t.Fatalf("event = %+v, want ORDER_SYNCED for order %d", ev, po.ID)
	}

	mu.Lock()
	if gotBody != `{"items":[1,2]}` || gotIdem != po.ClientID {
		t.Fatalf("origin saw body=%q idem=%q", gotBody, gotIdem)
	}
	mu.Unlock()

	got, ok := s.queue.Order(po.ID)
	if !ok || !got.Synced {
		t.Fatalf("order after drain: ok=%v %+v", ok, got)
	}
	if s.queue.UnsyncedCount() != 0 {
		t.Fatalf("unsynced count = %d after drain", s.queue.UnsyncedCount())
	}
}

func TestOfflineToOnlineEdgeTriggersDrain(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newTestService(t, origin.URL)

	if _, err := s.queue.EnqueueRequest(DeferredRequest{
		Method: http.MethodPost, URL: "/api/reviews",
	}); err != nil {
		t.Fatal(err)
	}

	s.online.Store(false)
	s.setOnline(true)

	waitFor(t, 2*time.Second, func() bool { return s.queue.RequestCount() == 0 })
}

func TestRefreshOncePopulatesDataPartition(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "fresh:"+r.URL.Path)
	})
	s := newTestService(t, origin.URL, func(cfg *Config) {
		cfg.Sync.RefreshRoutes = []string{"/api/restaurants", "/api/menus/popular"}
	})

	s.refreshOnce(context.Background())

	for _, route := range s.cfg.Sync.RefreshRoutes {
		snap, ok := s.cache.Get(s.cfg.dataPartition(), route)
		if !ok || string(snap.Body) != "fresh:"+route {
			t.Fatalf("route %s: ok=%v body=%q", route, ok, snap.Body)
		}
	}
}
