package offgate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func pushService(t *testing.T) *Service {
	t.Helper()
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {})
	return newTestService(t, origin.URL, func(cfg *Config) {
		cfg.Push.Title = "EatFast"
		cfg.Push.Body = "Your order update is here!"
		cfg.Push.Icon = "/icons/icon-192.png"
	})
}

func TestMergePushEmptyPayloadUsesTemplate(t *testing.T) {
	s := pushService(t)

	n := s.mergePush(nil)
	if n.Title != "EatFast" || n.Body != "Your order update is here!" {
		t.Fatalf("notification = %+v", n)
	}
	if len(n.Vibrate) != 3 || n.Vibrate[0] != 100 {
		t.Fatalf("vibrate = %v", n.Vibrate)
	}
	if len(n.Actions) != 2 || n.Actions[0].Action != "explore" || n.Actions[1].Action != "close" {
		t.Fatalf("actions = %+v", n.Actions)
	}
	if _, ok := n.Data["dateOfArrival"]; !ok {
		t.Fatalf("data = %v", n.Data)
	}
}

func TestMergePushOverridesFields(t *testing.T) {
	s := pushService(t)

	n := s.mergePush([]byte(`{"title":"Order ready","body":"","data":{"orderId":42}}`))
	if n.Title != "Order ready" {
		t.Errorf("title = %q", n.Title)
	}
	// An explicit empty string is an override, not an absence.
	if n.Body != "" {
		t.Errorf("body = %q, want explicit empty override", n.Body)
	}
	if n.Icon != "/icons/icon-192.png" {
		t.Errorf("icon = %q, want template value kept", n.Icon)
	}
	if n.Data["orderId"] != float64(42) {
		t.Errorf("data = %v", n.Data)
	}
	if _, ok := n.Data["primaryKey"]; !ok {
		t.Error("template data keys lost in merge")
	}
}

func TestMergePushMalformedFallsBack(t *testing.T) {
	s := pushService(t)

	n := s.mergePush([]byte(`{"title": unquoted`))
	if n.Title != "EatFast" {
		t.Fatalf("title = %q, want template after malformed payload", n.Title)
	}
}

func TestHandlePush(t *testing.T) {
	s := pushService(t)

	req := httptest.NewRequest(http.MethodPost, "/offgate/push", strings.NewReader(`{"title":"Hi"}`))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("code = %d, want 204 with no pages connected", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/offgate/push", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code = %d, want 405", rr.Code)
	}
}
