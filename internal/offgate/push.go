package offgate

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

func nowUnixMillis() int64 { return time.Now().UnixMilli() }

// pushPayload is the optional server-sent override for the notification
// template. Pointer fields distinguish "absent" from "empty".
type pushPayload struct {
	Title   *string              `json:"title"`
	Body    *string              `json:"body"`
	Icon    *string              `json:"icon"`
	Badge   *string              `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    map[string]any       `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

func (s *Service) defaultNotification() PushNotification {
	return PushNotification{
		Title:   s.cfg.Push.Title,
		Body:    s.cfg.Push.Body,
		Icon:    s.cfg.Push.Icon,
		Badge:   s.cfg.Push.Badge,
		Vibrate: []int{100, 50, 100},
		Data: map[string]any{
			"dateOfArrival": nowUnixMillis(),
			"primaryKey":    1,
		},
		Actions: []NotificationAction{
			{Action: "explore", Title: "View details"},
			{Action: "close", Title: "Dismiss"},
		},
	}
}

// mergePush lays an optional JSON payload over the default template. A
// malformed payload is logged and the default shown regardless; a push is
// never dropped for bad JSON.
func (s *Service) mergePush(raw []byte) PushNotification {
	n := s.defaultNotification()
	if len(raw) == 0 {
		return n
	}
	var p pushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("malformed push payload, using default notification")
		return n
	}
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Body != nil {
		n.Body = *p.Body
	}
	if p.Icon != nil {
		n.Icon = *p.Icon
	}
	if p.Badge != nil {
		n.Badge = *p.Badge
	}
	if p.Vibrate != nil {
		n.Vibrate = p.Vibrate
	}
	if p.Data != nil {
		for k, v := range p.Data {
			n.Data[k] = v
		}
	}
	if p.Actions != nil {
		n.Actions = p.Actions
	}
	return n
}

// handlePush receives an inbound push event and fans the merged descriptor
// out to every connected page. Focus/open-window behavior on click belongs
// to the pages.
func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	n := s.mergePush(raw)
	log.Info().Str("title", n.Title).Int("pages", s.hub.count()).Msg("push notification")
	s.hub.broadcast(pageEvent{Type: "NOTIFICATION", Notification: &n})
	w.WriteHeader(http.StatusNoContent)
}
