package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"agrowatch/internal/auth"
	"agrowatch/internal/events"
)

// EventsHandler handles event log endpoints
type EventsHandler struct {
	store    *events.Store
	wsTokens *auth.WSTokenStore
	noAuth   bool
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewEventsHandler creates new events handler
func NewEventsHandler(store *events.Store, wsTokens *auth.WSTokenStore, noAuth bool, interval time.Duration) *EventsHandler {
	h := &EventsHandler{
		store:    store,
		wsTokens: wsTokens,
		noAuth:   noAuth,
		interval: interval,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin validates the websocket connection with a one-time token.
// This prevents Cross-Site WebSocket Hijacking (CSWSH) attacks
func (h *EventsHandler) checkOrigin(r *http.Request) bool {
	if h.noAuth {
		return true
	}

	token := r.URL.Query().Get("ws_token")
	if token == "" {
		log.Printf("WebSocket rejected: missing ws_token")
		return false
	}

	// Validate token (one-time use, auto-deleted after validation)
	principal, valid := h.wsTokens.Validate(token)
	if !valid {
		log.Printf("WebSocket rejected: invalid or expired ws_token")
		return false
	}

	log.Printf("Event stream authorized for %s", principal.Subject)
	return true
}

// List returns events from the store
// GET /api/events?limit=50&since=123
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	// Check for since parameter (get events after ID)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		sinceID, err := strconv.ParseInt(sinceStr, 10, 64)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"events": nonNil(h.store.GetSince(sinceID)),
				"lastId": h.store.LastID(),
			})
			return
		}
	}

	limit := queryLimit(r, 50, 500)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": nonNil(h.store.GetLast(limit)),
		"lastId": h.store.LastID(),
	})
}

// Stream tails the audit store over a websocket, oldest event first.
// GET /api/events/stream?ws_token=...&since=123
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	lastID := h.store.LastID()
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if sinceID, err := strconv.ParseInt(sinceStr, 10, 64); err == nil {
			lastID = sinceID
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	// Reader goroutine: detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("Event stream read error: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		pending := h.store.GetSince(lastID)
		for i := len(pending) - 1; i >= 0; i-- {
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(pending[i]); err != nil {
				return
			}
			lastID = pending[i].ID
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func nonNil(list []events.Event) []events.Event {
	if list == nil {
		return []events.Event{}
	}
	return list
}
