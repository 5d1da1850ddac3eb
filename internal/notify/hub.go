// Package notify fans call-center events out to dashboard clients over
// WebSocket. Subscribers are grouped per account; an event published for
// one tenant is never visible to another.
package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dashboard event types.
const (
	EventIncomingCall     = "incoming_call"
	EventCallUpdated      = "call_updated"
	EventCallEnded        = "call_ended"
	EventSpeechUpdate     = "speech_update"
	EventIncomingTransfer = "incoming_transfer"
	EventNewIncident      = "new_incident"
	EventIncidentUpdated  = "incident_updated"
	EventUserAvailability = "user_availability_changed"
)

var errNotAuthFrame = errors.New("notify: first frame must be auth")

// Envelope is the wire frame pushed to subscribers.
type Envelope struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// authFrame is the first message a client must send after the upgrade.
type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// TokenVerifier checks a dashboard token and returns its account id.
// internal/auth provides the JWT-backed implementation.
type TokenVerifier interface {
	VerifyDashboardToken(token string) (accountID string, err error)
}

const (
	authTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from their own origins; token auth is the gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

// Hub owns the subscriber sets. All methods are safe for concurrent use.
type Hub struct {
	verifier TokenVerifier
	log      *slog.Logger

	// Now is injected for deterministic envelope timestamps in tests.
	Now func() time.Time

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{} // account id -> subscribers
}

func NewHub(verifier TokenVerifier, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		verifier: verifier,
		log:      log,
		Now:      time.Now,
		subs:     make(map[string]map[*subscriber]struct{}),
	}
}

// HandleWS upgrades the request and serves one dashboard subscription.
// The client's first frame must be {"type":"auth","token":"..."}; anything
// else closes the connection before any event is delivered.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	accountID, err := h.authenticate(conn)
	if err != nil {
		h.log.Warn("websocket auth failed", "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth required"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register(accountID, sub)
	defer h.unregister(accountID, sub)

	go sub.writeLoop()
	sub.readLoop()
}

func (h *Hub) authenticate(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var frame authFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", err
	}
	if frame.Type != "auth" {
		return "", errNotAuthFrame
	}
	return h.verifier.VerifyDashboardToken(frame.Token)
}

// Broadcast pushes one event to every live subscriber of the account.
// Delivery is best-effort: a subscriber whose buffer is full is dropped
// rather than allowed to stall the rest.
func (h *Hub) Broadcast(accountID, eventType string, payload any) {
	data, err := json.Marshal(Envelope{Type: eventType, Payload: payload, At: h.Now().UTC()})
	if err != nil {
		h.log.Error("broadcast marshal failed", "type", eventType, "err", err)
		return
	}

	h.mu.RLock()
	set := h.subs[accountID]
	var stalled []*subscriber
	for sub := range set {
		select {
		case sub.send <- data:
		default:
			stalled = append(stalled, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stalled {
		h.log.Warn("dropping stalled dashboard subscriber", "account_id", accountID)
		h.unregister(accountID, sub)
	}
}

// SubscriberCount reports live subscribers for an account.
func (h *Hub) SubscriberCount(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

// Close tears down every subscription, for shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for accountID, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, accountID)
	}
}

func (h *Hub) register(accountID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[accountID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[accountID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) unregister(accountID string, sub *subscriber) {
	h.mu.Lock()
	set, ok := h.subs[accountID]
	if ok {
		if _, live := set[sub]; live {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, accountID)
			}
		} else {
			ok = false
		}
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

func (s *subscriber) writeLoop() {
	defer s.conn.Close()
	for data := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

// readLoop drains client frames so pings are answered and a close is
// noticed. Dashboards only listen; inbound data frames are discarded.
func (s *subscriber) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
