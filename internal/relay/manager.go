package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"dispatchdesk/internal/config"
	"dispatchdesk/internal/session"
	"dispatchdesk/pkg/utils"
)

// ErrAccountAtCapacity means the account already runs its maximum number
// of concurrent AI calls. The webhook layer answers such calls with an
// apology instead of a media stream.
var ErrAccountAtCapacity = errors.New("relay: account at concurrent AI call capacity")

const capTTL = 2 * time.Hour

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The provider connects server-to-server; there is no browser origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Manager owns the set of live relays and the per-account concurrency cap.
type Manager struct {
	cfg      config.RealtimeConfig
	sessions session.Store
	sink     EventSink
	toolbox  *Toolbox
	log      *slog.Logger

	rdb      *redis.Client
	maxCalls int

	mu     sync.Mutex
	active map[string]*Relay // session id -> relay
}

func NewManager(cfg config.RealtimeConfig, sessions session.Store, sink EventSink, toolbox *Toolbox, rdb *redis.Client, maxCalls int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		sink:     sink,
		toolbox:  toolbox,
		log:      log,
		rdb:      rdb,
		maxCalls: maxCalls,
		active:   make(map[string]*Relay),
	}
}

// Reserve takes one concurrency slot for the account, called at webhook
// time so an over-capacity call gets the apology TwiML instead of a dead
// media stream.
func (m *Manager) Reserve(ctx context.Context, accountID string) error {
	if m.maxCalls <= 0 || m.rdb == nil {
		return nil
	}
	ok, err := utils.AcquireConcurrencyCap(ctx, m.rdb, m.capKey(accountID), m.maxCalls, capTTL)
	if err != nil {
		// Redis trouble must not take calls down with it.
		m.log.Warn("concurrency cap check failed", "account_id", accountID, "err", err)
		return nil
	}
	if !ok {
		return ErrAccountAtCapacity
	}
	return nil
}

func (m *Manager) release(ctx context.Context, accountID string) {
	if m.maxCalls <= 0 || m.rdb == nil {
		return
	}
	if err := utils.ReleaseConcurrencyCap(ctx, m.rdb, m.capKey(accountID)); err != nil {
		m.log.Warn("concurrency cap release failed", "account_id", accountID, "err", err)
	}
}

func (m *Manager) capKey(accountID string) string {
	return "cap:ai_calls:" + accountID
}

// HandleMedia serves one provider media-stream connection for the session
// in the URL. It blocks until the call leaves the AI, the caller hangs up,
// or the model connection fails.
func (m *Manager) HandleMedia(w http.ResponseWriter, r *http.Request, sessionID string) {
	tw, err := mediaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("media upgrade failed", "session_id", sessionID, "err", err)
		return
	}

	ctx := r.Context()
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		m.log.Warn("media stream for unknown session", "session_id", sessionID)
		_ = tw.Close()
		return
	}

	streamSid, _, _, err := readStartFrame(tw)
	if err != nil {
		m.log.Warn("media start frame missing", "session_id", sessionID, "err", err)
		_ = tw.Close()
		return
	}

	model, err := DialModel(ctx, m.cfg, Instructions(sess), Definitions())
	if err != nil {
		m.log.Error("model connect failed", "session_id", sessionID, "err", err)
		m.failSession(ctx, sess)
		_ = tw.Close()
		return
	}

	rl := newRelay(sess, model, m.toolbox, m.sink, m.log)
	m.register(sessionID, rl)
	defer func() {
		m.unregister(sessionID)
		m.release(context.Background(), sess.AccountID)
	}()

	if _, err := m.sink.Submit(ctx, session.Event{
		ProviderCallID: sess.ProviderCallID,
		Kind:           session.KindAIGreetingStarted,
		At:             time.Now().UTC(),
	}); err != nil {
		m.log.Warn("greeting event failed", "session_id", sessionID, "err", err)
	}

	rl.run(ctx, tw, streamSid)
}

// Stop closes the relay for a session, if one is live. The stop-relay side
// effect lands here when a transfer connects or the call ends.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	rl, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		rl.Close()
	}
}

// ActiveCount reports live relays, for health reporting.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown closes every live relay and waits for them to drain.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	relays := make([]*Relay, 0, len(m.active))
	for _, rl := range m.active {
		relays = append(relays, rl)
	}
	m.mu.Unlock()

	for _, rl := range relays {
		rl.Close()
	}
	for _, rl := range relays {
		select {
		case <-rl.Done():
		case <-ctx.Done():
			return
		}
	}
}

// failSession escalates a call whose model leg could not be established and
// routes it to a human. The transfer path speaks to the caller either way:
// staff ring with a hold prompt, or the voicemail prompt when no one is
// reachable. The caller is never left in silence.
func (m *Manager) failSession(ctx context.Context, sess session.CallSession) {
	if _, err := m.sink.Submit(ctx, session.Event{
		ProviderCallID: sess.ProviderCallID,
		Kind:           session.KindEscalated,
		At:             time.Now().UTC(),
	}); err != nil {
		m.log.Warn("escalation after model failure failed", "session_id", sess.ID, "err", err)
		return
	}
	if _, err := m.sink.Submit(ctx, session.Event{
		ProviderCallID: sess.ProviderCallID,
		Kind:           session.KindTransferRequested,
		At:             time.Now().UTC(),
	}); err != nil {
		m.log.Warn("transfer after model failure failed", "session_id", sess.ID, "err", err)
	}
}

func (m *Manager) register(sessionID string, rl *Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.active[sessionID]; ok {
		prev.Close()
	}
	m.active[sessionID] = rl
}

func (m *Manager) unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, sessionID)
}

// Instructions composes the system prompt for one call.
func Instructions(sess session.CallSession) string {
	return fmt.Sprintf(`You are the after-hours phone agent for a property management company.
The caller dialed %s from %s.
Greet the caller, find out why they are calling, and record the intent with record_intent.
For maintenance issues: resolve the property with lookup_property and the unit with lookup_unit,
classify the issue with classify_issue, open a ticket with create_incident,
and for emergencies send it out with dispatch_vendor.
If the caller asks for a person, or you cannot help, use transfer_to_human.
Keep answers short; this is a phone call.`, sess.DialedNumber, sess.CallerNumber)
}
