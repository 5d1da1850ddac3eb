package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dispatchdesk/internal/config"
	"dispatchdesk/internal/session"
)

func TestDecodeModelFrame(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want ModelEvent
		ok   bool
	}{
		{
			"audio delta",
			`{"type":"response.audio.delta","delta":"AAAA"}`,
			ModelEvent{Type: ModelAudioDelta, AudioDelta: "AAAA"},
			true,
		},
		{
			"agent transcript",
			`{"type":"response.audio_transcript.done","transcript":"How can I help?"}`,
			ModelEvent{Type: ModelTranscriptDone, Role: "agent", Transcript: "How can I help?"},
			true,
		},
		{
			"caller transcript",
			`{"type":"conversation.item.input_audio_transcription.completed","transcript":"my sink leaks"}`,
			ModelEvent{Type: ModelTranscriptDone, Role: "caller", Transcript: "my sink leaks"},
			true,
		},
		{
			"error frame",
			`{"type":"error","error":{"message":"boom"}}`,
			ModelEvent{Type: ModelError, Message: "boom"},
			true,
		},
		{"ignored", `{"type":"session.updated"}`, ModelEvent{}, false},
		{"garbage", `not json`, ModelEvent{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := decodeModelFrame([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok: got %v", ok)
			}
			if ok && (got.Type != tc.want.Type || got.AudioDelta != tc.want.AudioDelta ||
				got.Role != tc.want.Role || got.Transcript != tc.want.Transcript || got.Message != tc.want.Message) {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeFunctionCallFrame(t *testing.T) {
	raw := `{"type":"response.function_call_arguments.done","call_id":"c1","name":"record_intent","arguments":"{\"intent\":\"maintenance\"}"}`
	got, ok := decodeModelFrame([]byte(raw))
	if !ok || got.Type != ModelFunctionCall {
		t.Fatalf("got %+v", got)
	}
	var args struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal(got.Arguments, &args); err != nil || args.Intent != "maintenance" {
		t.Fatalf("arguments: %s (%v)", got.Arguments, err)
	}
}

// recordingSink captures submitted events and echoes the session back.
type recordingSink struct {
	mu     sync.Mutex
	sess   session.CallSession
	events []session.Event
}

func (s *recordingSink) Submit(ctx context.Context, ev session.Event) (session.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.sess, nil
}

func (s *recordingSink) kinds() []session.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

// fakeModelServer speaks just enough of the realtime dialect for the
// relay: it consumes the session.update, then runs the given script.
func fakeModelServer(t *testing.T, script func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("model dial without authorization header")
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("model upgrade: %v", err)
			return
		}
		defer conn.Close()

		var update map[string]any
		if err := conn.ReadJSON(&update); err != nil {
			t.Errorf("read session.update: %v", err)
			return
		}
		if update["type"] != "session.update" {
			t.Errorf("first frame %v", update["type"])
			return
		}
		script(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRelayBridgesAudioTranscriptsAndTools(t *testing.T) {
	modelSrv := fakeModelServer(t, func(conn *websocket.Conn) {
		// Caller audio must arrive as an append frame.
		var frame map[string]any
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read append: %v", err)
			return
		}
		if frame["type"] != "input_audio_buffer.append" || frame["audio"] != "dGVzdA==" {
			t.Errorf("append frame: %+v", frame)
		}

		// Speak, transcribe, call a tool.
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": "QUJD"})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio_transcript.done", "transcript": "Hello!"})
		_ = conn.WriteJSON(map[string]any{
			"type": "response.function_call_arguments.done",
			"call_id": "c1", "name": "record_intent",
			"arguments": `{"intent":"maintenance"}`,
		})

		// The tool result must come back as an item plus response.create.
		var item map[string]any
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&item); err != nil {
			t.Errorf("read tool output: %v", err)
			return
		}
		if item["type"] != "conversation.item.create" {
			t.Errorf("tool output frame: %+v", item)
		}
		var create map[string]any
		if err := conn.ReadJSON(&create); err != nil || create["type"] != "response.create" {
			t.Errorf("response.create: %+v (%v)", create, err)
		}

		// Hold the connection until the relay closes it.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer modelSrv.Close()

	sess := session.CallSession{
		ID: "sess-1", AccountID: "acct-1", ProviderCallID: "CA1",
		CallerNumber: "+15550001111", DialedNumber: "+15550002222",
		State: session.StateInboundReceived, StartTime: time.Now().UTC(),
	}
	sink := &recordingSink{sess: sess}
	store := session.NewMemoryStore()
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	toolbox, _ := newToolbox(t)

	mgr := NewManager(config.RealtimeConfig{APIKey: "test-key", URL: wsURL(modelSrv)},
		store, sink, toolbox, nil, 0, nil)

	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.HandleMedia(w, r, "sess-1")
	}))
	defer mediaSrv.Close()

	caller, _, err := websocket.DefaultDialer.Dial(wsURL(mediaSrv), nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	defer caller.Close()

	_ = caller.WriteJSON(map[string]any{"event": "connected"})
	_ = caller.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ1", "callSid": "CA1"},
	})
	_ = caller.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]string{"payload": "dGVzdA=="},
	})

	// The model's audio delta must come back as a provider media frame.
	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	var media map[string]any
	if err := caller.ReadJSON(&media); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if media["event"] != "media" || media["streamSid"] != "MZ1" {
		t.Fatalf("media frame: %+v", media)
	}
	payload := media["media"].(map[string]any)["payload"]
	if payload != "QUJD" {
		t.Fatalf("payload: %v", payload)
	}

	// Greeting, transcript, and tool events must have been submitted.
	deadline := time.Now().Add(2 * time.Second)
	for {
		kinds := sink.kinds()
		var speech, intent, greeting bool
		for _, k := range kinds {
			switch k {
			case session.KindSpeechUpdate:
				speech = true
			case session.KindIntentDetected:
				intent = true
			case session.KindAIGreetingStarted:
				greeting = true
			}
		}
		if speech && intent && greeting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events never arrived: %v", kinds)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if mgr.ActiveCount() != 1 {
		t.Fatalf("active relays: %d", mgr.ActiveCount())
	}

	// Stop frame ends the relay.
	_ = caller.WriteJSON(map[string]any{"event": "stop"})
	deadline = time.Now().Add(2 * time.Second)
	for mgr.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay never shut down")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestToolErrorReturnedToModel(t *testing.T) {
	gotError := make(chan string, 1)
	modelSrv := fakeModelServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{
			"type": "response.function_call_arguments.done",
			"call_id": "c1", "name": "lookup_unit",
			"arguments": `{"unit":"4B"}`,
		})
		var item map[string]any
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&item); err != nil {
			t.Errorf("read tool output: %v", err)
			return
		}
		out, _ := item["item"].(map[string]any)
		output, _ := out["output"].(string)
		gotError <- output

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer modelSrv.Close()

	sess := session.CallSession{
		ID: "sess-1", AccountID: "acct-1", ProviderCallID: "CA1",
		State: session.StateInboundReceived, StartTime: time.Now().UTC(),
	}
	store := session.NewMemoryStore()
	_ = store.Create(context.Background(), sess)
	toolbox, _ := newToolbox(t)

	mgr := NewManager(config.RealtimeConfig{APIKey: "test-key", URL: wsURL(modelSrv)},
		store, &recordingSink{sess: sess}, toolbox, nil, 0, nil)

	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.HandleMedia(w, r, "sess-1")
	}))
	defer mediaSrv.Close()

	caller, _, err := websocket.DefaultDialer.Dial(wsURL(mediaSrv), nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	defer caller.Close()
	_ = caller.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ1"},
	})

	// lookup_unit without a resolved property fails; the model must get
	// {"error": ...} instead of silence.
	select {
	case output := <-gotError:
		var payload map[string]string
		if err := json.Unmarshal([]byte(output), &payload); err != nil {
			t.Fatalf("tool output not JSON: %q", output)
		}
		if payload["error"] == "" {
			t.Fatalf("expected error payload, got %q", output)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("tool error never reached the model")
	}

	_ = caller.WriteJSON(map[string]any{"event": "stop"})
}

func TestHandleMediaUnknownSession(t *testing.T) {
	mgr := NewManager(config.RealtimeConfig{APIKey: "k", URL: "ws://unused"},
		session.NewMemoryStore(), &recordingSink{}, nil, nil, 0, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.HandleMedia(w, r, "missing")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection stayed open for unknown session")
	}
	if mgr.ActiveCount() != 0 {
		t.Fatalf("active relays: %d", mgr.ActiveCount())
	}
}

func TestReserveWithoutCapIsOpen(t *testing.T) {
	mgr := NewManager(config.RealtimeConfig{}, session.NewMemoryStore(), nil, nil, nil, 0, nil)
	if err := mgr.Reserve(context.Background(), "acct-1"); err != nil {
		t.Fatalf("got %v", err)
	}
}
