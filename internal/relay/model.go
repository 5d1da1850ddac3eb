package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dispatchdesk/internal/config"
)

const modelConnectTimeout = 15 * time.Second

// ModelEvent is one decoded frame from the realtime model.
type ModelEvent struct {
	Type string

	// AudioDelta is the base64 u-law payload of an audio delta frame.
	AudioDelta string

	// Transcript carries finished transcript text, Role says whose.
	Transcript string
	Role       string

	// CallID/Name/Arguments describe a finished tool invocation.
	CallID    string
	Name      string
	Arguments json.RawMessage

	// Message is set on error frames.
	Message string
}

const (
	ModelAudioDelta     = "audio_delta"
	ModelTranscriptDone = "transcript_done"
	ModelFunctionCall   = "function_call"
	ModelError          = "error"
)

// ModelConn is the duplex connection to the realtime AI model. Writes are
// serialized; reads run in a single loop feeding Events.
type ModelConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	events chan ModelEvent

	errMu sync.Mutex
	err   error
}

// DialModel connects and configures a realtime session: u-law audio both
// ways, server-side voice activity detection, and the given instructions
// and tools.
func DialModel(ctx context.Context, cfg config.RealtimeConfig, instructions string, tools []ToolDefinition) (*ModelConn, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("relay: realtime api key not configured")
	}
	url := cfg.URL
	if cfg.Model != "" {
		url += "?model=" + cfg.Model
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: modelConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: model dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay: model dial: %w", err)
	}

	m := &ModelConn{
		conn:   conn,
		done:   make(chan struct{}),
		events: make(chan ModelEvent, 256),
	}

	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"audio", "text"},
			"instructions":        instructions,
			"voice":               cfg.Voice,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
			"tools":       toolSchemas(tools),
			"tool_choice": "auto",
		},
	}
	if err := m.sendJSON(update); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: session update: %w", err)
	}

	go m.readLoop()
	return m, nil
}

// Events delivers decoded model frames until the connection ends.
func (m *ModelConn) Events() <-chan ModelEvent { return m.events }

// AppendAudio forwards one base64 u-law payload from the caller.
func (m *ModelConn) AppendAudio(payload string) error {
	return m.sendJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": payload,
	})
}

// SendToolResult returns a tool's output to the model and asks it to
// continue speaking.
func (m *ModelConn) SendToolResult(callID string, output any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("relay: marshal tool output: %w", err)
	}
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(data),
		},
	}
	if err := m.sendJSON(item); err != nil {
		return err
	}
	return m.sendJSON(map[string]any{"type": "response.create"})
}

// Speak injects a system-initiated line, used for the apology before an
// error hangup.
func (m *ModelConn) Speak(text string) error {
	if err := m.sendJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": "Say exactly: " + text},
			},
		},
	}); err != nil {
		return err
	}
	return m.sendJSON(map[string]any{"type": "response.create"})
}

func (m *ModelConn) sendJSON(v any) error {
	if m.closed.Load() {
		return errors.New("relay: model connection closed")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteJSON(v)
}

// Close shuts the connection down and waits for the read loop to exit.
func (m *ModelConn) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.writeMu.Lock()
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		m.writeMu.Unlock()
		_ = m.conn.Close()
	})
	<-m.done
	return nil
}

// Err returns the terminal read error, if any, after the loop ends.
func (m *ModelConn) Err() error {
	<-m.done
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *ModelConn) setErr(err error) {
	if err == nil {
		return
	}
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.err == nil {
		m.err = err
	}
}

func (m *ModelConn) readLoop() {
	defer close(m.done)
	defer close(m.events)

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if !m.closed.Load() {
				m.setErr(err)
			}
			return
		}
		ev, ok := decodeModelFrame(data)
		if !ok {
			continue
		}
		select {
		case m.events <- ev:
		default:
			// A stalled consumer must not wedge the read loop; audio
			// deltas are droppable, everything else is not.
			if ev.Type != ModelAudioDelta {
				m.events <- ev
			}
		}
	}
}

func decodeModelFrame(data []byte) (ModelEvent, bool) {
	var frame struct {
		Type       string `json:"type"`
		Delta      string `json:"delta"`
		Transcript string `json:"transcript"`
		CallID     string `json:"call_id"`
		Name       string `json:"name"`
		Arguments  string `json:"arguments"`
		Error      struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return ModelEvent{}, false
	}

	switch frame.Type {
	case "response.audio.delta":
		return ModelEvent{Type: ModelAudioDelta, AudioDelta: frame.Delta}, true
	case "response.audio_transcript.done":
		return ModelEvent{Type: ModelTranscriptDone, Role: "agent", Transcript: frame.Transcript}, true
	case "conversation.item.input_audio_transcription.completed":
		return ModelEvent{Type: ModelTranscriptDone, Role: "caller", Transcript: frame.Transcript}, true
	case "response.function_call_arguments.done":
		return ModelEvent{
			Type:      ModelFunctionCall,
			CallID:    frame.CallID,
			Name:      frame.Name,
			Arguments: json.RawMessage(frame.Arguments),
		}, true
	case "error":
		return ModelEvent{Type: ModelError, Message: frame.Error.Message}, true
	default:
		return ModelEvent{}, false
	}
}

func toolSchemas(tools []ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return out
}
