// Package relay bridges the telephony provider's media stream to the
// realtime AI model: caller audio up, synthesized speech back, transcripts
// and tool calls out to the rest of the system. One Relay serves one call.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dispatchdesk/internal/session"
)

// EventSink receives the canonical events a relay produces. The call
// orchestration service implements it.
type EventSink interface {
	Submit(ctx context.Context, ev session.Event) (session.CallSession, error)
}

// twilioFrame covers every inbound media-stream message shape.
type twilioFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

type Relay struct {
	sess    session.CallSession
	model   *ModelConn
	toolbox *Toolbox
	sink    EventSink
	log     *slog.Logger

	tw        *websocket.Conn
	twWriteMu sync.Mutex
	streamSid string

	closeOnce sync.Once
	done      chan struct{}
}

func newRelay(sess session.CallSession, model *ModelConn, toolbox *Toolbox, sink EventSink, log *slog.Logger) *Relay {
	return &Relay{
		sess:    sess,
		model:   model,
		toolbox: toolbox,
		sink:    sink,
		log:     log,
		done:    make(chan struct{}),
	}
}

// run pumps both directions until either side closes. The provider socket
// must already have delivered its start frame.
func (r *Relay) run(ctx context.Context, tw *websocket.Conn, streamSid string) {
	r.tw = tw
	r.streamSid = streamSid
	defer r.Close()

	go r.modelLoop(ctx)
	r.providerLoop()
}

// providerLoop reads caller audio and forwards it to the model. A stop
// frame or a read error ends the relay; the session's terminal state comes
// from the provider's status webhook, not from here.
func (r *Relay) providerLoop() {
	for {
		var frame twilioFrame
		if err := r.tw.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Event {
		case "media":
			if frame.Media == nil {
				continue
			}
			if err := r.model.AppendAudio(frame.Media.Payload); err != nil {
				return
			}
		case "stop":
			return
		}
	}
}

// modelLoop plays model audio back to the caller and turns transcripts and
// tool calls into system actions.
func (r *Relay) modelLoop(ctx context.Context) {
	defer r.Close()

	for ev := range r.model.Events() {
		switch ev.Type {
		case ModelAudioDelta:
			if err := r.writeMedia(ev.AudioDelta); err != nil {
				return
			}
		case ModelTranscriptDone:
			r.submit(ctx, session.Event{
				Kind: session.KindSpeechUpdate,
				Data: session.EventData{SpeechRole: ev.Role, SpeechText: ev.Transcript},
			})
		case ModelFunctionCall:
			r.handleToolCall(ctx, ev)
		case ModelError:
			r.log.Error("model error", "session_id", r.sess.ID, "message", ev.Message)
		}
	}
}

// handleToolCall executes one tool invocation. Failures go back to the
// model as {"error": ...} so it can tell the caller instead of stalling.
func (r *Relay) handleToolCall(ctx context.Context, ev ModelEvent) {
	call := ToolCall{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments}
	result, sessEv, err := r.toolbox.Invoke(ctx, r.sess, call)
	if err != nil {
		r.log.Warn("tool call failed",
			"session_id", r.sess.ID, "tool", ev.Name, "err", err)
		if werr := r.model.SendToolResult(ev.CallID, map[string]string{"error": err.Error()}); werr != nil {
			r.log.Warn("tool error delivery failed", "session_id", r.sess.ID, "err", werr)
		}
		return
	}
	if sessEv != nil {
		r.submit(ctx, *sessEv)
	}
	if err := r.model.SendToolResult(ev.CallID, result); err != nil {
		r.log.Warn("tool result delivery failed", "session_id", r.sess.ID, "err", err)
	}
}

func (r *Relay) submit(ctx context.Context, ev session.Event) {
	ev.ProviderCallID = r.sess.ProviderCallID
	updated, err := r.sink.Submit(ctx, ev)
	if err != nil {
		r.log.Warn("event submit failed",
			"session_id", r.sess.ID, "kind", string(ev.Kind), "err", err)
		return
	}
	// Later tool calls need the accumulated state (property, incident).
	r.sess = updated
}

func (r *Relay) writeMedia(payload string) error {
	r.twWriteMu.Lock()
	defer r.twWriteMu.Unlock()
	_ = r.tw.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.tw.WriteJSON(map[string]any{
		"event":     "media",
		"streamSid": r.streamSid,
		"media":     map[string]string{"payload": payload},
	})
}

// Speak asks the model to say one system-initiated line, used for the
// apology before an error hangup.
func (r *Relay) Speak(text string) error {
	return r.model.Speak(text)
}

// Close tears both legs down. Safe to call from either pump or externally
// (the stop-relay side effect).
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		_ = r.model.Close()
		if r.tw != nil {
			r.twWriteMu.Lock()
			_ = r.tw.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			r.twWriteMu.Unlock()
			_ = r.tw.Close()
		}
	})
}

// Done is closed when the relay has fully shut down.
func (r *Relay) Done() <-chan struct{} { return r.done }

// readStartFrame consumes provider frames until the start frame arrives.
func readStartFrame(tw *websocket.Conn) (streamSid, callSid string, params map[string]string, err error) {
	deadline := time.Now().Add(15 * time.Second)
	_ = tw.SetReadDeadline(deadline)
	defer tw.SetReadDeadline(time.Time{})

	for {
		var frame twilioFrame
		if err = tw.ReadJSON(&frame); err != nil {
			return "", "", nil, err
		}
		if frame.Event == "start" && frame.Start != nil {
			return frame.Start.StreamSid, frame.Start.CallSid, frame.Start.CustomParameters, nil
		}
		// "connected" and any early media are skipped.
	}
}
