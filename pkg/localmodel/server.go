// Package localmodel is the optional stand-in for the realtime model
// peer: a WebSocket server speaking the same client/server event
// vocabulary (session.update, input_audio_buffer.*, response.create/
// cancel, conversation.item.create) so a bridge can run end-to-end with
// no upstream model. Responses are produced by a pluggable Responder;
// the default one answers every turn with a fixed transcript and a
// stretch of silence.
//
// The server honors the same ordering guarantees as the real peer: one
// response at a time, audio deltas in order, response.created before any
// delta and response.done after the last one. Overlapping
// response.create attempts are answered with the same
// conversation_already_has_active_response error the upstream peer
// emits.
package localmodel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ModelRate is the rate the substitute synthesizes egress audio at,
// matching the upstream peer's 24 kHz output.
const ModelRate = 24000

// ingestRate is the rate appended input audio is assumed to arrive at.
const ingestRate = 16000

const egressFrameMs = 20

// FunctionCall makes a turn invoke a tool instead of speaking: the
// arguments are streamed as two deltas followed by a done event, the
// same fragment shape the upstream peer produces.
type FunctionCall struct {
	Name      string
	Arguments string
}

// Turn is one scripted model response.
type Turn struct {
	Transcript   string
	AudioMs      int
	FunctionCall *FunctionCall
}

// Responder decides what the model "says" for each response.create,
// given how much committed input audio has accumulated so far.
type Responder func(committedMs int) Turn

// DefaultResponder answers every turn the same way, enough to drive a
// bridge through its full ingress/egress/commit cycle.
func DefaultResponder(committedMs int) Turn {
	return Turn{Transcript: "I heard you. How can I help?", AudioMs: 500}
}

// Config tunes the substitute.
type Config struct {
	// Responder defaults to DefaultResponder.
	Responder Responder
	// ChunkPacing inserts a delay between egress audio deltas so a turn
	// plays out over wall-clock time instead of all at once. Zero means
	// emit as fast as the transport accepts, which is what unit tests
	// want; a runnable server typically sets it near real time.
	ChunkPacing time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts model-peer connections, one conversation per
// WebSocket. Mount it wherever the process serves HTTP.
type Server struct {
	cfg Config
	log zerolog.Logger
}

// New returns a Server. A nil Responder falls back to DefaultResponder.
func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.Responder == nil {
		cfg.Responder = DefaultResponder
	}
	return &Server{cfg: cfg, log: log}
}

// ServeHTTP upgrades the request and runs the conversation until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("localmodel: upgrade failed")
		return
	}

	c := &conversation{
		server: s,
		ws:     ws,
		log:    s.log.With().Str("component", "localmodel").Logger(),
	}
	c.run()
}

// conversation is one connected client's session state.
type conversation struct {
	server *Server
	ws     *websocket.Conn
	log    zerolog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	pendingMs   int
	committedMs int
	respSeq     int
	respActive  bool
	cancelCh    chan struct{}
}

func (c *conversation) run() {
	defer c.ws.Close()

	sessionID := "sess_local_" + uuid.NewString()
	// The upstream peer emits session.created unprompted as soon as the
	// connection is up, before any session.update arrives.
	c.send(map[string]interface{}{
		"type":    "session.created",
		"session": map[string]interface{}{"id": sessionID},
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.interruptActiveResponse()
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed client event")
			continue
		}
		c.handle(sessionID, msg)
	}
}

func (c *conversation) handle(sessionID string, msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "session.update":
		c.send(map[string]interface{}{
			"type":    "session.updated",
			"session": map[string]interface{}{"id": sessionID},
		})

	case "input_audio_buffer.append":
		audio, _ := msg["audio"].(string)
		raw, err := base64.StdEncoding.DecodeString(audio)
		if err != nil {
			c.sendError("invalid_request_error", "audio is not valid base64")
			return
		}
		c.mu.Lock()
		c.pendingMs += len(raw) * 1000 / (ingestRate * 2)
		c.mu.Unlock()

	case "input_audio_buffer.commit":
		c.mu.Lock()
		c.committedMs += c.pendingMs
		c.pendingMs = 0
		c.mu.Unlock()
		c.send(map[string]interface{}{"type": "input_audio_buffer.committed"})

	case "input_audio_buffer.clear":
		c.mu.Lock()
		c.pendingMs = 0
		c.mu.Unlock()
		c.send(map[string]interface{}{"type": "input_audio_buffer.cleared"})

	case "conversation.item.create":
		c.send(map[string]interface{}{"type": "conversation.item.created"})

	case "response.create":
		c.startResponse()

	case "response.cancel":
		c.interruptActiveResponse()

	default:
		c.log.Debug().Str("type", msgType).Msg("unhandled client event type")
	}
}

// startResponse launches the scripted turn on its own goroutine, or
// reports the overlap error the upstream peer would.
func (c *conversation) startResponse() {
	c.mu.Lock()
	if c.respActive {
		c.mu.Unlock()
		c.sendError("conversation_already_has_active_response",
			"a response is already in progress")
		return
	}
	c.respActive = true
	c.respSeq++
	respID := fmt.Sprintf("resp_local_%d", c.respSeq)
	cancelCh := make(chan struct{})
	c.cancelCh = cancelCh
	committed := c.committedMs
	c.mu.Unlock()

	turn := c.server.cfg.Responder(committed)
	go c.streamResponse(respID, turn, cancelCh)
}

func (c *conversation) interruptActiveResponse() {
	c.mu.Lock()
	ch := c.cancelCh
	c.cancelCh = nil
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *conversation) streamResponse(respID string, turn Turn, cancelCh chan struct{}) {
	resp := map[string]interface{}{"id": respID}
	c.send(map[string]interface{}{"type": "response.created", "response": resp})

	cancelled := false
	if turn.FunctionCall != nil {
		cancelled = c.streamFunctionCall(respID, turn.FunctionCall, cancelCh)
	} else {
		cancelled = c.streamAudio(respID, turn, cancelCh)
	}

	c.mu.Lock()
	c.respActive = false
	if c.cancelCh == cancelCh {
		c.cancelCh = nil
	}
	c.mu.Unlock()

	if cancelled {
		c.send(map[string]interface{}{"type": "response.cancelled", "response": resp})
		return
	}
	c.send(map[string]interface{}{"type": "response.done", "response": resp})
}

// streamAudio emits the transcript followed by AudioMs of silence in
// fixed egress frames, checking for cancellation between frames.
// Returns true if the turn was cancelled mid-stream.
func (c *conversation) streamAudio(respID string, turn Turn, cancelCh chan struct{}) bool {
	resp := map[string]interface{}{"id": respID}

	if turn.Transcript != "" {
		c.send(map[string]interface{}{
			"type":       "response.audio_transcript.done",
			"response":   resp,
			"transcript": turn.Transcript,
		})
	}

	frame := make([]byte, ModelRate*2*egressFrameMs/1000)
	frameB64 := base64.StdEncoding.EncodeToString(frame)
	for sent := 0; sent < turn.AudioMs; sent += egressFrameMs {
		select {
		case <-cancelCh:
			return true
		default:
		}
		c.send(map[string]interface{}{
			"type":     "response.audio.delta",
			"response": resp,
			"delta":    frameB64,
		})
		if c.server.cfg.ChunkPacing > 0 {
			time.Sleep(c.server.cfg.ChunkPacing)
		}
	}

	c.send(map[string]interface{}{"type": "response.audio.done", "response": resp})
	return false
}

// streamFunctionCall fragments the arguments into two deltas and a
// terminal done with an empty arguments field, the shape clients must
// reassemble from their accumulated buffer.
func (c *conversation) streamFunctionCall(respID string, fc *FunctionCall, cancelCh chan struct{}) bool {
	resp := map[string]interface{}{"id": respID}
	callID := "call_local_" + uuid.NewString()
	itemID := "item_local_" + uuid.NewString()

	split := len(fc.Arguments) / 2
	fragments := []string{fc.Arguments[:split], fc.Arguments[split:]}
	for i, fragment := range fragments {
		select {
		case <-cancelCh:
			return true
		default:
		}
		delta := map[string]interface{}{
			"type":     "response.function_call_arguments.delta",
			"response": resp,
			"call_id":  callID,
			"delta":    fragment,
		}
		if i == 0 {
			delta["name"] = fc.Name
		}
		c.send(delta)
	}

	c.send(map[string]interface{}{
		"type":      "response.function_call_arguments.done",
		"response":  resp,
		"call_id":   callID,
		"name":      fc.Name,
		"arguments": "",
		"item_id":   itemID,
	})
	return false
}

func (c *conversation) sendError(code, message string) {
	c.send(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "invalid_request_error",
			"code":    code,
			"message": message,
		},
	})
}

func (c *conversation) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		c.log.Debug().Err(err).Msg("write failed (client may be gone)")
	}
}
