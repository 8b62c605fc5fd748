// Package realtimepeer is the model-peer half of the bridge: a WebSocket
// client for the realtime model's event protocol, translating its wire
// vocabulary (session.*, response.*, input_audio_buffer.*, conversation.*)
// into plain Go callbacks the bridge core wires up.
package realtimepeer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultURL is the realtime model's WebSocket endpoint.
const DefaultURL = "wss://api.openai.com/v1/realtime"

// ToolSchema describes one function the model may call, mirroring the
// function-calling schema shape the model peer expects.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// TurnDetectionConfig controls the model peer's own voice-activity
// detection. CreateResponse defaults to false: this bridge always issues
// response.create itself after a commit rather than relying on the
// server to auto-create one, so the two never race.
type TurnDetectionConfig struct {
	Type              string // "server_vad", "semantic_vad", or "none"
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
	CreateResponse    bool
}

// Config configures a session negotiated with the model peer.
type Config struct {
	APIKey                       string
	URL                          string
	ModelID                      string
	Voice                        string
	Instructions                 string
	Temperature                  float64
	MaxResponseOutputTokens      int
	InputAudioFormat             string
	OutputAudioFormat            string
	InputAudioTranscriptionModel string
	Tools                        []ToolSchema
	TurnDetection                TurnDetectionConfig
	HandshakeTimeout             time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ModelID == "" {
		c.ModelID = "gpt-4o-realtime-preview"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.InputAudioFormat == "" {
		c.InputAudioFormat = "pcm16"
	}
	if c.OutputAudioFormat == "" {
		c.OutputAudioFormat = "pcm16"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Callbacks are invoked from the client's single read loop; implementations
// must not block for long since they run inline with message processing.
type Callbacks struct {
	OnSessionCreated    func(peerSessionID string)
	OnSpeechStarted     func()
	OnSpeechStopped     func()
	OnAudioDelta        func(responseID, base64Audio string)
	OnAudioDone         func(responseID string)
	OnTranscriptDelta   func(delta string)
	OnTranscriptDone    func(transcript string)
	OnResponseCreated   func(responseID string)
	OnResponseDone      func(responseID string)
	OnResponseCancelled func(responseID string)
	OnFunctionCallDelta func(callID, name, delta string)
	OnFunctionCallDone  func(callID, arguments, outputItemID string)
	OnError             func(err error)
}

// Client is a connection to the model peer for one call.
type Client struct {
	cfg       Config
	callbacks Callbacks
	log       zerolog.Logger

	wsMu sync.Mutex
	ws   *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// New creates a Client bound to cfg and callbacks; Connect must be called
// before any other method.
func New(cfg Config, callbacks Callbacks, log zerolog.Logger) *Client {
	return &Client{cfg: cfg.withDefaults(), callbacks: callbacks, log: log}
}

// Connect dials the model peer and starts the background read loop.
func (c *Client) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s?model=%s", c.cfg.URL, c.cfg.ModelID)

	header := map[string][]string{
		"Authorization": {"Bearer " + c.cfg.APIKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("realtimepeer: connect: %w", err)
	}

	ws.SetPingHandler(func(appData string) error {
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	ws.SetReadDeadline(time.Now().Add(120 * time.Second))

	c.ws = ws
	go c.readLoop()
	go c.keepAlive()
	return nil
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.isClosed() {
			return
		}
		c.wsMu.Lock()
		err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
		c.wsMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ConfigureSession sends session.update with the negotiated format, voice,
// instructions, tool schemas, and turn-detection policy.
func (c *Client) ConfigureSession() error {
	apiTools := make([]map[string]interface{}, 0, len(c.cfg.Tools))
	for _, tool := range c.cfg.Tools {
		apiTools = append(apiTools, map[string]interface{}{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters": map[string]interface{}{
				"type":       "object",
				"properties": tool.Parameters,
			},
		})
	}

	session := map[string]interface{}{
		"modalities":          []string{"text", "audio"},
		"instructions":        c.cfg.Instructions,
		"voice":               c.cfg.Voice,
		"input_audio_format":  c.cfg.InputAudioFormat,
		"output_audio_format": c.cfg.OutputAudioFormat,
		"tools":               apiTools,
		"tool_choice":         "auto",
	}
	if c.cfg.Temperature > 0 {
		session["temperature"] = c.cfg.Temperature
	}
	if c.cfg.MaxResponseOutputTokens > 0 {
		session["max_response_output_tokens"] = c.cfg.MaxResponseOutputTokens
	}
	if c.cfg.InputAudioTranscriptionModel != "" {
		session["input_audio_transcription"] = map[string]interface{}{
			"model": c.cfg.InputAudioTranscriptionModel,
		}
	}
	if c.cfg.TurnDetection.Type != "" && c.cfg.TurnDetection.Type != "none" {
		session["turn_detection"] = map[string]interface{}{
			"type":                c.cfg.TurnDetection.Type,
			"threshold":           c.cfg.TurnDetection.Threshold,
			"prefix_padding_ms":   c.cfg.TurnDetection.PrefixPaddingMs,
			"silence_duration_ms": c.cfg.TurnDetection.SilenceDurationMs,
			"create_response":     c.cfg.TurnDetection.CreateResponse,
		}
	} else {
		session["turn_detection"] = nil
	}

	return c.send(map[string]interface{}{"type": "session.update", "session": session})
}

// AppendAudio streams one ingress frame into the model's input buffer.
func (c *Client) AppendAudio(pcm16 []byte) error {
	return c.send(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm16),
	})
}

// CommitAudio closes out the current input segment for processing.
func (c *Client) CommitAudio() error {
	return c.send(map[string]string{"type": "input_audio_buffer.commit"})
}

// ClearAudio discards the buffered (uncommitted) input audio.
func (c *Client) ClearAudio() error {
	return c.send(map[string]string{"type": "input_audio_buffer.clear"})
}

// CreateResponse requests a new model response. Callers are responsible
// for only calling this when no response is already active.
func (c *Client) CreateResponse() error {
	return c.send(map[string]string{"type": "response.create"})
}

// RequestResponse implements dispatch.ModelSender: it asks for a response
// and swallows the error into a log line, since the dispatcher's own
// contract has no error return for this call.
func (c *Client) RequestResponse() {
	if err := c.CreateResponse(); err != nil {
		c.log.Warn().Err(err).Msg("failed to request response after function result")
	}
}

// CancelResponse interrupts the in-flight response, used on barge-in.
func (c *Client) CancelResponse() error {
	return c.send(map[string]string{"type": "response.cancel"})
}

// SendFunctionResult implements dispatch.ModelSender, delivering a tool's
// output as a function_call_output conversation item.
func (c *Client) SendFunctionResult(callID, _ string, output interface{}) error {
	serialized, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("realtimepeer: marshal function result: %w", err)
	}
	return c.send(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(serialized),
		},
	})
}

// SendText injects a user text turn, used for DTMF-derived conversation
// items.
func (c *Client) SendText(text string) error {
	return c.send(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

func (c *Client) send(v interface{}) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("realtimepeer: not connected")
	}
	return c.ws.WriteJSON(v)
}

func (c *Client) readLoop() {
	for {
		if c.isClosed() {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(120 * time.Second))
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosed() && c.callbacks.OnError != nil {
				c.callbacks.OnError(fmt.Errorf("realtimepeer: read: %w", err))
			}
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed model peer message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "session.created":
		if sess, ok := msg["session"].(map[string]interface{}); ok {
			id, _ := sess["id"].(string)
			if c.callbacks.OnSessionCreated != nil {
				c.callbacks.OnSessionCreated(id)
			}
		}

	case "session.updated":
		// session configuration confirmed, no action required

	case "input_audio_buffer.speech_started":
		if c.callbacks.OnSpeechStarted != nil {
			c.callbacks.OnSpeechStarted()
		}

	case "input_audio_buffer.speech_stopped":
		if c.callbacks.OnSpeechStopped != nil {
			c.callbacks.OnSpeechStopped()
		}

	case "response.created":
		respID := responseID(msg)
		if c.callbacks.OnResponseCreated != nil {
			c.callbacks.OnResponseCreated(respID)
		}

	case "response.audio.delta":
		if delta, ok := msg["delta"].(string); ok && c.callbacks.OnAudioDelta != nil {
			c.callbacks.OnAudioDelta(responseID(msg), delta)
		}

	case "response.audio.done":
		if c.callbacks.OnAudioDone != nil {
			c.callbacks.OnAudioDone(responseID(msg))
		}

	case "response.audio_transcript.delta":
		if delta, ok := msg["delta"].(string); ok && c.callbacks.OnTranscriptDelta != nil {
			c.callbacks.OnTranscriptDelta(delta)
		}

	case "response.audio_transcript.done":
		if transcript, ok := msg["transcript"].(string); ok && c.callbacks.OnTranscriptDone != nil {
			c.callbacks.OnTranscriptDone(transcript)
		}

	case "response.function_call_arguments.delta":
		callID, _ := msg["call_id"].(string)
		name, _ := msg["name"].(string)
		delta, _ := msg["delta"].(string)
		if c.callbacks.OnFunctionCallDelta != nil {
			c.callbacks.OnFunctionCallDelta(callID, name, delta)
		}

	case "response.function_call_arguments.done":
		callID, _ := msg["call_id"].(string)
		arguments, _ := msg["arguments"].(string)
		outputItemID, _ := msg["item_id"].(string)
		if c.callbacks.OnFunctionCallDone != nil {
			c.callbacks.OnFunctionCallDone(callID, arguments, outputItemID)
		}

	case "response.done":
		if c.callbacks.OnResponseDone != nil {
			c.callbacks.OnResponseDone(responseID(msg))
		}

	case "response.cancelled":
		if c.callbacks.OnResponseCancelled != nil {
			c.callbacks.OnResponseCancelled(responseID(msg))
		}

	case "error":
		if errData, ok := msg["error"].(map[string]interface{}); ok {
			if errMsg, ok := errData["message"].(string); ok && c.callbacks.OnError != nil {
				c.callbacks.OnError(fmt.Errorf("model peer error: %s", errMsg))
			}
		}

	default:
		c.log.Debug().Str("type", msgType).Msg("unhandled model peer event type")
	}
}

func responseID(msg map[string]interface{}) string {
	if resp, ok := msg["response"].(map[string]interface{}); ok {
		if id, ok := resp["id"].(string); ok {
			return id
		}
	}
	return ""
}
