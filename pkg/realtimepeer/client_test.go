package realtimepeer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireServer is a scriptable stand-in for the model peer's endpoint: it
// records every client event it reads and plays back whatever server
// events a test pushes into emit.
type wireServer struct {
	t        *testing.T
	received chan map[string]interface{}
	emit     chan map[string]interface{}
	auth     chan string
	url      string
}

func newWireServer(t *testing.T) *wireServer {
	t.Helper()
	s := &wireServer{
		t:        t,
		received: make(chan map[string]interface{}, 32),
		emit:     make(chan map[string]interface{}, 32),
		auth:     make(chan string, 1),
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		go func() {
			for msg := range s.emit {
				if err := ws.WriteJSON(msg); err != nil {
					return
				}
			}
		}()

		for {
			var msg map[string]interface{}
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			s.received <- msg
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(s.emit) })

	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func (s *wireServer) nextReceived() map[string]interface{} {
	s.t.Helper()
	select {
	case msg := <-s.received:
		return msg
	case <-time.After(5 * time.Second):
		s.t.Fatal("timed out waiting for client event")
		return nil
	}
}

func connectedClient(t *testing.T, s *wireServer, cfg Config, callbacks Callbacks) *Client {
	t.Helper()
	cfg.APIKey = "sk-test"
	cfg.URL = s.url
	client := New(cfg, callbacks, zerolog.Nop())
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnectSendsBearerAuth(t *testing.T) {
	s := newWireServer(t)
	connectedClient(t, s, Config{}, Callbacks{})
	assert.Equal(t, "Bearer sk-test", <-s.auth)
}

func TestConfigureSessionPayload(t *testing.T) {
	s := newWireServer(t)
	client := connectedClient(t, s, Config{
		Voice:        "ash",
		Instructions: "be brief",
		Temperature:  0.7,
		Tools: []ToolSchema{{
			Name:        "replace_card",
			Description: "Replaces a card",
			Parameters:  map[string]interface{}{"card_type": map[string]interface{}{"type": "string"}},
		}},
		TurnDetection: TurnDetectionConfig{
			Type:              "server_vad",
			Threshold:         0.5,
			SilenceDurationMs: 500,
		},
	}, Callbacks{})

	require.NoError(t, client.ConfigureSession())

	msg := s.nextReceived()
	require.Equal(t, "session.update", msg["type"])
	sess := msg["session"].(map[string]interface{})
	assert.Equal(t, "ash", sess["voice"])
	assert.Equal(t, "be brief", sess["instructions"])
	assert.Equal(t, 0.7, sess["temperature"])
	assert.Equal(t, []interface{}{"text", "audio"}, sess["modalities"])

	tools := sess["tools"].([]interface{})
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]interface{})
	assert.Equal(t, "function", tool["type"])
	assert.Equal(t, "replace_card", tool["name"])

	td := sess["turn_detection"].(map[string]interface{})
	assert.Equal(t, "server_vad", td["type"])
	assert.Equal(t, false, td["create_response"],
		"the bridge never asks the server to auto-create responses")
}

func TestConfigureSessionOmitsTurnDetectionWhenNone(t *testing.T) {
	s := newWireServer(t)
	client := connectedClient(t, s, Config{
		TurnDetection: TurnDetectionConfig{Type: "none"},
	}, Callbacks{})

	require.NoError(t, client.ConfigureSession())
	msg := s.nextReceived()
	sess := msg["session"].(map[string]interface{})
	assert.Nil(t, sess["turn_detection"])
}

func TestReadLoopDispatchesServerEvents(t *testing.T) {
	s := newWireServer(t)

	sessionCreated := make(chan string, 1)
	audioDeltas := make(chan [2]string, 4)
	fnDeltas := make(chan [3]string, 4)
	fnDone := make(chan [3]string, 1)
	responseDone := make(chan string, 1)
	errs := make(chan error, 1)

	connectedClient(t, s, Config{}, Callbacks{
		OnSessionCreated: func(id string) { sessionCreated <- id },
		OnAudioDelta:     func(respID, b64 string) { audioDeltas <- [2]string{respID, b64} },
		OnFunctionCallDelta: func(callID, name, delta string) {
			fnDeltas <- [3]string{callID, name, delta}
		},
		OnFunctionCallDone: func(callID, args, itemID string) {
			fnDone <- [3]string{callID, args, itemID}
		},
		OnResponseDone: func(respID string) { responseDone <- respID },
		OnError:        func(err error) { errs <- err },
	})

	s.emit <- map[string]interface{}{
		"type":    "session.created",
		"session": map[string]interface{}{"id": "sess_1"},
	}
	s.emit <- map[string]interface{}{
		"type":     "response.audio.delta",
		"response": map[string]interface{}{"id": "resp_1"},
		"delta":    "AAAA",
	}
	s.emit <- map[string]interface{}{
		"type":    "response.function_call_arguments.delta",
		"call_id": "f1", "name": "replace_card", "delta": `{"card_`,
	}
	s.emit <- map[string]interface{}{
		"type":    "response.function_call_arguments.done",
		"call_id": "f1", "arguments": "", "item_id": "i1",
	}
	s.emit <- map[string]interface{}{
		"type":     "response.done",
		"response": map[string]interface{}{"id": "resp_1"},
	}
	s.emit <- map[string]interface{}{
		"type":  "error",
		"error": map[string]interface{}{"message": "boom"},
	}

	assert.Equal(t, "sess_1", waitFor(t, sessionCreated))
	assert.Equal(t, [2]string{"resp_1", "AAAA"}, waitFor(t, audioDeltas))
	assert.Equal(t, [3]string{"f1", "replace_card", `{"card_`}, waitFor(t, fnDeltas))
	assert.Equal(t, [3]string{"f1", "", "i1"}, waitFor(t, fnDone))
	assert.Equal(t, "resp_1", waitFor(t, responseDone))
	assert.Contains(t, waitFor(t, errs).Error(), "boom")
}

func TestSendFunctionResultShape(t *testing.T) {
	s := newWireServer(t)
	client := connectedClient(t, s, Config{}, Callbacks{})

	require.NoError(t, client.SendFunctionResult("f1", "i1", map[string]string{"status": "success"}))

	msg := s.nextReceived()
	require.Equal(t, "conversation.item.create", msg["type"])
	item := msg["item"].(map[string]interface{})
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "f1", item["call_id"])

	var output map[string]string
	require.NoError(t, json.Unmarshal([]byte(item["output"].(string)), &output))
	assert.Equal(t, "success", output["status"])
}

func TestAppendAndCommitAudio(t *testing.T) {
	s := newWireServer(t)
	client := connectedClient(t, s, Config{}, Callbacks{})

	require.NoError(t, client.AppendAudio([]byte{0, 0, 0, 0}))
	msg := s.nextReceived()
	assert.Equal(t, "input_audio_buffer.append", msg["type"])
	assert.Equal(t, "AAAAAA==", msg["audio"])

	require.NoError(t, client.CommitAudio())
	assert.Equal(t, "input_audio_buffer.commit", s.nextReceived()["type"])
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		var zero T
		return zero
	}
}
