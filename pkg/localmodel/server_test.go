package localmodel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birddigital/voicebridge/pkg/realtimepeer"
)

func startServer(t *testing.T, cfg Config) string {
	t.Helper()
	srv := httptest.NewServer(New(cfg, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(message, &msg))
	return msg
}

func eventType(msg map[string]interface{}) string {
	s, _ := msg["type"].(string)
	return s
}

func sendEvent(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func TestEmitsSessionCreatedOnConnect(t *testing.T) {
	ws := dial(t, startServer(t, Config{}))

	msg := readEvent(t, ws)
	require.Equal(t, "session.created", eventType(msg))
	sess := msg["session"].(map[string]interface{})
	id, _ := sess["id"].(string)
	assert.True(t, strings.HasPrefix(id, "sess_local_"))
}

func TestSessionUpdateIsAcknowledged(t *testing.T) {
	ws := dial(t, startServer(t, Config{}))
	readEvent(t, ws) // session.created

	sendEvent(t, ws, map[string]interface{}{
		"type":    "session.update",
		"session": map[string]interface{}{"voice": "alloy"},
	})
	assert.Equal(t, "session.updated", eventType(readEvent(t, ws)))
}

func TestResponseLifecycleOrdering(t *testing.T) {
	url := startServer(t, Config{Responder: func(int) Turn {
		return Turn{Transcript: "hello there", AudioMs: 60}
	}})
	ws := dial(t, url)
	readEvent(t, ws) // session.created

	sendEvent(t, ws, map[string]string{"type": "response.create"})

	var types []string
	for {
		msg := readEvent(t, ws)
		types = append(types, eventType(msg))
		if eventType(msg) == "response.done" {
			break
		}
	}

	require.Equal(t, "response.created", types[0])
	assert.Equal(t, "response.audio_transcript.done", types[1])
	deltas := 0
	for _, typ := range types {
		if typ == "response.audio.delta" {
			deltas++
		}
	}
	assert.Equal(t, 3, deltas, "60 ms of audio in 20 ms frames")
	assert.Equal(t, "response.audio.done", types[len(types)-2])
}

func TestCommitAccumulatesAndResponderSeesIt(t *testing.T) {
	var seen int
	url := startServer(t, Config{Responder: func(committedMs int) Turn {
		seen = committedMs
		return Turn{AudioMs: 20}
	}})
	ws := dial(t, url)
	readEvent(t, ws) // session.created

	// 100 ms of 16 kHz PCM16.
	audio := base64.StdEncoding.EncodeToString(make([]byte, 16000*2/10))
	sendEvent(t, ws, map[string]string{"type": "input_audio_buffer.append", "audio": audio})
	sendEvent(t, ws, map[string]string{"type": "input_audio_buffer.commit"})
	require.Equal(t, "input_audio_buffer.committed", eventType(readEvent(t, ws)))

	sendEvent(t, ws, map[string]string{"type": "response.create"})
	for eventType(readEvent(t, ws)) != "response.done" {
	}
	assert.Equal(t, 100, seen)
}

func TestOverlappingResponseCreateIsRejected(t *testing.T) {
	url := startServer(t, Config{
		Responder:   func(int) Turn { return Turn{AudioMs: 2000} },
		ChunkPacing: 5 * time.Millisecond,
	})
	ws := dial(t, url)
	readEvent(t, ws) // session.created

	sendEvent(t, ws, map[string]string{"type": "response.create"})
	require.Equal(t, "response.created", eventType(readEvent(t, ws)))

	sendEvent(t, ws, map[string]string{"type": "response.create"})

	var errEvent map[string]interface{}
	for {
		msg := readEvent(t, ws)
		if eventType(msg) == "error" {
			errEvent = msg
			break
		}
	}
	errData := errEvent["error"].(map[string]interface{})
	assert.Equal(t, "conversation_already_has_active_response", errData["code"])

	sendEvent(t, ws, map[string]string{"type": "response.cancel"})
	for {
		msg := readEvent(t, ws)
		if eventType(msg) == "response.cancelled" {
			return
		}
	}
}

func TestFunctionCallTurnFragmentsReassemble(t *testing.T) {
	arguments := `{"card_type":"gold"}`
	url := startServer(t, Config{Responder: func(int) Turn {
		return Turn{FunctionCall: &FunctionCall{Name: "replace_card", Arguments: arguments}}
	}})
	ws := dial(t, url)
	readEvent(t, ws) // session.created

	sendEvent(t, ws, map[string]string{"type": "response.create"})

	var buf strings.Builder
	var doneArgs, doneName string
	for {
		msg := readEvent(t, ws)
		switch eventType(msg) {
		case "response.function_call_arguments.delta":
			delta, _ := msg["delta"].(string)
			buf.WriteString(delta)
		case "response.function_call_arguments.done":
			doneArgs, _ = msg["arguments"].(string)
			doneName, _ = msg["name"].(string)
		case "response.done":
			assert.Equal(t, arguments, buf.String(),
				"concatenated deltas must reassemble the full arguments")
			assert.Empty(t, doneArgs, "done carries empty arguments, forcing buffer fallback")
			assert.Equal(t, "replace_card", doneName)
			return
		}
	}
}

// TestRealtimeClientAgainstSubstitute proves the substitute satisfies the
// same contract the bridge's model-peer client was written against.
func TestRealtimeClientAgainstSubstitute(t *testing.T) {
	url := startServer(t, Config{Responder: func(int) Turn {
		return Turn{Transcript: "ack", AudioMs: 40}
	}})

	sessionCreated := make(chan string, 1)
	responseDone := make(chan string, 1)
	deltas := make(chan string, 16)

	client := realtimepeer.New(realtimepeer.Config{
		APIKey: "unused",
		URL:    url,
	}, realtimepeer.Callbacks{
		OnSessionCreated: func(id string) { sessionCreated <- id },
		OnAudioDelta:     func(respID, b64 string) { deltas <- b64 },
		OnResponseDone:   func(respID string) { responseDone <- respID },
	}, zerolog.Nop())

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()
	require.NoError(t, client.ConfigureSession())

	select {
	case id := <-sessionCreated:
		assert.True(t, strings.HasPrefix(id, "sess_local_"))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session.created")
	}

	require.NoError(t, client.AppendAudio(make([]byte, 640)))
	require.NoError(t, client.CommitAudio())
	require.NoError(t, client.CreateResponse())

	select {
	case <-responseDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response.done")
	}
	assert.Equal(t, 2, len(deltas), "40 ms of audio in 20 ms frames")
}
