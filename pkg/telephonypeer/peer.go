// Package telephonypeer is the telephony-peer half of the bridge: a
// WebSocket server that accepts one connection per call and translates
// between a platform's wire dialect and the bridge core's normalized
// ingress/egress event vocabulary (§6 of the specification).
//
// The wire dialect implemented here is the SignalWire/Twilio Media
// Streams flavor - {event, media:{track,payload}, start, stop} - handled
// by a single read loop per connection, with outbound writes serialized
// behind a mutex on the caller's goroutine and each inbound ping extending
// the read deadline; the peer sends no pings of its own. Each inbound
// frame is translated into the bridge core's normalized events instead of
// forwarding raw byte channels.
package telephonypeer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/birddigital/voicebridge/pkg/audio"
)

// MediaFormat is the negotiated telephony-side audio format, carried in
// session.initiate and echoed back in session.accepted.
type MediaFormat struct {
	Encoding string `json:"encoding"`
	Rate     int    `json:"rate"`
	Channels int    `json:"channels"`
}

// Callbacks are invoked from the peer's read loop; implementations must
// not block for long since they run inline with message processing.
type Callbacks struct {
	OnSessionInitiate func(callID, callerID string, format MediaFormat, telephonyStreamID string)
	OnUserStreamStart func()
	OnUserStreamChunk func(pcm16Base64 string)
	OnUserStreamStop  func()
	OnDTMF            func(digit string)
	OnSessionEnd      func(reason string)
	OnError           func(err error)
}

// Upgrader is shared across connections; CheckOrigin is permissive since
// origin validation for a telephony platform's media-stream callback
// happens at the network layer (allow-listed source IPs), not the
// WebSocket handshake.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Peer is one call's telephony-side WebSocket connection.
type Peer struct {
	conn      *websocket.Conn
	callbacks Callbacks
	log       zerolog.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool

	streamID      string
	mediaStreamID string
	mediaEncoding string
}

// Accept upgrades an incoming HTTP request to a WebSocket connection and
// returns the Peer wired to callbacks. The caller is expected to call Run
// to start the read pump (blocks until the connection ends).
func Accept(w http.ResponseWriter, r *http.Request, callbacks Callbacks, log zerolog.Logger) (*Peer, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephonypeer: upgrade: %w", err)
	}
	return &Peer{conn: conn, callbacks: callbacks, log: log}, nil
}

// Run starts the read pump and blocks until the connection closes. Callers
// should invoke it on its own goroutine.
func (p *Peer) Run() {
	defer p.Close()

	p.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	p.conn.SetPingHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if p.callbacks.OnError != nil {
					p.callbacks.OnError(fmt.Errorf("telephonypeer: read: %w", err))
				}
			}
			return
		}
		if err := p.handleMessage(message); err != nil {
			p.log.Warn().Err(err).Msg("telephonypeer: discarding malformed message")
		}
	}
}

// wireMessage is the SignalWire/Twilio Media Streams envelope.
type wireMessage struct {
	Event string          `json:"event"`
	Start *wireStart      `json:"start,omitempty"`
	Media *wireMedia      `json:"media,omitempty"`
	Stop  *wireStop       `json:"stop,omitempty"`
	DTMF  *wireDTMF       `json:"dtmf,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

type wireStart struct {
	CallSID          string                 `json:"callSid"`
	StreamSID        string                 `json:"streamSid"`
	From             string                 `json:"from"`
	MediaFormat      wireMediaFormat        `json:"mediaFormat"`
	CustomParameters map[string]interface{} `json:"customParameters,omitempty"`
}

type wireMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type wireMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type wireStop struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

type wireDTMF struct {
	Digit string `json:"digit"`
}

func (p *Peer) handleMessage(data []byte) error {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	switch msg.Event {
	case "start":
		return p.handleStart(msg.Start)
	case "media":
		return p.handleMedia(msg.Media)
	case "stop":
		if p.callbacks.OnUserStreamStop != nil {
			p.callbacks.OnUserStreamStop()
		}
		if p.callbacks.OnSessionEnd != nil {
			p.callbacks.OnSessionEnd("telephony peer stopped the stream")
		}
	case "dtmf":
		if msg.DTMF != nil && p.callbacks.OnDTMF != nil {
			p.callbacks.OnDTMF(msg.DTMF.Digit)
		}
	default:
		p.log.Debug().Str("event", msg.Event).Msg("unhandled telephony event")
	}
	return nil
}

func (p *Peer) handleStart(start *wireStart) error {
	if start == nil {
		return fmt.Errorf("start event missing payload")
	}
	p.streamID = start.CallSID
	p.mediaStreamID = start.StreamSID

	format := MediaFormat{
		Encoding: normalizeEncoding(start.MediaFormat.Encoding),
		Rate:     start.MediaFormat.SampleRate,
		Channels: 1,
	}
	if format.Rate == 0 {
		format.Rate = 8000
	}
	p.mediaEncoding = format.Encoding

	if p.callbacks.OnSessionInitiate != nil {
		p.callbacks.OnSessionInitiate(start.CallSID, start.From, format, start.StreamSID)
	}
	if p.callbacks.OnUserStreamStart != nil {
		p.callbacks.OnUserStreamStart()
	}
	return nil
}

func normalizeEncoding(wireEncoding string) string {
	switch wireEncoding {
	case "audio/x-mulaw", "mulaw", "pcmu":
		return "mulaw"
	default:
		return "pcm16"
	}
}

// handleMedia decodes the wire payload (mulaw or pcm16 depending on the
// negotiated format) into PCM16 and hands it to OnUserStreamChunk as
// base64 PCM16 - the normalized ingress chunk shape the core expects.
func (p *Peer) handleMedia(media *wireMedia) error {
	if media == nil {
		return fmt.Errorf("media event missing payload")
	}
	if media.Track != "" && media.Track != "inbound" {
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return fmt.Errorf("decode media payload: %w", err)
	}

	pcm16 := raw
	// Payloads are decoded as mulaw (the SignalWire/Twilio default) unless
	// the start event's encoding normalized to pcm16, which every encoding
	// other than a mulaw name (including an empty one) does.
	if p.mediaEncoding != "pcm16" {
		pcm16 = audio.MulawToPCM16(raw)
	}

	if p.callbacks.OnUserStreamChunk != nil {
		p.callbacks.OnUserStreamChunk(base64.StdEncoding.EncodeToString(pcm16))
	}
	return nil
}

// SendAccepted acknowledges session.initiate with the negotiated format.
func (p *Peer) SendAccepted(format MediaFormat) error {
	return p.sendWire(map[string]interface{}{
		"event": "connected",
		"start": map[string]interface{}{
			"streamSid": p.mediaStreamID,
			"mediaFormat": wireMediaFormat{
				Encoding:   format.Encoding,
				SampleRate: format.Rate,
				Channels:   format.Channels,
			},
		},
	})
}

// SendPlayStreamStart opens an outbound play stream, mirroring
// playStream.start{streamId, media_format}.
func (p *Peer) SendPlayStreamStart(streamID string, format MediaFormat) error {
	return p.sendWire(map[string]interface{}{
		"event":     "mark",
		"streamSid": p.mediaStreamID,
		"mark":      map[string]string{"name": "play_start:" + streamID},
	})
}

// SendPlayStreamChunk forwards one base64 PCM16 frame to the telephony
// peer, re-encoding to mulaw for the wire if that's the negotiated
// encoding.
func (p *Peer) SendPlayStreamChunk(streamID string, pcm16Base64 string, encoding string) error {
	payload := pcm16Base64
	if encoding == "mulaw" {
		pcm16, err := base64.StdEncoding.DecodeString(pcm16Base64)
		if err != nil {
			return fmt.Errorf("telephonypeer: decode egress frame: %w", err)
		}
		mulaw, err := audio.PCM16ToMulaw(pcm16)
		if err != nil {
			return fmt.Errorf("telephonypeer: encode mulaw egress frame: %w", err)
		}
		payload = base64.StdEncoding.EncodeToString(mulaw)
	}

	return p.sendWire(map[string]interface{}{
		"event":     "media",
		"streamSid": p.mediaStreamID,
		"media": wireMedia{
			Track:   "outbound",
			Payload: payload,
		},
	})
}

// SendPlayStreamStop closes the outbound play stream.
func (p *Peer) SendPlayStreamStop(streamID string) error {
	return p.sendWire(map[string]interface{}{
		"event":     "mark",
		"streamSid": p.mediaStreamID,
		"mark":      map[string]string{"name": "play_stop:" + streamID},
	})
}

// SendActivity forwards a miscellaneous activity (e.g. a DTMF echo) to the
// telephony peer.
func (p *Peer) SendActivity(activity interface{}) error {
	return p.sendWire(map[string]interface{}{
		"event":      "mark",
		"streamSid":  p.mediaStreamID,
		"activities": []interface{}{activity},
	})
}

// SendSessionEnd tells the telephony peer the call is ending, with a
// reason code and human-readable reason for its own logging.
func (p *Peer) SendSessionEnd(reasonCode, reason string) error {
	return p.sendWire(map[string]interface{}{
		"event":      "stop",
		"streamSid":  p.mediaStreamID,
		"reasonCode": reasonCode,
		"reason":     reason,
	})
}

func (p *Peer) sendWire(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.isClosed() {
		return fmt.Errorf("telephonypeer: connection closed")
	}
	return p.conn.WriteJSON(v)
}

func (p *Peer) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}

// Close tears down the connection. Idempotent.
func (p *Peer) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	p.writeMu.Lock()
	p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.writeMu.Unlock()
	return p.conn.Close()
}
