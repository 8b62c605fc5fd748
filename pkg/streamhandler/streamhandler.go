// Package streamhandler is the audio stream handler (C5): it buffers
// ingress audio from the telephony peer into the model's input buffer,
// drives VAD-triggered (or inactivity-triggered) commits, and frames
// egress audio deltas from the model peer back out to telephony,
// including the interruption and back-pressure policy in §4.5/§5.
package streamhandler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/birddigital/voicebridge/pkg/audio"
	"github.com/birddigital/voicebridge/pkg/telephonypeer"
	"github.com/birddigital/voicebridge/pkg/vad"
)

// ModelRate is the sample rate ingress audio is resampled to before it is
// appended to the model peer's input buffer, and the rate the bot track is
// recorded at; output deltas arrive at ModelOutputRate instead.
const ModelRate = 16000

// ModelOutputRate is the sample rate response.audio.delta frames arrive at.
const ModelOutputRate = 24000

// DefaultIngressInactivityMs is how long the handler waits after the last
// append before committing anyway. The timer restarts on every append
// whatever the VAD state, so it fires only once ingress frames stop
// arriving; a stream of silent frames does not trigger it.
const DefaultIngressInactivityMs = 2000

// EgressQueueFrames bounds the egress back-pressure queue to roughly 200ms
// of audio at a 20ms frame cadence.
const EgressQueueFrames = 10

// ErrEgressStreamAlreadyOpen is the message OnAudioDelta logs (it does not
// return it) when a second response's deltas arrive while a different
// response's stream is still open.
var ErrEgressStreamAlreadyOpen = errors.New("streamhandler: egress stream already open for a different response")

// ModelSender is the narrow capability the handler needs to talk to the
// model peer.
type ModelSender interface {
	AppendAudio(pcm16 []byte) error
	CommitAudio() error
}

// ResponseController is the narrow capability the handler needs from the
// bridge core to respect the single-active-response invariant.
type ResponseController interface {
	RequestResponse()
	CancelActiveResponse()
}

// TelephonySender is the narrow capability the handler needs to talk to
// the telephony peer.
type TelephonySender interface {
	SendPlayStreamStart(streamID string, format telephonypeer.MediaFormat) error
	SendPlayStreamChunk(streamID string, pcm16Base64 string, encoding string) error
	SendPlayStreamStop(streamID string) error
}

// Recorder is the narrow capability the handler needs to feed synchronized
// audio into the call recording, if enabled.
type Recorder interface {
	AppendCaller(pcm16 []byte)
	AppendBot(pcm16 []byte)
}

// Config configures the handler's rates and timeouts.
type Config struct {
	TelephonyRate       int
	TelephonyEncoding   string // "pcm16" or "mulaw"
	IngressInactivityMs int
}

// Handler owns one call's ingress and egress audio pipelines.
type Handler struct {
	cfg Config

	model     ModelSender
	resp      ResponseController
	telephony TelephonySender
	recorder  Recorder
	vadSess   *vad.Session
	log       zerolog.Logger

	mu              sync.Mutex
	hasPendingAudio bool
	lastAppendAt    time.Time
	inactivityTimer *time.Timer
	closed          bool

	egressMu          sync.Mutex
	egressOpen        bool
	activeResponseID  string
	cancelledResponse string
	activeStreamID    string
	egressQueue       chan egressFrame
	egressDone        chan struct{}
}

type egressFrame struct {
	responseID string
	pcm16      []byte
}

// New creates a Handler. cfg zero fields take their documented defaults.
func New(cfg Config, model ModelSender, resp ResponseController, telephony TelephonySender, recorder Recorder, vadSess *vad.Session, log zerolog.Logger) *Handler {
	if cfg.IngressInactivityMs <= 0 {
		cfg.IngressInactivityMs = DefaultIngressInactivityMs
	}
	if cfg.TelephonyEncoding == "" {
		cfg.TelephonyEncoding = "pcm16"
	}
	h := &Handler{
		cfg:         cfg,
		model:       model,
		resp:        resp,
		telephony:   telephony,
		recorder:    recorder,
		vadSess:     vadSess,
		log:         log,
		egressQueue: make(chan egressFrame, EgressQueueFrames),
		egressDone:  make(chan struct{}),
	}
	go h.egressWorker()
	return h
}

// Ingress handles one base64 PCM16 frame arriving from the telephony peer
// at the negotiated telephony rate: resamples to the model rate, forwards
// to VAD and recording, appends to the model's input buffer, and commits
// when VAD says Stopped or the inactivity timeout elapses.
func (h *Handler) Ingress(pcm16Base64 string) error {
	raw, err := base64.StdEncoding.DecodeString(pcm16Base64)
	if err != nil {
		return fmt.Errorf("streamhandler: decode ingress frame: %w", err)
	}

	modelFrame := raw
	if h.cfg.TelephonyRate != 0 && h.cfg.TelephonyRate != ModelRate {
		modelFrame, err = audio.Resample(raw, h.cfg.TelephonyRate, ModelRate)
		if err != nil {
			return fmt.Errorf("streamhandler: resample ingress frame: %w", err)
		}
	}

	if h.recorder != nil {
		h.recorder.AppendCaller(modelFrame)
	}

	var vadResult vad.FrameResult
	if h.vadSess != nil {
		vadResult, err = h.vadSess.ProcessFrame(modelFrame)
		if err != nil {
			h.log.Warn().Err(err).Msg("streamhandler: vad frame processing failed, continuing without it")
		}
	}

	if err := h.model.AppendAudio(modelFrame); err != nil {
		return fmt.Errorf("streamhandler: append audio: %w", err)
	}

	h.mu.Lock()
	h.hasPendingAudio = true
	h.lastAppendAt = time.Now()
	h.resetInactivityTimerLocked()
	h.mu.Unlock()

	if vadResult.State == vad.Started {
		h.handleBargeIn()
	}
	if vadResult.State == vad.Stopped {
		h.commitSegment()
	}

	return nil
}

func (h *Handler) telephonyFormat() telephonypeer.MediaFormat {
	return telephonypeer.MediaFormat{
		Encoding: h.cfg.TelephonyEncoding,
		Rate:     h.cfg.TelephonyRate,
		Channels: 1,
	}
}

func (h *Handler) resetInactivityTimerLocked() {
	if h.closed {
		return
	}
	if h.inactivityTimer != nil {
		h.inactivityTimer.Stop()
	}
	h.inactivityTimer = time.AfterFunc(time.Duration(h.cfg.IngressInactivityMs)*time.Millisecond, h.onInactivityTimeout)
}

func (h *Handler) onInactivityTimeout() {
	h.commitSegment()
}

// commitSegment emits exactly one input_audio_buffer.commit per pending
// speech segment and requests a response, subject to the bridge's
// response-generation guard.
func (h *Handler) commitSegment() {
	h.mu.Lock()
	if !h.hasPendingAudio || h.closed {
		h.mu.Unlock()
		return
	}
	h.hasPendingAudio = false
	h.mu.Unlock()

	if err := h.model.CommitAudio(); err != nil {
		h.log.Warn().Err(err).Msg("streamhandler: commit audio failed")
		return
	}
	h.resp.RequestResponse()
}

// NotifyStreamStop handles an explicit userStream.stop from the telephony
// peer: it commits any pending segment immediately.
func (h *Handler) NotifyStreamStop() {
	h.commitSegment()
}

// handleBargeIn asks the bridge to cancel the active response and, if an
// egress stream is open, stops forwarding its deltas immediately. Already
// queued frames in the telephony transport are not recalled.
func (h *Handler) handleBargeIn() {
	h.egressMu.Lock()
	if h.egressOpen {
		h.cancelledResponse = h.activeResponseID
	}
	h.egressMu.Unlock()

	h.resp.CancelActiveResponse()
}

// OnAudioDelta forwards one response.audio.delta frame. It opens the
// egress stream on the first delta for a response id, resamples to the
// telephony rate, and enqueues the frame for the egress worker.
func (h *Handler) OnAudioDelta(responseID, base64PCM24k string) error {
	h.egressMu.Lock()
	if responseID == h.cancelledResponse {
		h.egressMu.Unlock()
		return nil
	}
	if !h.egressOpen {
		h.activeStreamID = uuid.New().String()
		h.activeResponseID = responseID
		h.egressOpen = true
		streamID := h.activeStreamID
		h.egressMu.Unlock()

		if err := h.telephony.SendPlayStreamStart(streamID, h.telephonyFormat()); err != nil {
			return fmt.Errorf("streamhandler: open egress stream: %w", err)
		}
	} else if responseID != h.activeResponseID {
		staleStreamID := h.activeStreamID
		staleResponseID := h.activeResponseID
		h.activeStreamID = uuid.New().String()
		h.activeResponseID = responseID
		streamID := h.activeStreamID
		h.egressMu.Unlock()

		h.log.Warn().Str("stale_response_id", staleResponseID).Msg(ErrEgressStreamAlreadyOpen.Error())
		if err := h.telephony.SendPlayStreamStop(staleStreamID); err != nil {
			h.log.Warn().Err(err).Msg("streamhandler: failed to close stale egress stream")
		}
		if err := h.telephony.SendPlayStreamStart(streamID, h.telephonyFormat()); err != nil {
			return fmt.Errorf("streamhandler: reopen egress stream: %w", err)
		}
	} else {
		h.egressMu.Unlock()
	}

	raw, err := base64.StdEncoding.DecodeString(base64PCM24k)
	if err != nil {
		return fmt.Errorf("streamhandler: decode egress frame: %w", err)
	}
	telephonyFrame := raw
	if h.cfg.TelephonyRate != 0 && h.cfg.TelephonyRate != ModelOutputRate {
		telephonyFrame, err = audio.Resample(raw, ModelOutputRate, h.cfg.TelephonyRate)
		if err != nil {
			return fmt.Errorf("streamhandler: resample egress frame: %w", err)
		}
	}

	if h.recorder != nil {
		if botFrame, err := audio.Resample(raw, ModelOutputRate, ModelRate); err == nil {
			h.recorder.AppendBot(botFrame)
		}
	}

	h.enqueueEgress(egressFrame{responseID: responseID, pcm16: telephonyFrame})
	return nil
}

// enqueueEgress drops the oldest queued frame when the bounded queue is
// full, preferring latency over completeness once the back-pressure
// threshold in §5 is hit.
func (h *Handler) enqueueEgress(frame egressFrame) {
	select {
	case h.egressQueue <- frame:
		return
	default:
	}

	select {
	case <-h.egressQueue:
		h.log.Warn().Msg("streamhandler: egress queue full, dropped oldest frame")
	default:
	}
	select {
	case h.egressQueue <- frame:
	default:
		h.log.Warn().Msg("streamhandler: egress queue still full after eviction, dropping frame")
	}
}

func (h *Handler) egressWorker() {
	for {
		select {
		case <-h.egressDone:
			return
		case frame, ok := <-h.egressQueue:
			if !ok {
				return
			}
			h.egressMu.Lock()
			if frame.responseID == h.cancelledResponse || !h.egressOpen {
				h.egressMu.Unlock()
				continue
			}
			streamID := h.activeStreamID
			h.egressMu.Unlock()

			payload := base64.StdEncoding.EncodeToString(frame.pcm16)
			if err := h.telephony.SendPlayStreamChunk(streamID, payload, h.cfg.TelephonyEncoding); err != nil {
				h.log.Warn().Err(err).Msg("streamhandler: failed to forward egress frame")
			}
		}
	}
}

// OnAudioDone closes the egress stream for responseID, if it's the one
// currently open.
func (h *Handler) OnAudioDone(responseID string) {
	h.closeEgress(responseID)
}

// OnResponseDone closes the egress stream for responseID if it's still
// open (covers the case where response.done arrives without a preceding
// response.audio.done, e.g. a text-only turn).
func (h *Handler) OnResponseDone(responseID string) {
	h.closeEgress(responseID)
}

func (h *Handler) closeEgress(responseID string) {
	h.egressMu.Lock()
	if !h.egressOpen || h.activeResponseID != responseID {
		h.egressMu.Unlock()
		return
	}
	streamID := h.activeStreamID
	h.egressOpen = false
	h.activeResponseID = ""
	h.activeStreamID = ""
	h.egressMu.Unlock()

	if err := h.telephony.SendPlayStreamStop(streamID); err != nil {
		h.log.Warn().Err(err).Msg("streamhandler: failed to close egress stream")
	}
}

// InterruptEgress forcibly closes any open egress stream, used by the
// bridge core right after it sends a barge-in cancellation, without
// waiting for the model peer to confirm it.
func (h *Handler) InterruptEgress() {
	h.egressMu.Lock()
	if !h.egressOpen {
		h.egressMu.Unlock()
		return
	}
	streamID := h.activeStreamID
	h.cancelledResponse = h.activeResponseID
	h.egressOpen = false
	h.activeResponseID = ""
	h.activeStreamID = ""
	h.egressMu.Unlock()

	if err := h.telephony.SendPlayStreamStop(streamID); err != nil {
		h.log.Warn().Err(err).Msg("streamhandler: failed to close egress stream on interrupt")
	}
}

// Close stops the handler's background timer and worker goroutine.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	if h.inactivityTimer != nil {
		h.inactivityTimer.Stop()
	}
	h.mu.Unlock()

	close(h.egressDone)
}
