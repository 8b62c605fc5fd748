// Package bridge is the bridge core (C7): it owns both peer connections for
// one call, runs the translation between the telephony adapter's normalized
// events and the model peer's wire vocabulary, enforces the single-active-
// response invariant, and drives the call through its lifecycle to a clean
// close. It wires together every other package in the module - codec,
// call session, and both peer transports - into the full negotiation /
// response-policy / termination state machine this system requires.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/birddigital/voicebridge/internal/config"
	"github.com/birddigital/voicebridge/pkg/directory"
	"github.com/birddigital/voicebridge/pkg/dispatch"
	"github.com/birddigital/voicebridge/pkg/eventrouter"
	"github.com/birddigital/voicebridge/pkg/realtimepeer"
	"github.com/birddigital/voicebridge/pkg/recording"
	"github.com/birddigital/voicebridge/pkg/session"
	"github.com/birddigital/voicebridge/pkg/streamhandler"
	"github.com/birddigital/voicebridge/pkg/telephonypeer"
	"github.com/birddigital/voicebridge/pkg/vad"
)

// Event types dispatched through the bridge's eventrouter.Router (C3). The
// audio/VAD hot path (C1/C2/C5) stays on direct callbacks for latency;
// these are the lower-frequency control and side-effect events the
// specification calls out as C3's job - DTMF, session end, and tool-call
// routing - where ordered, inspectable, multi-handler dispatch earns its
// keep over a switch statement.
const (
	eventDTMF             = "telephony.dtmf"
	eventTelephonySessEnd = "telephony.session_end"
	eventFunctionDelta    = "model.function_call.delta"
	eventFunctionDone     = "model.function_call.done"
)

var supportedRates = map[int]bool{8000: true, 16000: true, 24000: true}

// Audio decode/resample failures are tolerated frame by frame, but a
// sustained burst means the media stream itself is corrupt: ten
// consecutive failures inside a one-second window mark the bridge
// Closing. Any successfully processed frame resets the streak.
const (
	audioFailureThreshold = 10
	audioFailureWindow    = time.Second
)

// Deps are the long-lived collaborators shared across every bridge a
// Factory creates: the function registry, the call directory store, and
// process configuration. None of these are mutated per-call.
type Deps struct {
	Config    *config.Config
	Registry  *dispatch.Registry
	Directory *directory.Store
	Logger    zerolog.Logger
}

// Factory accepts telephony connections and spins up one Bridge per call.
type Factory struct {
	deps Deps
}

// NewFactory returns a Factory bound to deps.
func NewFactory(deps Deps) *Factory {
	return &Factory{deps: deps}
}

// Accept upgrades r to a WebSocket and returns a Bridge ready to Run. The
// caller should invoke Run on its own goroutine; it blocks until the call
// ends.
func (f *Factory) Accept(w http.ResponseWriter, r *http.Request) (*Bridge, error) {
	b := &Bridge{
		deps: f.deps,
		call: session.New(),
		log:  f.deps.Logger.With().Str("call_id", "pending").Logger(),
	}

	peer, err := telephonypeer.Accept(w, r, telephonypeer.Callbacks{
		OnSessionInitiate: b.onSessionInitiate,
		OnUserStreamStart: b.onUserStreamStart,
		OnUserStreamChunk: b.onUserStreamChunk,
		OnUserStreamStop:  b.onUserStreamStop,
		OnDTMF:            b.onDTMF,
		OnSessionEnd:      b.onTelephonySessionEnd,
		OnError:           b.onTelephonyError,
	}, b.log)
	if err != nil {
		return nil, fmt.Errorf("bridge: accept telephony connection: %w", err)
	}
	b.telephonyPeer = peer
	b.log = b.log.With().Str("call_id", b.call.ID().String()).Logger()
	return b, nil
}

// Bridge owns one call's full lifecycle: both peer connections, the
// response-generation guard, and the collaborators (C1-C6) wired against
// this call's state.
type Bridge struct {
	deps Deps
	log  zerolog.Logger

	call          *session.Call
	telephonyPeer *telephonypeer.Peer
	modelClient   *realtimepeer.Client
	vadSession    *vad.Session
	streamHandler *streamhandler.Handler
	dispatcher    *dispatch.Dispatcher
	recorder      *recording.Recorder
	router        *eventrouter.Router

	negotiateMu      sync.Mutex
	sessionCreatedCh chan string
	negotiateErrCh   chan error

	mu                 sync.Mutex
	hangupScheduled    bool
	functionCalls      int
	cleanupCallbacks   []func()
	audioFailures      int
	audioFailuresSince time.Time

	closeOnce sync.Once
}

// Run starts the telephony read pump and blocks until the call ends. On
// return the bridge has already run its close sequence.
func (b *Bridge) Run() {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("bridge: recovered from panic, closing")
			b.Close("internal error")
		}
	}()
	b.telephonyPeer.Run()
	b.Close("telephony connection closed")
}

// onSessionInitiate negotiates the call: validates the format, connects the
// model peer, configures its session, and waits for confirmation before
// transitioning Active. It runs synchronously on the telephony peer's read
// goroutine, which is safe because it happens once, before any ingress
// audio needs processing.
func (b *Bridge) onSessionInitiate(callID, callerID string, format telephonypeer.MediaFormat, telephonyStreamID string) {
	b.log.Info().Str("telephony_call_id", callID).Str("caller", callerID).Msg("session.initiate received")

	if !supportedRates[format.Rate] || (format.Encoding != "pcm16" && format.Encoding != "mulaw") {
		b.log.Error().Int("rate", format.Rate).Str("encoding", format.Encoding).Msg("unsupported media format")
		b.Close("unsupported media format")
		return
	}

	b.call.SetTelephonyStreamIDs(telephonyStreamID, telephonyStreamID)
	b.call.SetMediaFormat(session.MediaFormat{Encoding: format.Encoding, Rate: format.Rate, Channels: 1})

	if err := b.negotiateModelPeer(); err != nil {
		b.log.Error().Err(err).Msg("model peer negotiation failed")
		b.Close(fmt.Sprintf("negotiation failed: %v", err))
		return
	}

	if err := b.call.Transition(session.Active); err != nil {
		b.log.Error().Err(err).Msg("failed to transition to active")
		b.Close("failed to activate call")
		return
	}

	b.wireCollaborators(format)

	if err := b.telephonyPeer.SendAccepted(format); err != nil {
		b.log.Warn().Err(err).Msg("failed to send session.accepted")
	}

	if b.deps.Directory != nil {
		rec := directory.Record{
			CallID:        b.call.ID(),
			PeerSessionID: b.call.PeerSessionID(),
			Status:        session.Active.String(),
			MediaFormat:   directory.MediaFormat{Encoding: format.Encoding, Rate: format.Rate, Channels: 1},
			StartedAt:     time.Now().UTC(),
		}
		if err := b.deps.Directory.Insert(context.Background(), rec); err != nil {
			b.log.Warn().Err(err).Msg("failed to insert call directory row")
		}
	}

	if b.recorder != nil {
		b.recorder.LogEvent(recording.EventSession, map[string]string{"event": "session.initiate", "caller": callerID})
	}
}

// negotiateModelPeer connects to the model peer, sends session.update, and
// blocks for session.created up to the configured handshake timeout.
func (b *Bridge) negotiateModelPeer() error {
	b.negotiateMu.Lock()
	b.sessionCreatedCh = make(chan string, 1)
	b.negotiateErrCh = make(chan error, 1)
	b.negotiateMu.Unlock()

	cfg := b.deps.Config
	modelURL := cfg.RealtimeURL
	if cfg.UseLocalModel {
		// The local substitute speaks the same event vocabulary; it
		// ignores the model query parameter and the auth header.
		modelURL = cfg.LocalModelURL
	}
	b.modelClient = realtimepeer.New(realtimepeer.Config{
		APIKey:                  cfg.OpenAIAPIKey,
		URL:                     modelURL,
		ModelID:                 cfg.ModelID,
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		Tools:                   b.toolSchemas(),
		TurnDetection: realtimepeer.TurnDetectionConfig{
			Type:              cfg.TurnDetectionType,
			Threshold:         cfg.TurnDetectionThreshold,
			PrefixPaddingMs:   cfg.TurnDetectionPrefixMs,
			SilenceDurationMs: cfg.TurnDetectionSilenceMs,
			CreateResponse:    cfg.TurnDetectionAutoCreate,
		},
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, realtimepeer.Callbacks{
		OnSessionCreated:    b.onModelSessionCreated,
		OnAudioDelta:        b.onModelAudioDelta,
		OnAudioDone:         b.onModelAudioDone,
		OnTranscriptDone:    b.onModelTranscriptDone,
		OnResponseCreated:   b.onModelResponseCreated,
		OnResponseDone:      b.onModelResponseDone,
		OnResponseCancelled: b.onModelResponseCancelled,
		OnFunctionCallDelta: b.onModelFunctionCallDelta,
		OnFunctionCallDone:  b.onModelFunctionCallDone,
		OnError:             b.onModelError,
	}, b.log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := b.modelClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := b.modelClient.ConfigureSession(); err != nil {
		return fmt.Errorf("configure session: %w", err)
	}

	select {
	case id := <-b.sessionCreatedCh:
		b.call.SetPeerSessionID(id)
		return nil
	case err := <-b.negotiateErrCh:
		return err
	case <-time.After(cfg.HandshakeTimeout):
		return fmt.Errorf("timed out waiting for session.created")
	}
}

func (b *Bridge) toolSchemas() []realtimepeer.ToolSchema {
	if b.deps.Registry == nil {
		return nil
	}
	schemas := b.deps.Registry.Schemas()
	out := make([]realtimepeer.ToolSchema, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, realtimepeer.ToolSchema{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

// wireCollaborators constructs C2/C5/C6 against the negotiated format. It
// runs once, after the call is Active.
func (b *Bridge) wireCollaborators(format telephonypeer.MediaFormat) {
	cfg := b.deps.Config

	b.vadSession = vad.NewSession(vad.NewStubEngine(), vad.Config{
		SpeechThreshold:     cfg.SpeechThreshold,
		SilenceThreshold:    cfg.SilenceThreshold,
		MinSpeechDurationMs: cfg.MinSpeechDurationMs,
		ForceStopTimeoutMs:  cfg.ForceStopTimeoutMs,
		SampleRate:          streamhandler.ModelRate,
	}, 20)

	if cfg.RecordingEnabled {
		b.recorder = recording.New(b.call.ID(), cfg.RecordingDir)
	}

	var rec streamhandler.Recorder
	if b.recorder != nil {
		rec = b.recorder
	}

	b.streamHandler = streamhandler.New(streamhandler.Config{
		TelephonyRate:       format.Rate,
		TelephonyEncoding:   format.Encoding,
		IngressInactivityMs: cfg.IngressInactivityMs,
	}, b.modelClient, b, b.telephonyPeer, rec, b.vadSession, b.log)

	b.dispatcher = dispatch.New(b.deps.Registry, b, b, cfg.FunctionTimeout, cfg.HangupDelay, b.log)

	b.router = eventrouter.New()
	b.router.OnError(func(eventType string, err error) {
		b.log.Warn().Str("event_type", eventType).Err(err).Msg("event handler failed")
	})
	b.router.Use(func(evt eventrouter.Event) *eventrouter.Event {
		b.log.Debug().Str("event_type", evt.Type).Msg("dispatching event")
		return &evt
	})
	b.router.Register(eventDTMF, 0, b.handleDTMFEvent)
	b.router.Register(eventTelephonySessEnd, 0, b.handleTelephonySessionEndEvent)
	b.router.Register(eventFunctionDelta, 0, b.handleFunctionDeltaEvent)
	b.router.Register(eventFunctionDone, 0, b.handleFunctionDoneEvent)
}

type dtmfPayload struct {
	digit string
}

func (b *Bridge) handleDTMFEvent(evt eventrouter.Event) (bool, error) {
	digit, _ := evt.Payload.(dtmfPayload)
	if b.recorder != nil {
		b.recorder.LogEvent(recording.EventSession, map[string]string{"event": "dtmf", "digit": digit.digit})
	}
	if b.modelClient != nil {
		if err := b.modelClient.SendText(fmt.Sprintf("User pressed DTMF digit: %s", digit.digit)); err != nil {
			return false, fmt.Errorf("forward dtmf to model peer: %w", err)
		}
	}
	return false, nil
}

func (b *Bridge) handleTelephonySessionEndEvent(evt eventrouter.Event) (bool, error) {
	reason, _ := evt.Payload.(string)
	b.Close(reason)
	return true, nil
}

type functionDeltaPayload struct {
	callID, name, delta string
}

func (b *Bridge) handleFunctionDeltaEvent(evt eventrouter.Event) (bool, error) {
	p, _ := evt.Payload.(functionDeltaPayload)
	if b.dispatcher != nil {
		b.dispatcher.HandleArgsDelta(p.callID, p.name, p.delta)
	}
	return false, nil
}

type functionDonePayload struct {
	callID, arguments, outputItemID string
}

func (b *Bridge) handleFunctionDoneEvent(evt eventrouter.Event) (bool, error) {
	p, _ := evt.Payload.(functionDonePayload)
	if b.dispatcher != nil {
		b.dispatcher.HandleArgsDone(p.callID, p.arguments, p.outputItemID)
	}
	return false, nil
}

// RequestResponse implements both dispatch.ModelSender and
// streamhandler.ResponseController: it is the single place that enforces
// "at most one active response" by gating on the call's response_active
// flag before ever sending response.create.
func (b *Bridge) RequestResponse() {
	if !b.call.TryStartResponse() {
		b.log.Debug().Msg("response already active, skipping response.create")
		return
	}
	if err := b.modelClient.CreateResponse(); err != nil {
		b.log.Warn().Err(err).Msg("failed to send response.create")
		b.call.EndResponse()
	}
}

// CancelActiveResponse implements streamhandler.ResponseController: it asks
// the model peer to cancel the in-flight response and stops forwarding its
// audio immediately, without waiting for the cancellation confirmation.
func (b *Bridge) CancelActiveResponse() {
	if !b.call.ResponseActive() {
		return
	}
	if err := b.modelClient.CancelResponse(); err != nil {
		b.log.Warn().Err(err).Msg("failed to send response.cancel")
	}
	if b.streamHandler != nil {
		b.streamHandler.InterruptEgress()
	}
}

// SendFunctionResult implements dispatch.ModelSender.
func (b *Bridge) SendFunctionResult(callID, outputItemID string, output interface{}) error {
	b.mu.Lock()
	b.functionCalls++
	b.mu.Unlock()
	if b.recorder != nil {
		b.recorder.LogEvent(recording.EventFunction, map[string]interface{}{"call_id": callID, "output": output})
	}
	return b.modelClient.SendFunctionResult(callID, outputItemID, output)
}

// ScheduleHangup implements dispatch.HangupScheduler. Idempotent: a second
// trigger, or one that fires after the call has already started Closing, is
// a no-op.
func (b *Bridge) ScheduleHangup(delay time.Duration, reason string) {
	b.mu.Lock()
	if b.hangupScheduled {
		b.mu.Unlock()
		return
	}
	b.hangupScheduled = true
	b.mu.Unlock()

	b.log.Info().Dur("delay", delay).Str("reason", reason).Msg("hang-up scheduled")
	time.AfterFunc(delay, func() { b.Close(reason) })
}

// RegisterCleanup adds fn to the LIFO cleanup sequence run during Close.
func (b *Bridge) RegisterCleanup(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupCallbacks = append(b.cleanupCallbacks, fn)
}

// -- telephony callbacks --

func (b *Bridge) onUserStreamStart() {
	if b.vadSession != nil {
		if err := b.vadSession.Reset(); err != nil {
			b.log.Warn().Err(err).Msg("failed to reset vad session")
		}
	}
}

func (b *Bridge) onUserStreamChunk(pcm16Base64 string) {
	if b.streamHandler == nil {
		return
	}
	if err := b.streamHandler.Ingress(pcm16Base64); err != nil {
		b.log.Warn().Err(err).Msg("ingress frame dropped")
		b.noteAudioFailure()
		return
	}
	b.noteAudioSuccess()
}

// noteAudioFailure records one dropped audio frame. Once
// audioFailureThreshold drops accumulate with no intervening success
// inside audioFailureWindow, the stream is considered corrupt and the
// bridge closes.
func (b *Bridge) noteAudioFailure() {
	b.mu.Lock()
	now := time.Now()
	if b.audioFailures == 0 || now.Sub(b.audioFailuresSince) > audioFailureWindow {
		b.audioFailures = 0
		b.audioFailuresSince = now
	}
	b.audioFailures++
	failures := b.audioFailures
	b.mu.Unlock()

	if failures >= audioFailureThreshold {
		b.Close("audio decode/resample failures exceeded threshold")
	}
}

func (b *Bridge) noteAudioSuccess() {
	b.mu.Lock()
	b.audioFailures = 0
	b.mu.Unlock()
}

func (b *Bridge) onUserStreamStop() {
	if b.streamHandler != nil {
		b.streamHandler.NotifyStreamStop()
	}
}

func (b *Bridge) onDTMF(digit string) {
	if b.router == nil {
		// DTMF arriving before the call reached Active (no collaborators
		// wired yet) has nothing to forward to; drop it.
		return
	}
	_ = b.router.Dispatch(eventrouter.Event{Type: eventDTMF, Payload: dtmfPayload{digit: digit}})
}

func (b *Bridge) onTelephonySessionEnd(reason string) {
	if b.router == nil {
		b.Close(reason)
		return
	}
	_ = b.router.Dispatch(eventrouter.Event{Type: eventTelephonySessEnd, Payload: reason})
}

func (b *Bridge) onTelephonyError(err error) {
	b.log.Warn().Err(err).Msg("telephony transport error")
	b.Close("telephony transport error")
}

// -- model peer callbacks --

func (b *Bridge) onModelSessionCreated(peerSessionID string) {
	select {
	case b.sessionCreatedCh <- peerSessionID:
	default:
	}
}

func (b *Bridge) onModelAudioDelta(responseID, base64Audio string) {
	if b.streamHandler == nil {
		return
	}
	b.call.OpenOutputStream(responseID)
	if err := b.streamHandler.OnAudioDelta(responseID, base64Audio); err != nil {
		b.log.Warn().Err(err).Msg("failed to forward audio delta")
		b.noteAudioFailure()
		return
	}
	b.noteAudioSuccess()
}

func (b *Bridge) onModelAudioDone(responseID string) {
	if b.streamHandler != nil {
		b.streamHandler.OnAudioDone(responseID)
	}
}

func (b *Bridge) onModelTranscriptDone(transcript string) {
	if b.recorder != nil {
		b.recorder.LogEvent(recording.EventTranscript, map[string]string{"transcript": transcript})
	}
}

func (b *Bridge) onModelResponseCreated(responseID string) {
	b.log.Debug().Str("response_id", responseID).Msg("response.created")
}

func (b *Bridge) onModelResponseDone(responseID string) {
	b.call.EndResponse()
	if b.streamHandler != nil {
		b.streamHandler.OnResponseDone(responseID)
	}
}

func (b *Bridge) onModelResponseCancelled(responseID string) {
	b.call.EndResponse()
}

func (b *Bridge) onModelFunctionCallDelta(callID, name, delta string) {
	if b.router == nil {
		return
	}
	_ = b.router.Dispatch(eventrouter.Event{Type: eventFunctionDelta, Payload: functionDeltaPayload{callID: callID, name: name, delta: delta}})
}

func (b *Bridge) onModelFunctionCallDone(callID, arguments, outputItemID string) {
	if b.router == nil {
		return
	}
	_ = b.router.Dispatch(eventrouter.Event{Type: eventFunctionDone, Payload: functionDonePayload{callID: callID, arguments: arguments, outputItemID: outputItemID}})
}

func (b *Bridge) onModelError(err error) {
	b.log.Warn().Err(err).Msg("model peer error")
	select {
	case b.negotiateErrCh <- err:
	default:
	}
	if b.call.Status() == session.Initializing {
		return
	}
	if isFatalModelError(err) {
		b.Close("model peer error: " + err.Error())
	}
}

// isFatalModelError treats a model-peer error as session-ending once past
// negotiation unless its message contains "unsupported", which is logged
// and otherwise ignored; no finer taxonomy split is made here, unlike the
// "drop and continue" policy given to audio decode failures.
func isFatalModelError(err error) bool {
	return err != nil && !strings.Contains(err.Error(), "unsupported")
}

// Close runs the Closing sequence exactly once: session-end to telephony,
// close the model peer, finalize recording, run cleanup callbacks in LIFO
// order, then transition Closed. Safe to call multiple times and from any
// goroutine.
func (b *Bridge) Close(reason string) {
	b.closeOnce.Do(func() { b.doClose(reason) })
}

func (b *Bridge) doClose(reason string) {
	b.log.Info().Str("reason", reason).Msg("closing bridge")

	if s := b.call.Status(); s == session.Initializing || s == session.Active {
		_ = b.call.Transition(session.Closing)
	}

	if b.streamHandler != nil {
		b.streamHandler.Close()
	}

	if b.telephonyPeer != nil {
		if err := b.telephonyPeer.SendSessionEnd(closeReasonCode(reason), reason); err != nil {
			b.log.Debug().Err(err).Msg("failed to send session.end (peer may already be gone)")
		}
	}

	if b.modelClient != nil {
		if err := b.modelClient.Close(); err != nil {
			b.log.Debug().Err(err).Msg("failed to close model peer")
		}
	}

	var recordingDir string
	if b.recorder != nil {
		dir, err := b.recorder.Finalize(recording.Metadata{
			CallID:          b.call.ID().String(),
			StartedAt:       b.call.Snapshot().CreatedAt,
			EndedAt:         time.Now().UTC(),
			CloseReasonCode: closeReasonCode(reason),
			CloseReason:     reason,
		})
		if err != nil {
			b.log.Warn().Err(err).Msg("failed to finalize recording")
		} else {
			recordingDir = dir
		}
	}

	b.mu.Lock()
	callbacks := append([]func(){}, b.cleanupCallbacks...)
	b.mu.Unlock()
	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i]()
	}

	if err := b.call.Transition(session.Closed); err != nil {
		b.log.Debug().Err(err).Msg("transition to closed")
	}

	if b.telephonyPeer != nil {
		b.telephonyPeer.Close()
	}

	if b.deps.Directory != nil {
		endedAt := time.Now().UTC()
		var recDirPtr *string
		if recordingDir != "" {
			recDirPtr = &recordingDir
		}
		b.mu.Lock()
		calls := b.functionCalls
		b.mu.Unlock()
		rec := directory.Record{
			CallID:             b.call.ID(),
			PeerSessionID:      b.call.PeerSessionID(),
			Status:             session.Closed.String(),
			EndedAt:            &endedAt,
			CloseReasonCode:    closeReasonCode(reason),
			CloseReason:        reason,
			FunctionCallsCount: calls,
			RecordingDir:       recDirPtr,
		}
		if err := b.deps.Directory.Update(context.Background(), rec); err != nil {
			b.log.Warn().Err(err).Msg("failed to update call directory row")
		}
	}
}

// closeReasonCode buckets a free-text close reason into the small set of
// codes surfaced on session.end, matching the taxonomy in the error
// handling design.
func closeReasonCode(reason string) string {
	switch {
	case strings.Contains(reason, "negotiation failed"), strings.Contains(reason, "unsupported media format"), strings.Contains(reason, "failed to activate"):
		return "negotiation_failed"
	case strings.Contains(reason, "transport error"), strings.Contains(reason, "connection closed"):
		return "transport_error"
	case strings.Contains(reason, "model peer error"):
		return "model_error"
	case strings.Contains(reason, "decode/resample"):
		return "audio_error"
	case strings.Contains(reason, "internal error"):
		return "internal_error"
	case strings.Contains(reason, "hang-up"), strings.Contains(reason, "function"), strings.Contains(reason, "end_call"), strings.Contains(reason, "completed"):
		return "call_completed"
	default:
		return "session_ended"
	}
}

// Snapshot returns a point-in-time view of the call for the HTTP status
// surface.
func (b *Bridge) Snapshot() session.Snapshot {
	return b.call.Snapshot()
}
