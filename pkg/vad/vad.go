// Package vad implements hysteresis-based voice activity detection on top
// of a pluggable frame classifier (Engine). The state machine here is the
// contract; the classifier's raw probabilities are not.
package vad

import "time"

const (
	DefaultSpeechThreshold     = 0.5
	DefaultSilenceThreshold    = 0.6
	DefaultMinSpeechDurationMs = 500
	DefaultForceStopTimeoutMs  = 2000
	DefaultSampleRate          = 16000
	startedConsecutiveFrames   = 2
	stoppedConsecutiveFrames   = 3
)

// State is a position in the Idle -> Started -> Active -> Stopped -> Idle
// cycle.
type State int

const (
	Idle State = iota
	Started
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config tunes the hysteresis thresholds and timeouts. Zero-value fields
// fall back to the Default* constants via NewSession; a negative
// MinSpeechDurationMs disables the minimum-duration guard entirely.
type Config struct {
	SpeechThreshold     float64
	SilenceThreshold    float64
	MinSpeechDurationMs int
	ForceStopTimeoutMs  int
	SampleRate          int
}

func (c Config) withDefaults() Config {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MinSpeechDurationMs == 0 {
		c.MinSpeechDurationMs = DefaultMinSpeechDurationMs
	}
	if c.ForceStopTimeoutMs == 0 {
		c.ForceStopTimeoutMs = DefaultForceStopTimeoutMs
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	return c
}

// FrameResult is the state machine's verdict for one classified frame.
type FrameResult struct {
	SpeechProb       float64
	IsSpeech         bool
	State            State
	ForceStop        bool
	SpeechDurationMs int
}

// Session drives the hysteresis state machine from successive classifier
// results for one call's ingress audio. It is not safe for concurrent use
// from multiple goroutines; callers own one Session per audio stream.
type Session struct {
	cfg    Config
	engine Engine

	state            State
	consecutiveAbove int
	consecutiveBelow int
	speechStartedAt  time.Time
	frameDurationMs  int
	now              func() time.Time
}

// NewSession creates a Session bound to engine with cfg (zero fields take
// their documented default).
func NewSession(engine Engine, cfg Config, frameDurationMs int) *Session {
	if frameDurationMs <= 0 {
		frameDurationMs = 20
	}
	return &Session{
		cfg:             cfg.withDefaults(),
		engine:          engine,
		state:           Idle,
		frameDurationMs: frameDurationMs,
		now:             time.Now,
	}
}

// ProcessFrame classifies one pcm16 frame and advances the state machine.
func (s *Session) ProcessFrame(pcm16 []byte) (FrameResult, error) {
	result, err := s.engine.ProcessChunk(pcm16, uint32(s.cfg.SampleRate))
	if err != nil {
		return FrameResult{}, err
	}
	prob := float64(result.Confidence)
	if !result.IsSpeech {
		prob = 0
	}

	switch s.state {
	case Idle, Stopped:
		s.state = Idle
		if prob >= s.cfg.SpeechThreshold {
			s.consecutiveAbove++
		} else {
			s.consecutiveAbove = 0
		}
		if s.consecutiveAbove >= startedConsecutiveFrames {
			s.state = Started
			s.speechStartedAt = s.now()
			s.consecutiveAbove = 0
		}

	case Started:
		s.state = Active

	case Active:
		durationMs := s.speechDurationMs()
		if durationMs >= s.cfg.ForceStopTimeoutMs {
			s.state = Stopped
			s.consecutiveBelow = 0
			return s.frameResult(prob, true), nil
		}
		if prob <= s.cfg.SilenceThreshold {
			s.consecutiveBelow++
		} else {
			s.consecutiveBelow = 0
		}
		if s.consecutiveBelow >= stoppedConsecutiveFrames && durationMs >= s.cfg.MinSpeechDurationMs {
			s.state = Stopped
			s.consecutiveBelow = 0
		}
	}

	return s.frameResult(prob, false), nil
}

func (s *Session) frameResult(prob float64, forceStop bool) FrameResult {
	return FrameResult{
		SpeechProb:       prob,
		IsSpeech:         s.state == Started || s.state == Active,
		State:            s.state,
		ForceStop:        forceStop,
		SpeechDurationMs: s.speechDurationMs(),
	}
}

func (s *Session) speechDurationMs() int {
	if s.speechStartedAt.IsZero() {
		return 0
	}
	return int(s.now().Sub(s.speechStartedAt).Milliseconds())
}

// Reset returns the session to Idle and clears the underlying engine.
func (s *Session) Reset() error {
	s.state = Idle
	s.consecutiveAbove = 0
	s.consecutiveBelow = 0
	s.speechStartedAt = time.Time{}
	return s.engine.Reset()
}

// Close releases the underlying engine.
func (s *Session) Close() error {
	return s.engine.Close()
}
