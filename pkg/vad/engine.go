package vad

// Result is one classifier invocation's verdict for a single audio frame.
type Result struct {
	IsSpeech   bool
	Confidence float32
}

// Engine is the pluggable speech classifier behind the state machine in
// vad.go. A real engine wraps a local model; tests and local-only
// deployments can swap in a deterministic stub without touching the state
// machine that consumes it.
type Engine interface {
	ProcessChunk(pcm16 []byte, sampleRate uint32) (Result, error)
	Reset() error
	Close() error
}

// StubToggleInterval is the number of chunks after which StubEngine flips
// between speech and silence. At 20ms per chunk, 50 chunks is one second.
const StubToggleInterval = 50

// StubConfidence is the fixed confidence StubEngine reports.
const StubConfidence float32 = 0.9

// StubEngine is a deterministic Engine, and the one the bridge core wires
// into every call's VAD session: it never inspects the audio, alternating
// speech and silence on a fixed schedule instead.
type StubEngine struct {
	counter  int
	speaking bool
}

// NewStubEngine returns a StubEngine starting in silence.
func NewStubEngine() *StubEngine {
	return &StubEngine{}
}

// ProcessChunk ignores pcm16 and returns the next value in the fixed
// speech/silence schedule.
func (e *StubEngine) ProcessChunk(_ []byte, _ uint32) (Result, error) {
	e.counter++
	if e.counter >= StubToggleInterval {
		e.counter = 0
		e.speaking = !e.speaking
	}
	conf := float32(0.05)
	if e.speaking {
		conf = StubConfidence
	}
	return Result{IsSpeech: e.speaking, Confidence: conf}, nil
}

// Reset returns the stub to silence with its counter cleared.
func (e *StubEngine) Reset() error {
	e.counter = 0
	e.speaking = false
	return nil
}

// Close is a no-op.
func (e *StubEngine) Close() error { return nil }
