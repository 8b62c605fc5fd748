// Package recording accumulates a call's per-party PCM16 audio and a
// structured event log in memory and finalizes both to disk at call close:
// per-party WAV files, a stereo mix, and JSON event/transcript/metadata
// artifacts. It has no knowledge of the bridge's peers or state machine -
// the bridge core feeds it frames and events as they happen.
package recording

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/birddigital/voicebridge/pkg/audio"
)

// Rate is the sample rate, in Hz, that all recorded artifacts are written
// at. Callers resample caller/bot audio to this rate before appending.
const Rate = 16000

// EventKind classifies one entry in the session event log.
type EventKind string

const (
	EventSession    EventKind = "session"
	EventFunction   EventKind = "function_call"
	EventTranscript EventKind = "transcript"
)

// Event is one ordered, timestamped entry in the call's event log.
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Kind      EventKind   `json:"kind"`
	Payload   interface{} `json:"payload"`
}

// Recorder owns one call's append-only audio buffers and event log. It is
// safe for concurrent use: ingress appends, egress appends, and event log
// writes all happen from different goroutines in the bridge core.
type Recorder struct {
	mu sync.Mutex

	callID    uuid.UUID
	startedAt time.Time
	outputDir string

	callerAudio []byte
	botAudio    []byte
	events      []Event
}

// New creates a Recorder for callID, rooted at baseDir/{call_id}_{timestamp}.
func New(callID uuid.UUID, baseDir string) *Recorder {
	now := time.Now()
	dirName := fmt.Sprintf("%s_%s", callID.String(), now.Format("20060102_150405"))
	return &Recorder{
		callID:    callID,
		startedAt: now,
		outputDir: filepath.Join(baseDir, dirName),
	}
}

// AppendCaller appends a frame of caller-side PCM16 audio at Rate.
func (r *Recorder) AppendCaller(pcm16 []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callerAudio = append(r.callerAudio, pcm16...)
}

// AppendBot appends a frame of bot-side PCM16 audio at Rate.
func (r *Recorder) AppendBot(pcm16 []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botAudio = append(r.botAudio, pcm16...)
}

// LogEvent appends one entry to the session event log, stamped with the
// current time.
func (r *Recorder) LogEvent(kind EventKind, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Timestamp: time.Now().UTC(), Kind: kind, Payload: payload})
}

// Metadata is the call_metadata.json artifact.
type Metadata struct {
	CallID          string    `json:"call_id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	CloseReasonCode string    `json:"close_reason_code"`
	CloseReason     string    `json:"close_reason"`
}

// Finalize writes every recording artifact to outputDir and returns the
// directory path. The caller/bot tracks are padded (never truncated) to
// equal length before the stereo mix is built, per the duration-mismatch
// resolution in DESIGN.md.
func (r *Recorder) Finalize(meta Metadata) (string, error) {
	r.mu.Lock()
	caller := append([]byte(nil), r.callerAudio...)
	bot := append([]byte(nil), r.botAudio...)
	events := append([]Event(nil), r.events...)
	r.mu.Unlock()

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("recording: create output dir: %w", err)
	}

	targetLen := len(caller)
	if len(bot) > targetLen {
		targetLen = len(bot)
	}
	caller = audio.PadToLength(caller, targetLen)
	bot = audio.PadToLength(bot, targetLen)

	if err := writeWAVChannels(filepath.Join(r.outputDir, "caller_audio.wav"), caller, Rate, 1); err != nil {
		return "", err
	}
	if err := writeWAVChannels(filepath.Join(r.outputDir, "bot_audio.wav"), bot, Rate, 1); err != nil {
		return "", err
	}

	stereo := interleaveStereo(caller, bot)
	if err := writeWAVChannels(filepath.Join(r.outputDir, "stereo_recording.wav"), stereo, Rate, 2); err != nil {
		return "", err
	}
	// final_stereo_recording.wav is the post-call rebuild; with no further
	// mutation possible once Finalize runs, it is byte-identical to the
	// live stereo mix.
	if err := writeWAVChannels(filepath.Join(r.outputDir, "final_stereo_recording.wav"), stereo, Rate, 2); err != nil {
		return "", err
	}

	transcript := make([]Event, 0, len(events))
	sessionEvents := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Kind == EventTranscript {
			transcript = append(transcript, e)
		} else {
			sessionEvents = append(sessionEvents, e)
		}
	}
	if err := writeJSON(filepath.Join(r.outputDir, "transcript.json"), transcript); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(r.outputDir, "session_events.json"), sessionEvents); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(r.outputDir, "call_metadata.json"), meta); err != nil {
		return "", err
	}

	return r.outputDir, nil
}

// interleaveStereo builds an L=caller, R=bot 16-bit stereo buffer from two
// equal-length mono PCM16 buffers.
func interleaveStereo(left, right []byte) []byte {
	n := len(left) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		copy(out[i*4:i*4+2], left[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], right[i*2:i*2+2])
	}
	return out
}

// writeWAVChannels writes a canonical 16-bit PCM WAV file with the given
// channel count (1 for the per-party tracks, 2 for the stereo mix).
func writeWAVChannels(path string, pcm16 []byte, rate, channels int) error {
	var buf bytes.Buffer

	blockAlign := channels * 2
	byteRate := rate * blockAlign
	dataSize := len(pcm16)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // PCM fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM format tag
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(pcm16)

	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("recording: marshal %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}
