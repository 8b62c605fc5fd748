package recording

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplesToPCM16(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(i))
	}
	return out
}

func TestFinalizeWritesAllArtifacts(t *testing.T) {
	dir := t.TempDir()
	rec := New(uuid.New(), dir)

	rec.AppendCaller(samplesToPCM16(100))
	rec.AppendBot(samplesToPCM16(40))
	rec.LogEvent(EventSession, map[string]string{"event": "call started"})
	rec.LogEvent(EventTranscript, map[string]string{"text": "hello"})

	outDir, err := rec.Finalize(Metadata{CallID: "c1", CloseReasonCode: "normal", CloseReason: "done"})
	require.NoError(t, err)

	for _, name := range []string{
		"caller_audio.wav", "bot_audio.wav", "stereo_recording.wav",
		"final_stereo_recording.wav", "transcript.json", "session_events.json",
		"call_metadata.json",
	} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, "expected artifact %s", name)
	}
}

func TestFinalizePadsShorterTrackRatherThanTruncating(t *testing.T) {
	dir := t.TempDir()
	rec := New(uuid.New(), dir)
	rec.AppendCaller(samplesToPCM16(100))
	rec.AppendBot(samplesToPCM16(40))

	outDir, err := rec.Finalize(Metadata{})
	require.NoError(t, err)

	stereo, err := os.ReadFile(filepath.Join(outDir, "stereo_recording.wav"))
	require.NoError(t, err)

	// 44-byte header + 100 frames * 2 channels * 2 bytes/sample
	assert.Equal(t, 44+100*4, len(stereo))
}

func TestWAVHeaderFields(t *testing.T) {
	dir := t.TempDir()
	rec := New(uuid.New(), dir)
	rec.AppendCaller(samplesToPCM16(10))

	outDir, err := rec.Finalize(Metadata{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outDir, "caller_audio.wav"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 44)

	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[22:24]), "mono channel count")
	assert.Equal(t, uint32(Rate), binary.LittleEndian.Uint32(data[24:28]), "sample rate")
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(data[34:36]), "bits per sample")
}
