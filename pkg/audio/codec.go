// Package audio converts and reframes the PCM16/mulaw audio that flows
// between a telephony peer and a realtime model peer. It has no knowledge
// of WebSockets, sessions, or call state; every function here is a pure
// transform over a byte slice.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidFormat is returned when a buffer's length isn't a whole number
// of 16-bit samples.
var ErrInvalidFormat = errors.New("audio: buffer length is not a multiple of 2 bytes")

// ErrUnsupportedRate is returned for a sample rate this package doesn't
// know how to resample to or from.
var ErrUnsupportedRate = errors.New("audio: unsupported sample rate")

// supportedRates enumerates the telephony and model sample rates this
// bridge is specified to move audio between.
var supportedRates = map[int]bool{8000: true, 16000: true, 24000: true}

// Format describes a PCM or mulaw audio stream.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   string // "pcm16" or "mulaw"
}

// DurationMs returns the duration, in milliseconds, of a PCM16 mono buffer
// sampled at rate.
func DurationMs(pcm16 []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	samples := len(pcm16) / 2
	return samples * 1000 / rate
}

// Resample converts PCM16 mono audio from srcRate to dstRate using linear
// interpolation. It is exact when srcRate == dstRate, and tolerates up to
// one sample of drift from true band-limited resampling otherwise - callers
// bridging telephony and model rates (8000/16000/24000) don't need more.
func Resample(pcm16 []byte, srcRate, dstRate int) ([]byte, error) {
	if len(pcm16)%2 != 0 {
		return nil, ErrInvalidFormat
	}
	if !supportedRates[srcRate] || !supportedRates[dstRate] {
		return nil, ErrUnsupportedRate
	}
	if srcRate == dstRate {
		out := make([]byte, len(pcm16))
		copy(out, pcm16)
		return out, nil
	}

	numIn := len(pcm16) / 2
	if numIn == 0 {
		return []byte{}, nil
	}

	// nearest, tie to even: round(x*ratio) with ties resolved toward the
	// closest even integer, so repeated round trips don't drift upward.
	numOut := roundTiesToEven(float64(numIn) * float64(dstRate) / float64(srcRate))
	if numOut < 1 {
		numOut = 1
	}

	out := make([]byte, numOut*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < numOut; i++ {
		srcPos := float64(i) * ratio
		srcIndex := int(srcPos)
		if srcIndex >= numIn-1 {
			srcIndex = numIn - 2
			if srcIndex < 0 {
				srcIndex = 0
			}
		}
		frac := srcPos - float64(srcIndex)

		s1 := readSample(pcm16, srcIndex)
		var s2 int16
		if srcIndex+1 < numIn {
			s2 = readSample(pcm16, srcIndex+1)
		} else {
			s2 = s1
		}

		interpolated := float64(s1)*(1-frac) + float64(s2)*frac
		writeSample(out, i, clampInt16(interpolated))
	}

	return out, nil
}

func roundTiesToEven(x float64) int {
	floor := math.Floor(x)
	diff := x - floor
	switch {
	case diff < 0.5:
		return int(floor)
	case diff > 0.5:
		return int(floor) + 1
	default:
		if int(floor)%2 == 0 {
			return int(floor)
		}
		return int(floor) + 1
	}
}

func readSample(pcm16 []byte, index int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm16[index*2 : index*2+2]))
}

func writeSample(pcm16 []byte, index int, sample int16) {
	binary.LittleEndian.PutUint16(pcm16[index*2:index*2+2], uint16(sample))
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Chunk splits a PCM16 mono buffer into frameMs-duration frames at rate.
// A trailing partial frame is zero-padded out to the full frame size.
func Chunk(pcm16 []byte, frameMs, rate int) ([][]byte, error) {
	if len(pcm16)%2 != 0 {
		return nil, ErrInvalidFormat
	}
	if !supportedRates[rate] {
		return nil, ErrUnsupportedRate
	}
	frameBytes := (rate * frameMs / 1000) * 2
	if frameBytes <= 0 {
		return nil, fmt.Errorf("audio: frame size resolves to zero bytes for frameMs=%d rate=%d", frameMs, rate)
	}

	var frames [][]byte
	for off := 0; off < len(pcm16); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm16) {
			padded := make([]byte, frameBytes)
			copy(padded, pcm16[off:])
			frames = append(frames, padded)
			break
		}
		frame := make([]byte, frameBytes)
		copy(frame, pcm16[off:end])
		frames = append(frames, frame)
	}
	return frames, nil
}

// Split breaks data into chunkSize-byte pieces, the last possibly shorter.
// Unlike Chunk it performs no padding or rate awareness - it's a raw
// transport-framing helper for encoded (e.g. mulaw) payloads.
func Split(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = 320
	}
	var chunks [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// Concat joins audio buffers in order.
func Concat(buffers ...[]byte) []byte {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out
}

// ApplyGain scales PCM16 mono samples by gain, clamping on overflow.
func ApplyGain(pcm16 []byte, gain float64) ([]byte, error) {
	if len(pcm16)%2 != 0 {
		return nil, ErrInvalidFormat
	}
	out := make([]byte, len(pcm16))
	n := len(pcm16) / 2
	for i := 0; i < n; i++ {
		s := readSample(pcm16, i)
		writeSample(out, i, clampInt16(float64(s)*gain))
	}
	return out, nil
}

// Mix averages N same-length PCM16 mono buffers into one, used to build the
// combined recording artifact from independent caller/bot tracks.
func Mix(streams ...[]byte) ([]byte, error) {
	if len(streams) == 0 {
		return nil, errors.New("audio: no streams to mix")
	}
	length := len(streams[0])
	if length%2 != 0 {
		return nil, ErrInvalidFormat
	}
	for _, s := range streams {
		if len(s) != length {
			return nil, errors.New("audio: mix inputs must be the same length")
		}
	}

	out := make([]byte, length)
	n := length / 2
	for i := 0; i < n; i++ {
		var sum int32
		for _, s := range streams {
			sum += int32(readSample(s, i))
		}
		writeSample(out, i, clampInt16(float64(sum)/float64(len(streams))))
	}
	return out, nil
}

// PadToLength right-pads a PCM16 mono buffer with silence so its length in
// bytes matches target. It never truncates: if pcm16 is already at least
// target bytes long it is returned unchanged.
func PadToLength(pcm16 []byte, targetBytes int) []byte {
	if len(pcm16) >= targetBytes {
		return pcm16
	}
	out := make([]byte, targetBytes)
	copy(out, pcm16)
	return out
}
