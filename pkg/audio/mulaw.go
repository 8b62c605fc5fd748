package audio

import "encoding/binary"

// G.711 mu-law decode table: maps each mu-law byte to a 16-bit linear PCM
// sample. Built once at init so the hot path is a slice lookup rather than
// per-sample bit twiddling.
var ulawToLinear [256]int16

// G.711 mu-law encode table, indexed by the sample's uint16 bit pattern.
var linearToUlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlawByte(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlawSample(int16(i))
	}
}

func decodeUlawByte(u uint8) int16 {
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int16((u >> 4) & 0x07)
	mantissa := int16(u & 0x0F)
	sample := ((mantissa << 3) + 0x84) << uint(exponent)
	sample -= 0x84
	return sign * sample
}

func encodeUlawSample(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		if sample == minInt16 {
			sample = minInt16 + 1
		}
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := int16(7)
	for exp := int16(0); exp < 7; exp++ {
		if sample <= int16(1)<<(exp+8)-1 {
			exponent = exp
			break
		}
	}
	mantissa := (sample >> uint(exponent+3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

const minInt16 = -32768

// MulawToPCM16 decodes an 8-bit mu-law buffer into 16-bit little-endian PCM
// at the same sample rate (no resampling).
func MulawToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(ulawToLinear[b]))
	}
	return out
}

// PCM16ToMulaw encodes 16-bit little-endian PCM into 8-bit mu-law at the
// same sample rate.
func PCM16ToMulaw(pcm16 []byte) ([]byte, error) {
	if len(pcm16)%2 != 0 {
		return nil, ErrInvalidFormat
	}
	n := len(pcm16) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm16[i*2 : i*2+2]))
		out[i] = linearToUlaw[uint16(sample)]
	}
	return out, nil
}
