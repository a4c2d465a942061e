package audio

import (
	"encoding/binary"
	"math"
)

// ResampleLinearInt16 performs a simple linear resample to target sample rate.
// Quality is adequate for narrowband telephony audio; anything above 4kHz is
// already gone on the wire.
func ResampleLinearInt16(in []int16, fromRate, toRate int) []int16 {
	if len(in) == 0 || fromRate == toRate {
		return append([]int16(nil), in...)
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Round(float64(len(in)) / ratio))
	if outLen <= 0 {
		return []int16{}
	}

	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		s0 := int(srcPos)
		if s0 >= len(in) {
			s0 = len(in) - 1
		}
		s1 := s0 + 1
		if s1 >= len(in) {
			s1 = len(in) - 1
		}
		frac := srcPos - float64(s0)
		out[i] = int16((1-frac)*float64(in[s0]) + frac*float64(in[s1]))
	}
	return out
}

// PCM16ToBytes serializes samples as little-endian PCM16.
func PCM16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return data
}

// BytesToPCM16 parses little-endian PCM16 bytes into samples. A trailing odd
// byte is dropped.
func BytesToPCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples
}

// WireToModel converts one wire frame (mu-law 8kHz) into model input bytes
// (PCM16 little-endian at the model rate).
func WireToModel(payload []byte, modelRate int) []byte {
	pcm := MuLawDecode(payload)
	if modelRate != 8000 {
		pcm = ResampleLinearInt16(pcm, 8000, modelRate)
	}
	return PCM16ToBytes(pcm)
}

// ModelToWire converts model output bytes (PCM16 little-endian at the model
// rate) into a mu-law 8kHz wire payload.
func ModelToWire(data []byte, modelRate int) []byte {
	pcm := BytesToPCM16(data)
	if modelRate != 8000 {
		pcm = ResampleLinearInt16(pcm, modelRate, 8000)
	}
	return MuLawEncode(pcm)
}
