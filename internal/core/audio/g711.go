package audio

// G.711 mu-law companding. Wire audio is narrowband mono mu-law at 8kHz;
// one 20ms frame is 160 bytes.

const (
	muLawBias = 0x84
	muLawClip = 32635

	// MuLawSilence is the mu-law encoding of a zero sample.
	MuLawSilence = 0xFF
)

// MuLawDecodeSample expands one mu-law byte into a linear PCM16 sample.
func MuLawDecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + muLawBias
	value <<= uint(exp)
	value -= muLawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// MuLawEncodeSample compands one linear PCM16 sample into a mu-law byte.
func MuLawEncodeSample(sample int16) byte {
	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias
	exp := byte(7)
	for mask := 0x4000; (s&mask) == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | (exp << 4) | mant)
}

// MuLawDecode expands a mu-law payload into linear PCM16 samples.
func MuLawDecode(payload []byte) []int16 {
	samples := make([]int16, len(payload))
	for i, u := range payload {
		samples[i] = MuLawDecodeSample(u)
	}
	return samples
}

// MuLawEncode compands linear PCM16 samples into a mu-law payload.
func MuLawEncode(samples []int16) []byte {
	payload := make([]byte, len(samples))
	for i, s := range samples {
		payload[i] = MuLawEncodeSample(s)
	}
	return payload
}

// SilenceFrame returns a mu-law frame of pure silence, n bytes long.
func SilenceFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = MuLawSilence
	}
	return frame
}
