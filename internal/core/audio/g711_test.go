package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMuLawSilence(t *testing.T) {
	assert.Equal(t, byte(MuLawSilence), MuLawEncodeSample(0))

	frame := SilenceFrame(160)
	require.Len(t, frame, 160)
	for _, b := range frame {
		assert.Equal(t, byte(MuLawSilence), b)
	}
}

func TestMuLawRoundTrip(t *testing.T) {
	// mu-law is lossy; the companding error grows with amplitude. Encoding
	// a decoded sample again must be exact, since decoded values sit on the
	// codec's quantization grid.
	for i := 0; i < 256; i++ {
		u := byte(i)
		sample := MuLawDecodeSample(u)
		got := MuLawEncodeSample(sample)
		if u == 0x7F {
			// Negative zero decodes to 0 and re-encodes as positive zero.
			assert.Equal(t, byte(0xFF), got)
			continue
		}
		assert.Equal(t, u, got, "byte 0x%02x", u)
	}
}

func TestMuLawEncodeClips(t *testing.T) {
	// Extremes must not overflow, just saturate.
	posMax := MuLawDecodeSample(MuLawEncodeSample(32767))
	negMax := MuLawDecodeSample(MuLawEncodeSample(-32768))
	assert.Greater(t, posMax, int16(30000))
	assert.Less(t, negMax, int16(-30000))
}

func TestMuLawDecodeSign(t *testing.T) {
	pos := MuLawDecodeSample(MuLawEncodeSample(1000))
	neg := MuLawDecodeSample(MuLawEncodeSample(-1000))
	assert.Positive(t, pos)
	assert.Negative(t, neg)
	assert.Equal(t, pos, -neg)
}

func TestMuLawBulkHelpers(t *testing.T) {
	samples := []int16{0, 100, -100, 5000, -5000, 32000, -32000}
	payload := MuLawEncode(samples)
	require.Len(t, payload, len(samples))

	decoded := MuLawDecode(payload)
	require.Len(t, decoded, len(samples))
	for i := range samples {
		diff := int(decoded[i]) - int(samples[i])
		if diff < 0 {
			diff = -diff
		}
		// Quantization error stays within ~3% of full scale at the top of
		// the range and much tighter near zero.
		assert.LessOrEqual(t, diff, 1000, "sample %d", i)
	}
}
