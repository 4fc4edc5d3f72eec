package transcribe_test

import (
	"encoding/binary"
	"testing"

	"github.com/MegaGrindStone/notebook-chat/internal/transcribe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestFloatToPCM16Clamps(t *testing.T) {
	got := samples(transcribe.FloatToPCM16([]float32{2, -2, 0, 1, -1}))
	assert.Equal(t, []int16{0x7fff, -0x8000, 0, 0x7fff, -0x8000}, got)
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.25, -0.25, 0.999, -1}
	out := transcribe.PCM16ToFloat(transcribe.FloatToPCM16(in))
	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1.0/0x7fff)
	}
}

func TestEncoderSameRatePassesThrough(t *testing.T) {
	enc := transcribe.NewEncoder(16000)
	out := enc.Encode(constant(4096, 0.1), 16000)
	assert.Len(t, out, 4096*2)
}

func TestEncoderCarriesTailAcrossBuffers(t *testing.T) {
	enc := transcribe.NewEncoder(16000)

	var total int
	for range 3 {
		total += len(enc.Encode(constant(4096, 0.5), 48000))
	}
	assert.Equal(t, 4096*2, total, "3x4096 samples at 48kHz is exactly 4096 at 16kHz")
}

func TestEncoderAverages(t *testing.T) {
	enc := transcribe.NewEncoder(16000)
	out := samples(enc.Encode([]float32{0.2, 0.4, 0.6, -0.6, -0.4, -0.2}, 48000))
	require.Len(t, out, 2)
	assert.InDelta(t, 0.4*0x7fff, out[0], 1)
	assert.InDelta(t, -0.4*0x8000, out[1], 1)
}

func TestEncoderRateChangeDropsTail(t *testing.T) {
	enc := transcribe.NewEncoder(16000)
	assert.Nil(t, enc.Encode([]float32{0.1}, 48000))

	out := enc.Encode([]float32{0.1, 0.1, 0.1}, 32000)
	assert.Len(t, out, 2, "only the three new samples are resampled")
}

func TestMinCommitBytes(t *testing.T) {
	assert.Equal(t, 3200, transcribe.MinCommitBytes(16000))
	assert.Equal(t, 8820, transcribe.MinCommitBytes(44100))
}

func TestRMS(t *testing.T) {
	assert.Zero(t, transcribe.RMS(nil))
	assert.InDelta(t, 0.5, transcribe.RMS(constant(10, -0.5)), 1e-9)
}
