package transcribe

import (
	"encoding/binary"
	"math"
)

// DefaultSampleRate is the PCM rate sent to the backend unless configured otherwise.
const DefaultSampleRate = 16000

// Encoder converts float sample buffers at any hardware rate into PCM16 little-endian at one fixed
// target rate. When the rates differ it resamples by averaging the source samples that fall into each
// output sample, carrying the unconsumed tail over to the next buffer so no audio is lost at buffer
// boundaries. An Encoder is not safe for concurrent use.
type Encoder struct {
	target   int
	lastRate int
	pending  []float32
}

// NewEncoder returns an encoder producing PCM16 at targetRate.
func NewEncoder(targetRate int) *Encoder {
	return &Encoder{target: targetRate, lastRate: targetRate}
}

// Encode returns the PCM16 bytes for chunk, or nil when the chunk did not complete an output sample.
func (e *Encoder) Encode(chunk []float32, sourceRate int) []byte {
	if len(chunk) == 0 {
		return nil
	}
	if sourceRate == e.target || sourceRate <= 0 {
		e.pending = nil
		return FloatToPCM16(chunk)
	}
	if sourceRate != e.lastRate {
		e.pending = nil
		e.lastRate = sourceRate
	}

	ratio := float64(sourceRate) / float64(e.target)
	data := append(e.pending, chunk...)
	expected := int(math.Floor(float64(len(data)) / ratio))
	if expected <= 0 {
		e.pending = data
		return nil
	}

	out := make([]byte, 0, expected*2)
	inputIndex := 0.0
	for i := 0; i < expected; i++ {
		next := float64(i+1) * ratio
		start := int(math.Floor(inputIndex))
		end := min(int(math.Floor(next)), len(data))
		if end <= start {
			break
		}
		var sum float64
		for _, s := range data[start:end] {
			sum += float64(s)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(toInt16(sum/float64(end-start))))
		inputIndex = next
	}

	consumed := int(math.Floor(float64(expected) * ratio))
	if consumed < len(data) {
		e.pending = append([]float32(nil), data[consumed:]...)
	} else {
		e.pending = nil
	}
	return out
}

// Reset drops any carried-over samples.
func (e *Encoder) Reset() {
	e.pending = nil
	e.lastRate = e.target
}

// FloatToPCM16 clamps samples to [-1, 1] and encodes them as signed 16-bit little-endian.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(toInt16(float64(s))))
	}
	return out
}

// PCM16ToFloat decodes signed 16-bit little-endian samples. A trailing odd byte is ignored.
func PCM16ToFloat(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(b[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7fff
		}
	}
	return out
}

func toInt16(s float64) int16 {
	s = max(-1, min(1, s))
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// RMS is the root mean square level of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// MinCommitBytes is the PCM16 size of 100ms of audio at rate. Committing less makes some backends
// reject the commit as an empty buffer.
func MinCommitBytes(rate int) int {
	return int(math.Ceil(float64(rate)*0.1)) * 2
}
