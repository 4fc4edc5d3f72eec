package transcribe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// ErrUnsupported is returned when an audio source cannot be acquired on this host.
var ErrUnsupported = errors.New("audio capture not supported")

// DefaultFrameSize is the number of samples per captured buffer.
const DefaultFrameSize = 4096

// Frame is one buffer of mono samples at SampleRate.
type Frame struct {
	Samples    []float32
	SampleRate int
}

// AudioSource delivers captured mono audio in fixed-size frames. Read returns io.EOF once the source is
// exhausted. Close releases the capture device and must unblock a pending Read.
type AudioSource interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Acquirer opens an audio source for one recording. Permission and capability failures are returned
// here, before the session enters the recording state.
type Acquirer func(ctx context.Context) (AudioSource, error)

// SampleFormat is the encoding of raw samples read from a stream.
type SampleFormat int

const (
	// FormatPCM16 is signed 16-bit little-endian.
	FormatPCM16 SampleFormat = iota
	// FormatFloat32 is IEEE 754 float32 little-endian.
	FormatFloat32
)

func (f SampleFormat) bytesPerSample() int {
	switch f {
	case FormatPCM16:
		return 2
	case FormatFloat32:
		return 4
	}
	return 0
}

// ReaderSource reads raw mono samples from an io.Reader, such as a file or a capture tool's stdout.
type ReaderSource struct {
	r      io.Reader
	rate   int
	format SampleFormat
	buf    []byte

	// Realtime paces Read to the audio's own duration, as a microphone would.
	Realtime bool
	next     time.Time
}

// NewReaderSource returns a source over r. If r is an io.Closer it is closed by Close.
func NewReaderSource(r io.Reader, rate int, format SampleFormat) (*ReaderSource, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no input", ErrUnsupported)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrUnsupported, rate)
	}
	bps := format.bytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("%w: sample format %d", ErrUnsupported, format)
	}
	return &ReaderSource{
		r:      r,
		rate:   rate,
		format: format,
		buf:    make([]byte, DefaultFrameSize*bps),
	}, nil
}

// Read returns the next frame. A short final frame is returned before io.EOF.
func (s *ReaderSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		return Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
	case err != nil:
		return Frame{}, fmt.Errorf("error reading audio: %w", err)
	}

	frame := Frame{Samples: s.decode(s.buf[:n]), SampleRate: s.rate}
	if s.Realtime {
		if err := s.pace(ctx, len(frame.Samples)); err != nil {
			return Frame{}, err
		}
	}
	return frame, nil
}

func (s *ReaderSource) decode(b []byte) []float32 {
	if s.format == FormatPCM16 {
		return PCM16ToFloat(b)
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (s *ReaderSource) pace(ctx context.Context, samples int) error {
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	s.next = s.next.Add(time.Duration(samples) * time.Second / time.Duration(s.rate))

	timer := time.NewTimer(s.next.Sub(now))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying reader when it is closable.
func (s *ReaderSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
