package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
)

// ErrAborted is returned when the caller's context is cancelled while the stream is open. Callers use
// errors.Is(err, ErrAborted) to tell a user-initiated stop from a failure.
var ErrAborted = errors.New("stream aborted")

// ErrNoBody is returned by Open when a successful response carries no body to decode.
var ErrNoBody = errors.New("no stream body")

const (
	readBufferSize = 4096
	maxErrorBody   = 64 << 10
)

// StatusError reports a non-2xx response to the streaming request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		body = "stream request failed"
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// Stream is a pull-based reader of payloads over one response body. It is not safe for concurrent use.
type Stream struct {
	ctx  context.Context
	body io.ReadCloser
	dec  Decoder

	buf     []byte
	pending []string
	err     error

	closeOnce sync.Once
	stop      func() bool
}

// Open sends req with ctx attached and validates the response before any decoding starts. Non-2xx
// responses fail with a *StatusError carrying the response body; a missing body fails with ErrNoBody.
func Open(ctx context.Context, client *http.Client, req *http.Request) (*Stream, error) {
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, abortError(ctx)
		}
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, ErrNoBody
	}

	return New(ctx, resp.Body), nil
}

// New wraps an already-open body. The body is closed when the stream ends, fails, or ctx is cancelled,
// which also unblocks a Read that is waiting on the network.
func New(ctx context.Context, body io.ReadCloser) *Stream {
	s := &Stream{
		ctx:  ctx,
		body: body,
		buf:  make([]byte, readBufferSize),
	}
	s.stop = context.AfterFunc(ctx, s.release)
	return s
}

// Next returns the next payload. It returns io.EOF once the body is exhausted and every buffered
// payload was delivered, or an error wrapping ErrAborted once ctx is cancelled. Cancellation is
// checked before every payload and every read.
func (s *Stream) Next() (string, error) {
	for {
		if s.err == nil && s.ctx.Err() != nil {
			s.finish(abortError(s.ctx))
			s.pending = nil
		}
		if len(s.pending) > 0 {
			p := s.pending[0]
			s.pending = s.pending[1:]
			return p, nil
		}
		if s.err != nil {
			return "", s.err
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.dec.Feed(s.buf[:n])...)
		}
		if err == nil {
			continue
		}
		switch {
		case s.ctx.Err() != nil:
			s.finish(abortError(s.ctx))
			s.pending = nil
		case errors.Is(err, io.EOF):
			s.pending = append(s.pending, s.dec.Flush()...)
			s.finish(io.EOF)
		default:
			s.finish(fmt.Errorf("error reading stream: %w", err))
		}
	}
}

// All adapts the stream to a range-over-func iterator. The iterator ends silently at end of stream and
// yields a final error otherwise. Breaking out of the loop closes the body.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for {
			p, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Close releases the underlying body. It is safe to call more than once.
func (s *Stream) Close() error {
	s.stop()
	s.release()
	return nil
}

func (s *Stream) finish(err error) {
	if s.err == nil {
		s.err = err
	}
	s.Close()
}

func (s *Stream) release() {
	s.closeOnce.Do(func() {
		_ = s.body.Close()
	})
}

func abortError(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
}
