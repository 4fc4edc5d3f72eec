package stream_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/notebook-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestOpenStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)

	_, err = stream.Open(context.Background(), srv.Client(), req)
	require.Error(t, err)

	var se *stream.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Contains(t, se.Error(), "HTTP 502")
	assert.Contains(t, se.Error(), "upstream exploded")
	assert.NotErrorIs(t, err, stream.ErrAborted)
}

func TestOpenAndRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, e := range events {
			_, _ = io.WriteString(w, "data: "+e+"\n\n")
			f.Flush()
		}
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("{}"))
	require.NoError(t, err)

	s, err := stream.Open(context.Background(), srv.Client(), req)
	require.NoError(t, err)

	var got []string
	for p, err := range s.All() {
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, events, got)
}

func TestNextEOFFlushesTail(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader("{\"a\":1}\n{\"b\":2}")}
	s := stream.New(context.Background(), body)

	p, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, p)

	p, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, p)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, body.closed)
}

func TestCancelBeforeRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	body := &trackingBody{Reader: strings.NewReader(ndjson(events))}
	s := stream.New(ctx, body)

	p, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, events[0], p)

	// Payloads already decoded from the same read must not leak out after cancellation.
	cancel()
	_, err = s.Next()
	require.ErrorIs(t, err, stream.ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, body.closed)

	_, err = s.Next()
	assert.ErrorIs(t, err, stream.ErrAborted)
}

func TestCancelUnblocksPendingRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := stream.New(ctx, pr)

	go func() {
		_, _ = io.WriteString(pw, events[0]+"\n")
	}()

	p, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, events[0], p)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Next()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, stream.ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func TestReadFailureIsNotAbort(t *testing.T) {
	boom := errors.New("connection reset")
	s := stream.New(context.Background(), io.NopCloser(io.MultiReader(
		strings.NewReader(events[0]+"\n"),
		iotest{err: boom},
	)))

	var got []string
	var gotErr error
	for p, err := range s.All() {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, p)
	}

	assert.Equal(t, events[:1], got)
	require.ErrorIs(t, gotErr, boom)
	assert.NotErrorIs(t, gotErr, stream.ErrAborted)
}

type iotest struct {
	err error
}

func (r iotest) Read([]byte) (int, error) {
	return 0, r.err
}
