// Package transcribe streams captured audio to a realtime transcription backend and turns its events
// into a confidence-gated transcript.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/notebook-chat/internal/jsonwalk"
	"github.com/MegaGrindStone/notebook-chat/internal/models"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// State is the recording state of a session.
type State string

// ConnState is the state of the realtime channel.
type ConnState string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"

	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnReady        ConnState = "ready"
)

const (
	DefaultMaxStoredSegments = 500
	DefaultWarningInterval   = 2 * time.Second
	DefaultFinalizeTimeout   = 2 * time.Second
	DefaultStorageKey        = "note-transcription"

	levelDecay   = 0.6
	errLoggerKey = "err"
)

var (
	// ErrAlreadyRecording is returned by Start while a recording is active.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by operations that need an active recording.
	ErrNotRecording = errors.New("not recording")
)

// LowConfidenceWarning is surfaced when a finished segment is dropped for low confidence.
const LowConfidenceWarning = "Low confidence transcription was discarded"

// Options configure a session.
type Options struct {
	Endpoint string
	Params   Params
	// MinConfidence is the floor a scored segment must reach to enter the transcript. Segments the
	// backend sent no confidence evidence for are always accepted.
	MinConfidence float64

	MaxStoredSegments int
	WarningInterval   time.Duration
	FinalizeTimeout   time.Duration

	// Store persists the transcript under StorageKey across sessions. It may be nil.
	Store      SegmentStore
	StorageKey string

	Header http.Header
	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.Params.SampleRate == 0 {
		o.Params.SampleRate = DefaultSampleRate
	}
	if o.Params.VADThreshold == 0 {
		o.Params.VADThreshold = 0.5
	}
	if o.Params.SilenceDuration == 0 {
		o.Params.SilenceDuration = 500 * time.Millisecond
	}
	if o.Params.PrefixPadding == 0 {
		o.Params.PrefixPadding = 300 * time.Millisecond
	}
	if o.Params.NoiseReduction == "" {
		o.Params.NoiseReduction = "near_field"
	}
	if o.MaxStoredSegments <= 0 {
		o.MaxStoredSegments = DefaultMaxStoredSegments
	}
	if o.WarningInterval <= 0 {
		o.WarningInterval = DefaultWarningInterval
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if o.StorageKey == "" {
		o.StorageKey = DefaultStorageKey
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Endpoint, validation.Required),
		validation.Field(&o.MinConfidence, validation.Min(0.0), validation.Max(1.0)),
	)
}

// SegmentStore persists finalized transcript segments.
type SegmentStore interface {
	Segments(ctx context.Context, key string) ([]models.TranscriptSegment, error)
	SaveSegments(ctx context.Context, key string, segments []models.TranscriptSegment) error
}

// Hooks are called outside the session lock, in event order, from the session's goroutines.
type Hooks struct {
	OnReady    func(connectionID string)
	OnLiveText func(text string)
	OnSegment  func(models.TranscriptSegment)
	OnWarning  func(message string)
	OnError    func(err error)
}

// Snapshot is a copy of the observable session state.
type Snapshot struct {
	State        State
	Connection   ConnState
	ConnectionID string
	LiveText     string
	Segments     []models.TranscriptSegment
	Duration     time.Duration
	Level        float64
	Error        string
}

// Session is one realtime transcription engine. It owns at most one recording at a time, and every
// resource acquired for a recording is released when it stops, is cancelled, or fails.
type Session struct {
	opts    Options
	acquire Acquirer
	hooks   Hooks
	logger  *slog.Logger

	// opMu serializes Start and Stop. Cancel never takes it so it can interrupt a Stop.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     ConnState
	connID   string
	live     string
	errMsg   string
	level    float64
	loaded   bool
	saved    []models.TranscriptSegment
	segments []models.TranscriptSegment

	accumulated time.Duration
	resumedAt   time.Time

	tr       *transcript
	warnings *rate.Limiter
	run      *run
}

// NewSession validates opts and returns an idle session that captures audio from acquire.
func NewSession(acquire Acquirer, opts Options, hooks Hooks, logger *slog.Logger) (*Session, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("error validating transcription options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:     opts,
		acquire:  acquire,
		hooks:    hooks,
		logger:   logger.With(slog.String("module", "transcribe")),
		state:    StateIdle,
		conn:     ConnDisconnected,
		tr:       newTranscript(),
		warnings: rate.NewLimiter(rate.Every(opts.WarningInterval), 1),
	}, nil
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs := make([]models.TranscriptSegment, 0, len(s.saved)+len(s.segments))
	segs = append(segs, s.saved...)
	segs = append(segs, s.segments...)
	return Snapshot{
		State:        s.state,
		Connection:   s.conn,
		ConnectionID: s.connID,
		LiveText:     s.live,
		Segments:     segs,
		Duration:     s.elapsedLocked(),
		Level:        s.level,
		Error:        s.errMsg,
	}
}

// AudioDone is closed when the current recording stops consuming audio, for instance because its
// source reached end of input. It is already closed when nothing is recording.
func (s *Session) AudioDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.run.pumpDone
}

// Start acquires the audio source, opens the channel and begins recording. Audio is sent once the
// backend reports the session is ready.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	s.mu.Unlock()

	s.restore(ctx)

	if s.acquire == nil {
		return ErrUnsupported
	}
	src, err := s.acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring audio source: %w", err)
	}

	s.setConn(ConnConnecting)
	ch, err := Dial(ctx, s.opts.Dialer, s.opts.Endpoint, s.opts.Params, s.opts.Header)
	if err != nil {
		_ = src.Close()
		s.mu.Lock()
		s.conn = ConnDisconnected
		s.errMsg = err.Error()
		s.mu.Unlock()
		return err
	}

	r := newRun(ch, src, NewEncoder(s.opts.Params.SampleRate))

	s.mu.Lock()
	s.tr.reset()
	s.live = ""
	s.errMsg = ""
	s.connID = ""
	s.level = 0
	s.segments = nil
	s.accumulated = 0
	s.resumedAt = time.Now()
	s.state = StateRecording
	s.run = r
	s.mu.Unlock()

	go s.receive(r)
	go s.pump(r)

	s.logger.Info("Recording started", slog.Int("sampleRate", s.opts.Params.SampleRate))
	return nil
}

// Pause keeps the channel open but stops sending audio and accruing duration.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return ErrNotRecording
	}
	s.accumulated += time.Since(s.resumedAt)
	s.state = StatePaused
	return nil
}

// Resume continues a paused recording.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return ErrNotRecording
	}
	s.resumedAt = time.Now()
	s.state = StateRecording
	return nil
}

// Stop ends the recording. It stops accepting audio, sends a final commit if enough audio was sent
// since the last one, and waits up to FinalizeTimeout for the backend to acknowledge it before
// releasing everything. Segments finalized during the wait are kept.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateRecording && s.state != StatePaused {
		s.mu.Unlock()
		return ErrNotRecording
	}
	r := s.run
	if s.state == StateRecording {
		s.accumulated += time.Since(s.resumedAt)
	}
	s.state = StateStopping
	s.mu.Unlock()

	pending := r.closeInput()
	r.releaseAudio()

	committed := false
	if pending >= MinCommitBytes(s.opts.Params.SampleRate) {
		r.drainAck()
		if err := r.ch.Commit(); err != nil {
			s.logger.Warn("Final commit failed", slog.String(errLoggerKey, err.Error()))
		} else {
			committed = true
		}
	}

	if committed {
		timer := time.NewTimer(s.opts.FinalizeTimeout)
		select {
		case <-r.acked:
		case <-r.recvDone:
		case <-r.cancelled:
		case <-ctx.Done():
		case <-timer.C:
			s.logger.Info("No finalization acknowledgment, closing anyway")
		}
		timer.Stop()
	}

	r.teardown()
	<-r.recvDone
	<-r.pumpDone

	s.mu.Lock()
	if s.run == r {
		s.endRunLocked(true)
	}
	saved := slices.Clone(s.saved)
	s.mu.Unlock()

	s.persist(ctx, saved)
	s.logger.Info("Recording stopped", slog.Int("segments", len(saved)))
	return nil
}

// Cancel abandons the recording at once. Live text and the segments of this recording are discarded
// and nothing waits for the backend.
func (s *Session) Cancel() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.segments = nil
	s.tr.reset()
	s.live = ""
	s.level = 0
	s.accumulated = 0
	s.state = StateIdle
	s.conn = ConnDisconnected
	s.connID = ""
	s.mu.Unlock()

	if r != nil {
		r.abort()
		r.teardown()
		s.logger.Debug("Recording cancelled")
	}
}

// Close releases any recording in progress, discarding it.
func (s *Session) Close() error {
	s.Cancel()
	return nil
}

// ClearTranscript drops the stored transcript. It fails while recording.
func (s *Session) ClearTranscript(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	s.saved = nil
	s.mu.Unlock()

	s.persist(ctx, nil)
	return nil
}

func (s *Session) receive(r *run) {
	defer close(r.recvDone)

	for {
		data, err := r.ch.Receive()
		if err != nil {
			s.channelEnded(r, err)
			return
		}
		evt, ok := jsonwalk.Parse(string(data))
		if !ok {
			s.logger.Debug("Skipping non-JSON realtime frame", slog.Int("bytes", len(data)))
			continue
		}
		s.handle(r, evt)
	}
}

func (s *Session) handle(r *run, evt gjson.Result) {
	var notes []func()

	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}

	u := s.tr.handle(evt)
	if u.ready {
		r.markReady()
		s.conn = ConnReady
		if u.sessionID != "" {
			s.connID = u.sessionID
		}
		if fn := s.hooks.OnReady; fn != nil {
			id := s.connID
			notes = append(notes, func() { fn(id) })
		}
	}
	if u.committed {
		r.resetPending()
		// Commits made by server VAD while recording do not answer the final commit.
		if s.state == StateStopping {
			r.signalAck()
		}
	}
	if u.err != "" {
		s.errMsg = u.err
		s.logger.Warn("Realtime service error", slog.String(errLoggerKey, u.err))
		if fn := s.hooks.OnError; fn != nil {
			err := errors.New(u.err)
			notes = append(notes, func() { fn(err) })
		}
	}
	if u.final != nil {
		notes = append(notes, s.finalizeLocked(u.final)...)
		if s.state == StateStopping {
			r.signalAck()
		}
	}
	if u.live {
		s.live = s.tr.live
		if fn := s.hooks.OnLiveText; fn != nil {
			live := s.live
			notes = append(notes, func() { fn(live) })
		}
	}
	s.mu.Unlock()

	for _, n := range notes {
		n()
	}
}

// finalizeLocked applies the confidence floor and appends the segment when it passes.
func (s *Session) finalizeLocked(f *finalText) []func() {
	if f.scored && f.confidence < s.opts.MinConfidence {
		s.logger.Info("Dropped low confidence segment",
			slog.Float64("confidence", f.confidence), slog.Float64("floor", s.opts.MinConfidence))
		if !s.warnings.Allow() {
			return nil
		}
		if fn := s.hooks.OnWarning; fn != nil {
			return []func(){func() { fn(LowConfidenceWarning) }}
		}
		return nil
	}

	secs := int(s.elapsedLocked() / time.Second)
	if f.hasOffset {
		secs = int(f.offsetMS / 1000)
	}
	seg := models.TranscriptSegment{
		ID:        "seg-" + uuid.New().String(),
		Timestamp: models.FormatTimestamp(secs),
		Text:      f.text,
	}
	if f.scored {
		c := f.confidence
		seg.Confidence = &c
	}
	s.segments = append(s.segments, seg)
	s.trimLocked()

	if fn := s.hooks.OnSegment; fn != nil {
		return []func(){func() { fn(seg) }}
	}
	return nil
}

// trimLocked keeps the newest MaxStoredSegments across the stored and current transcript.
func (s *Session) trimLocked() {
	over := len(s.saved) + len(s.segments) - s.opts.MaxStoredSegments
	if over <= 0 {
		return
	}
	drop := min(over, len(s.saved))
	s.saved = slices.Delete(s.saved, 0, drop)
	over -= drop
	if over > 0 {
		s.segments = slices.Delete(s.segments, 0, over)
	}
}

// channelEnded handles the receive loop ending. Unless the session itself is closing the channel,
// this is a transport failure that stops the recording.
func (s *Session) channelEnded(r *run, err error) {
	s.mu.Lock()
	if s.run != r || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	if errors.Is(err, ErrClosed) {
		err = errors.New("realtime channel closed by server")
	}
	s.failLocked(r, err)
}

// pump moves audio from the source to the channel until the run ends.
func (s *Session) pump(r *run) {
	defer close(r.pumpDone)

	select {
	case <-r.ready:
	case <-r.ctx.Done():
		return
	}

	for {
		frame, err := r.source.Read(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.mu.Lock()
			if s.run != r || s.state == StateStopping {
				s.mu.Unlock()
				return
			}
			s.failLocked(r, err)
			return
		}

		s.mu.Lock()
		if s.run != r {
			s.mu.Unlock()
			return
		}
		recording := s.state == StateRecording
		if recording {
			s.level = s.level*levelDecay + RMS(frame.Samples)*(1-levelDecay)
		}
		s.mu.Unlock()
		if !recording {
			continue
		}

		pcm := r.enc.Encode(frame.Samples, frame.SampleRate)
		if len(pcm) == 0 {
			continue
		}
		if err := r.appendAudio(pcm); err != nil {
			s.logger.Debug("Append failed", slog.String(errLoggerKey, err.Error()))
		}
	}
}

// failLocked ends the run after a transport or capture failure, keeping finalized segments. It
// releases s.mu.
func (s *Session) failLocked(r *run, err error) {
	if s.state == StateRecording {
		s.accumulated += time.Since(s.resumedAt)
	}
	s.errMsg = err.Error()
	s.endRunLocked(true)
	saved := slices.Clone(s.saved)
	s.mu.Unlock()

	r.abort()
	r.teardown()
	s.logger.Error("Recording failed", slog.String(errLoggerKey, err.Error()))
	if fn := s.hooks.OnError; fn != nil {
		fn(err)
	}
	s.persist(context.Background(), saved)
}

func (s *Session) endRunLocked(keep bool) {
	if keep {
		s.saved = append(s.saved, s.segments...)
	}
	s.segments = nil
	s.tr.reset()
	s.live = ""
	s.level = 0
	s.state = StateIdle
	s.conn = ConnDisconnected
	s.run = nil
}

func (s *Session) elapsedLocked() time.Duration {
	if s.state == StateRecording {
		return s.accumulated + time.Since(s.resumedAt)
	}
	return s.accumulated
}

func (s *Session) setConn(c ConnState) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *Session) restore(ctx context.Context) {
	s.mu.Lock()
	loaded := s.loaded
	s.loaded = true
	s.mu.Unlock()
	if loaded || s.opts.Store == nil {
		return
	}

	segs, err := s.opts.Store.Segments(ctx, s.opts.StorageKey)
	if err != nil {
		s.logger.Error("Error loading transcript", slog.String(errLoggerKey, err.Error()))
		return
	}
	s.mu.Lock()
	s.saved = segs
	s.trimLocked()
	s.mu.Unlock()
}

func (s *Session) persist(ctx context.Context, segs []models.TranscriptSegment) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.SaveSegments(context.WithoutCancel(ctx), s.opts.StorageKey, segs); err != nil {
		s.logger.Error("Error saving transcript", slog.String(errLoggerKey, err.Error()))
	}
}

// run holds the resources of one recording.
type run struct {
	ch     *Channel
	source AudioSource
	enc    *Encoder

	ctx context.Context
	// stop ends the pump. abort also signals that the recording was cancelled.
	stop  context.CancelFunc
	abort func()

	ready     chan struct{}
	readyOnce sync.Once
	acked     chan struct{}
	cancelled chan struct{}
	pumpDone  chan struct{}
	recvDone  chan struct{}

	sendMu    sync.Mutex
	accepting bool
	pending   int

	audioOnce sync.Once
	closeOnce sync.Once
	abortOnce sync.Once
}

func newRun(ch *Channel, src AudioSource, enc *Encoder) *run {
	ctx, stop := context.WithCancel(context.Background())
	r := &run{
		ch:        ch,
		source:    src,
		enc:       enc,
		ctx:       ctx,
		stop:      stop,
		ready:     make(chan struct{}),
		acked:     make(chan struct{}, 1),
		cancelled: make(chan struct{}),
		pumpDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		accepting: true,
	}
	r.abort = func() {
		r.abortOnce.Do(func() { close(r.cancelled) })
		stop()
	}
	return r
}

func (r *run) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

func (r *run) signalAck() {
	select {
	case r.acked <- struct{}{}:
	default:
	}
}

func (r *run) drainAck() {
	select {
	case <-r.acked:
	default:
	}
}

func (r *run) appendAudio(pcm []byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if !r.accepting {
		return nil
	}
	if err := r.ch.Append(pcm); err != nil {
		return err
	}
	r.pending += len(pcm)
	return nil
}

// closeInput stops any further append and returns the bytes sent since the last commit.
func (r *run) closeInput() int {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.accepting = false
	return r.pending
}

func (r *run) resetPending() {
	r.sendMu.Lock()
	r.pending = 0
	r.sendMu.Unlock()
}

// releaseAudio stops the pump and closes the capture source.
func (r *run) releaseAudio() {
	r.audioOnce.Do(func() {
		r.stop()
		_ = r.source.Close()
	})
}

// teardown releases every resource of the run. It is safe to call from any goroutine, any number of
// times.
func (r *run) teardown() {
	r.closeOnce.Do(func() {
		r.releaseAudio()
		_ = r.ch.Close()
	})
}
