package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	maxUploadBytes     = 25 << 20
	defaultSampleRate  = 16000
	maxRealtimeBuffer  = 32 << 20
	realtimeWriteLimit = 5 * time.Second
)

type transcriptionResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Filtered   bool     `json:"filtered,omitempty"`
}

// HandleTranscription transcribes one uploaded audio file.
func (m *Main) HandleTranscription(w http.ResponseWriter, r *http.Request) {
	if m.transcriber == nil {
		writeDetail(w, http.StatusNotImplemented, "transcription is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file is required")
		return
	}
	defer f.Close()

	floor, err := optionalFloat(r.FormValue("min_confidence"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "min_confidence must be a number")
		return
	}
	temperature, err := optionalFloat(r.FormValue("temperature"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "temperature must be a number")
		return
	}

	res, err := m.transcriber.Transcribe(r.Context(), models.TranscriptionRequest{
		Filename:    hdr.Filename,
		Audio:       f,
		Model:       r.FormValue("model_key"),
		Language:    r.FormValue("language"),
		Prompt:      r.FormValue("prompt"),
		Temperature: temperature,
	})
	if err != nil {
		m.logger.Error("Error transcribing upload", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}

	out := transcriptionResponse{Text: strings.TrimSpace(res.Text), Confidence: res.Confidence}
	if belowFloor(res.Confidence, floor) {
		out.Text = ""
		out.Filtered = true
	}
	writeJSON(w, http.StatusOK, out)
}

func optionalFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// belowFloor reports whether a known confidence falls under the floor. Unknown confidence passes.
func belowFloor(confidence, floor *float64) bool {
	return confidence != nil && floor != nil && *confidence < *floor
}

// realtimeSession is one realtime transcription connection. Only the read loop writes to conn.
type realtimeSession struct {
	id         string
	conn       *websocket.Conn
	sampleRate int
	model      string
	language   string
	floor      *float64

	buf       bytes.Buffer
	offsetMS  int64
	committed int
}

// HandleRealtime speaks the realtime transcription protocol. Appended PCM16 audio buffers on the
// server until a commit, when the buffer is transcribed in one shot.
func (m *Main) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rate := defaultSampleRate
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeDetail(w, http.StatusBadRequest, "sample_rate must be a positive integer")
			return
		}
		rate = n
	}
	floor, err := optionalFloat(q.Get("min_confidence"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "min_confidence must be a number")
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Failed to upgrade realtime connection", slog.String(errLoggerKey, err.Error()))
		return
	}

	ctx, done := m.track(r.Context())
	defer done()

	s := &realtimeSession{
		id:         "sess_" + uuid.New().String(),
		conn:       conn,
		sampleRate: rate,
		model:      q.Get("model_key"),
		language:   q.Get("language"),
		floor:      floor,
	}
	logger := m.logger.With(slog.String("session", s.id))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()
	defer conn.Close()

	if err := s.write(map[string]any{"type": "session.created", "session": map[string]string{"id": s.id}}); err != nil {
		return
	}
	logger.Info("Realtime session started", slog.Int("sample_rate", rate))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				ctx.Err() == nil {
				logger.Warn("Realtime read failed", slog.String(errLoggerKey, err.Error()))
			}
			logger.Info("Realtime session ended", slog.Int("commits", s.committed))
			return
		}
		if err := m.handleRealtimeFrame(ctx, s, data); err != nil {
			logger.Warn("Realtime write failed", slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

func (m *Main) handleRealtimeFrame(ctx context.Context, s *realtimeSession, data []byte) error {
	if !gjson.ValidBytes(data) {
		return s.writeError("invalid event")
	}
	evt := gjson.ParseBytes(data)

	switch typ := evt.Get("type").Str; typ {
	case "input_audio_buffer.append":
		pcm, err := base64.StdEncoding.DecodeString(evt.Get("audio").Str)
		if err != nil {
			return s.writeError("audio must be base64")
		}
		if s.buf.Len()+len(pcm) > maxRealtimeBuffer {
			return s.writeError("audio buffer is full, commit first")
		}
		s.buf.Write(pcm)
		return nil

	case "input_audio_buffer.clear":
		s.buf.Reset()
		return s.write(map[string]string{"type": "input_audio_buffer.cleared"})

	case "input_audio_buffer.commit":
		return m.commit(ctx, s)

	default:
		return s.writeError(fmt.Sprintf("unsupported event type %q", typ))
	}
}

func (m *Main) commit(ctx context.Context, s *realtimeSession) error {
	if s.buf.Len() == 0 {
		return s.writeError("input audio buffer is empty")
	}
	if m.transcriber == nil {
		s.buf.Reset()
		return s.writeError("transcription is not configured")
	}

	pcm := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	itemID := "item_" + uuid.New().String()
	startMS := s.offsetMS
	s.offsetMS += int64(len(pcm)/2) * 1000 / int64(s.sampleRate)
	s.committed++

	res, err := m.transcriber.Transcribe(ctx, models.TranscriptionRequest{
		Filename: itemID + ".wav",
		Audio:    bytes.NewReader(wavFile(pcm, s.sampleRate)),
		Model:    s.model,
		Language: s.language,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		m.logger.Error("Error transcribing committed audio", slog.String(errLoggerKey, err.Error()))
		if werr := s.writeError(err.Error()); werr != nil {
			return werr
		}
		return s.write(map[string]string{"type": "input_audio_buffer.committed", "item_id": itemID})
	}

	text := strings.TrimSpace(res.Text)
	if text != "" && !belowFloor(res.Confidence, s.floor) {
		evt := map[string]any{
			"type":           "conversation.item.input_audio_transcription.completed",
			"item_id":        itemID,
			"content_index":  0,
			"transcript":     text,
			"audio_start_ms": startMS,
		}
		if res.Confidence != nil {
			evt["confidence"] = *res.Confidence
		}
		if err := s.write(evt); err != nil {
			return err
		}
	}
	return s.write(map[string]string{"type": "input_audio_buffer.committed", "item_id": itemID})
}

func (s *realtimeSession) write(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(realtimeWriteLimit))
	return s.conn.WriteJSON(v)
}

func (s *realtimeSession) writeError(message string) error {
	return s.write(map[string]any{"type": "error", "error": map[string]string{"message": message}})
}
