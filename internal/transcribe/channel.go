package transcribe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	minSilence   = 200 * time.Millisecond
	writeTimeout = 5 * time.Second
)

// Params are the session parameters sent with the channel handshake.
type Params struct {
	Model           string
	Language        string
	SampleRate      int
	VADThreshold    float64
	SilenceDuration time.Duration
	PrefixPadding   time.Duration
	NoiseReduction  string
	IncludeLogprobs bool
	// MinConfidence is sent so the backend can filter too; nil leaves it out.
	MinConfidence *float64
	// Token is the internal token for deployments that require one.
	Token string
}

// Query encodes the parameters as handshake query values.
func (p Params) Query() url.Values {
	q := url.Values{}
	q.Set("model_key", p.Model)
	q.Set("sample_rate", strconv.Itoa(p.SampleRate))
	q.Set("vad_threshold", strconv.FormatFloat(p.VADThreshold, 'f', -1, 64))
	q.Set("silence_duration_ms", strconv.FormatInt(max(minSilence, p.SilenceDuration).Milliseconds(), 10))
	q.Set("prefix_padding_ms", strconv.FormatInt(max(0, p.PrefixPadding).Milliseconds(), 10))
	q.Set("noise_reduction", p.NoiseReduction)
	if p.IncludeLogprobs {
		q.Set("include_logprobs", "1")
	}
	if p.MinConfidence != nil {
		q.Set("min_confidence", strconv.FormatFloat(clamp01(*p.MinConfidence), 'f', -1, 64))
	}
	if p.Language != "" {
		q.Set("language", p.Language)
	}
	if p.Token != "" {
		q.Set("token", p.Token)
	}
	return q
}

// WebSocketURL rewrites an http(s) endpoint to ws(s) and appends the handshake query.
func WebSocketURL(endpoint string, p Params) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("error parsing endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	q := u.Query()
	for k, v := range p.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Channel is the bidirectional realtime connection. Sends are safe for concurrent use; Receive must
// be called from a single goroutine.
type Channel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial opens the channel. dialer may be nil.
func Dial(ctx context.Context, dialer *websocket.Dialer, endpoint string, p Params, header http.Header,
) (*Channel, error) {
	u, err := WebSocketURL(endpoint, p)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("error dialing realtime endpoint (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("error dialing realtime endpoint: %w", err)
	}
	return &Channel{conn: conn}, nil
}

type controlFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// Append sends one PCM16 chunk.
func (c *Channel) Append(pcm []byte) error {
	return c.send(controlFrame{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// Commit asks the backend to finalize the audio appended since the last commit.
func (c *Channel) Commit() error {
	return c.send(controlFrame{Type: "input_audio_buffer.commit"})
}

func (c *Channel) send(f controlFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("error sending %s: %w", f.Type, err)
	}
	return nil
}

// ErrClosed is returned by Receive after a normal close by either side.
var ErrClosed = errors.New("channel closed")

// Receive blocks for the next text or binary frame.
func (c *Channel) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("error reading realtime event: %w", err)
	}
	return data, nil
}

// Close sends a normal close frame and releases the connection. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end"), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
