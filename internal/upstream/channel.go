// Package upstream implements the market-data vendor protocol: the
// historical request/response channel and the persistent streaming channel
// for live 1-minute bars and tick trades.
//
// Streaming channels authenticate with a challenge-response handshake: the
// vendor sends a challenge nonce, the client replies with the SHA-256 of
// "challenge|apiKey" tagged with the last five characters of the API key.
package upstream

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// validate checks vendor records against their struct tags before
// projection.
var validate = validator.New()

const (
	// defaultIdleTimeout resolves a one-shot live fetch when no new bar
	// arrives within this window.
	defaultIdleTimeout = 500 * time.Millisecond

	// defaultMaxAttempts caps retries of correctable vendor errors.
	defaultMaxAttempts = 4

	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20 // 1MB
	defaultSendTimeout      = 5 * time.Second
)

// Config defines vendor connection settings.
type Config struct {
	// HistoricalURL is the request/response channel endpoint. Required.
	HistoricalURL string

	// LiveURL is the persistent streaming channel endpoint. Required.
	LiveURL string

	// APIKey authenticates streaming subscriptions. Required; at least
	// five characters.
	APIKey string

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// IdleTimeout overrides the live-fetch inactivity window.
	IdleTimeout time.Duration

	// MaxAttempts overrides the correctable-error retry cap.
	MaxAttempts int
}

// Client talks to the vendor over both channels.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewClient validates the configuration and returns a vendor client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.HistoricalURL == "" || cfg.LiveURL == "" {
		return nil, errors.New("vendor endpoint URLs are required")
	}
	if len(cfg.APIKey) < 5 {
		return nil, errors.New("vendor API key is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkip},
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}, nil
}

// envelope is the generic vendor message frame. Only the fields relevant to
// a given type are populated.
type envelope struct {
	Type string `json:"type"`

	// challenge / auth
	Cram string `json:"cram,omitempty"`
	Auth string `json:"auth,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// subscribe
	Schema  string   `json:"schema,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
	Start   int64    `json:"start,omitempty"`

	// symbol_mapping
	InstrumentID uint32 `json:"instrument_id,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
}

// barRecord is a 1-minute OHLCV record on the wire. Prices arrive as
// strings to preserve precision.
type barRecord struct {
	Symbol string `json:"symbol" validate:"required"`
	Ts     int64  `json:"ts" validate:"required,gt=0"`
	Open   string `json:"open" validate:"required,numeric"`
	High   string `json:"high" validate:"required,numeric"`
	Low    string `json:"low" validate:"required,numeric"`
	Close  string `json:"close" validate:"required,numeric"`
	Volume int64  `json:"volume" validate:"gte=0"`
}

// tradeRecord is a tick trade record on the wire. Ts is nanoseconds.
type tradeRecord struct {
	InstrumentID uint32 `json:"instrument_id" validate:"required"`
	Ts           int64  `json:"ts" validate:"required,gt=0"`
	Price        string `json:"price" validate:"required,numeric"`
	Size         int64  `json:"size" validate:"gt=0"`
	Side         string `json:"side"`
}

// channel is one open vendor connection with JSON framing.
type channel struct {
	conn *websocket.Conn
}

// dial opens a connection to url.
func (c *Client) dial(ctx context.Context, url string) (*channel, error) {
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			log.Error().Err(err).Int("statusCode", resp.StatusCode).Str("url", url).Msg("vendor connection failed")
		} else {
			log.Error().Err(err).Str("url", url).Msg("vendor connection failed")
		}
		return nil, fmt.Errorf("dial vendor %s: %w", url, err)
	}
	conn.SetReadLimit(defaultReadLimit)
	return &channel{conn: conn}, nil
}

// send writes one JSON message with a write deadline.
func (ch *channel) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode vendor message: %w", err)
	}
	if err := ch.conn.SetWriteDeadline(time.Now().Add(defaultSendTimeout)); err != nil {
		return err
	}
	return ch.conn.WriteMessage(websocket.TextMessage, data)
}

// recv reads one message and decodes the envelope. The raw bytes are
// returned alongside for payload-specific decoding.
func (ch *channel) recv() (envelope, []byte, error) {
	_, data, err := ch.conn.ReadMessage()
	if err != nil {
		return envelope{}, nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, nil, fmt.Errorf("decode vendor message: %w", err)
	}
	return env, data, nil
}

// close sends a normal-closure frame and closes the connection.
func (ch *channel) close() {
	_ = ch.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = ch.conn.Close()
}

// cramReply computes the handshake reply for a challenge nonce.
func cramReply(challenge, apiKey string) string {
	sum := sha256.Sum256([]byte(challenge + "|" + apiKey))
	return hex.EncodeToString(sum[:]) + "-" + apiKey[len(apiKey)-5:]
}

// authenticate performs the challenge-response handshake on a freshly
// dialed streaming channel. An authentication failure is fatal to the
// stream and never retried.
func (c *Client) authenticate(ch *channel) error {
	env, _, err := ch.recv()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if env.Type != "challenge" || env.Cram == "" {
		return fmt.Errorf("unexpected greeting %q", env.Type)
	}

	if err := ch.send(envelope{Type: "auth", Auth: cramReply(env.Cram, c.cfg.APIKey)}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	env, _, err = ch.recv()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch env.Type {
	case "auth_ok":
		return nil
	case "error":
		log.Error().Str("message", env.Message).Msg("vendor rejected authentication")
		return ErrAuthFailed
	default:
		return fmt.Errorf("unexpected auth response %q", env.Type)
	}
}
