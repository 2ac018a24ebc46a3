package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wieczorkowski/chronicle/internal/model"
)

// FetchLive1m fills the very recent tail with 1-minute bars from the
// streaming channel: it authenticates, subscribes to the ohlcv-1m schema
// from startMs, starts the session and accumulates bars until the
// inactivity timer expires with no new bar, or the channel closes. The
// accumulated list (possibly empty) is returned; bars past endMs are
// dropped when endMs is positive.
//
// A vendor "Invalid start time" rejection closes the channel and reattempts
// the subscription with the suggested start, capped at MaxAttempts.
func (c *Client) FetchLive1m(ctx context.Context, instruments []string, startMs, endMs int64) ([]model.Bar, error) {
	start := startMs
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		bars, err := c.fetchLiveOnce(ctx, instruments, start, endMs)

		var startErr *StartTimeError
		if errors.As(err, &startErr) {
			log.Warn().
				Int("attempt", attempt).
				Int64("requestedStart", start).
				Time("earliest", startErr.Earliest).
				Msg("live subscription start rejected, retrying with vendor suggestion")
			start = startErr.Earliest.UnixMilli()
			lastErr = err
			continue
		}
		return bars, err
	}
	return nil, fmt.Errorf("%w: %v", ErrAttemptsExhausted, lastErr)
}

func (c *Client) fetchLiveOnce(ctx context.Context, instruments []string, startMs, endMs int64) ([]model.Bar, error) {
	ch, err := c.dial(ctx, c.cfg.LiveURL)
	if err != nil {
		return nil, err
	}
	defer ch.close()

	if err := c.authenticate(ch); err != nil {
		return nil, err
	}

	if err := ch.send(envelope{Type: "subscribe", Schema: "ohlcv-1m", Symbols: instruments, Start: startMs}); err != nil {
		return nil, fmt.Errorf("send live subscription: %w", err)
	}
	if err := ch.send(envelope{Type: "start"}); err != nil {
		return nil, fmt.Errorf("start live session: %w", err)
	}

	var bars []model.Bar
	for {
		// The read deadline doubles as the inactivity timer: each record
		// rearms it, and expiry resolves the fetch with what we have.
		if err := ch.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			return bars, nil
		}

		env, raw, err := ch.recv()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				log.Debug().Int("bars", len(bars)).Msg("live fetch idle timeout, resolving")
				return bars, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return bars, nil
			}
			return bars, nil
		}

		switch env.Type {
		case "bar":
			var r barRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				log.Warn().Err(err).Msg("dropping malformed live bar")
				continue
			}
			b, err := projectBar(r, model.SourceLive)
			if err != nil {
				log.Warn().Err(err).Int64("ts", r.Ts).Msg("dropping malformed live bar")
				continue
			}
			if endMs > 0 && b.Timestamp > endMs {
				continue
			}
			bars = append(bars, b)
		case "heartbeat":
			log.Debug().Msg("live channel heartbeat")
		case "error":
			if startErr := parseStartTimeError(env.Message); startErr != nil {
				return nil, startErr
			}
			return bars, fmt.Errorf("live channel error: %s", env.Message)
		default:
			log.Debug().Str("type", env.Type).Msg("ignoring live control message")
		}
	}
}

// isTimeout reports whether err is a network timeout (the gorilla read
// deadline surfaces as one).
func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
