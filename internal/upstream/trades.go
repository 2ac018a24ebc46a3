package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wieczorkowski/chronicle/internal/model"
)

// TradeStream is a live trade subscription. Parsed trades and non-heartbeat
// control messages are delivered on channels the owning session consumes on
// its own goroutine; both channels close when the stream ends.
type TradeStream struct {
	trades   chan model.Trade
	controls chan model.ControlMessage
	done     chan struct{}

	ch   *channel
	once sync.Once

	mu  sync.Mutex
	err error
}

// Trades returns the parsed trade channel.
func (s *TradeStream) Trades() <-chan model.Trade { return s.trades }

// Controls returns the channel of surfaced vendor control messages.
func (s *TradeStream) Controls() <-chan model.ControlMessage { return s.controls }

// Err returns the terminal stream error, if any, once the channels close.
func (s *TradeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the subscription down with a normal-closure frame and
// releases the read loop even if the consumer left messages unread. Safe
// to call multiple times.
func (s *TradeStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.ch.close()
	})
}

// sendTrade delivers a trade unless the stream was closed underneath a
// full buffer.
func (s *TradeStream) sendTrade(t model.Trade) bool {
	select {
	case s.trades <- t:
		return true
	case <-s.done:
		return false
	}
}

func (s *TradeStream) sendControl(c model.ControlMessage) bool {
	select {
	case s.controls <- c:
		return true
	case <-s.done:
		return false
	}
}

func (s *TradeStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// SubscribeTrades opens a persistent trade subscription for the given
// instruments starting at startNs (epoch nanoseconds). Instrument IDs from
// vendor symbol-mapping messages are mapped back to the originally
// requested symbols. Heartbeats are logged; any other control message is
// surfaced on Controls.
//
// The "Invalid start time" rejection is retried with the vendor-suggested
// start, capped at MaxAttempts.
func (c *Client) SubscribeTrades(ctx context.Context, instruments []string, startNs int64) (*TradeStream, error) {
	start := startNs
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		stream, err := c.subscribeTradesOnce(ctx, instruments, start)

		var startErr *StartTimeError
		if errors.As(err, &startErr) {
			log.Warn().
				Int("attempt", attempt).
				Time("earliest", startErr.Earliest).
				Msg("trade subscription start rejected, retrying with vendor suggestion")
			start = startErr.Earliest.UnixNano()
			lastErr = err
			continue
		}
		return stream, err
	}
	return nil, fmt.Errorf("%w: %v", ErrAttemptsExhausted, lastErr)
}

func (c *Client) subscribeTradesOnce(ctx context.Context, instruments []string, startNs int64) (*TradeStream, error) {
	ch, err := c.dial(ctx, c.cfg.LiveURL)
	if err != nil {
		return nil, err
	}

	if err := c.authenticate(ch); err != nil {
		ch.close()
		return nil, err
	}

	if err := ch.send(envelope{Type: "subscribe", Schema: "trades", Symbols: instruments, Start: startNs}); err != nil {
		ch.close()
		return nil, fmt.Errorf("send trade subscription: %w", err)
	}

	// The start-time rejection arrives before any data; peek at the first
	// message so the retry happens before the stream is handed out.
	env, raw, err := ch.recv()
	if err != nil {
		ch.close()
		return nil, fmt.Errorf("read subscription response: %w", err)
	}
	if env.Type == "error" {
		ch.close()
		if startErr := parseStartTimeError(env.Message); startErr != nil {
			return nil, startErr
		}
		return nil, fmt.Errorf("trade subscription rejected: %s", env.Message)
	}

	if err := ch.send(envelope{Type: "start"}); err != nil {
		ch.close()
		return nil, fmt.Errorf("start trade session: %w", err)
	}

	stream := &TradeStream{
		trades:   make(chan model.Trade, 1000),
		controls: make(chan model.ControlMessage, 10),
		done:     make(chan struct{}),
		ch:       ch,
	}

	// Requested spellings win over vendor spellings in the mapping table.
	requested := make(map[string]string, len(instruments))
	for _, sym := range instruments {
		requested[sym] = sym
	}

	go stream.readLoop(env, raw, requested)
	return stream, nil
}

// readLoop consumes the stream until close or error. first/firstRaw is the
// message peeked during subscription setup.
func (s *TradeStream) readLoop(first envelope, firstRaw []byte, requested map[string]string) {
	defer func() {
		close(s.trades)
		close(s.controls)
	}()

	symbols := make(map[uint32]string)

	// handle reports false once the stream is closed and the consumer is
	// no longer draining.
	handle := func(env envelope, raw []byte) bool {
		switch env.Type {
		case "symbol_mapping":
			sym := env.Symbol
			if r, ok := requested[sym]; ok {
				sym = r
			}
			symbols[env.InstrumentID] = sym
			log.Debug().Uint32("instrumentId", env.InstrumentID).Str("symbol", sym).Msg("trade stream symbol mapped")
		case "trade":
			var r tradeRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				log.Warn().Err(err).Msg("dropping malformed trade")
				return true
			}
			if err := validate.Struct(r); err != nil {
				log.Warn().Err(err).Msg("dropping invalid trade record")
				return true
			}
			sym, ok := symbols[r.InstrumentID]
			if !ok {
				log.Warn().Uint32("instrumentId", r.InstrumentID).Msg("trade for unmapped instrument dropped")
				return true
			}
			price, err := decimal.NewFromString(r.Price)
			if err != nil {
				log.Warn().Err(err).Msg("dropping trade with invalid price")
				return true
			}
			return s.sendTrade(model.Trade{
				Timestamp:  r.Ts / 1_000_000, // ns -> ms
				Price:      price,
				Size:       r.Size,
				Side:       r.Side,
				Instrument: sym,
			})
		case "heartbeat":
			log.Debug().Msg("trade stream heartbeat")
		default:
			return s.sendControl(model.ControlMessage{Type: env.Type, Payload: raw})
		}
		return true
	}

	if !handle(first, firstRaw) {
		return
	}

	for {
		env, raw, err := s.ch.recv()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("trade stream closed")
			} else {
				log.Warn().Err(err).Msg("trade stream read error")
				s.setErr(err)
			}
			return
		}
		if env.Type == "error" {
			s.setErr(errors.New(env.Message))
			s.sendControl(model.ControlMessage{Type: "error", Payload: raw})
			return
		}
		if !handle(env, raw) {
			return
		}
	}
}
