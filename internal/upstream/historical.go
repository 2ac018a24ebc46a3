package upstream

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wieczorkowski/chronicle/internal/model"
)

// historical wire shapes.
type rangeRequest struct {
	Type   string `json:"type"`
	Schema string `json:"schema"`
	Symbol string `json:"symbol"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
}

type rangeResponse struct {
	Type         string      `json:"type"`
	Status       int         `json:"status"`
	Message      string      `json:"message,omitempty"`
	AvailableEnd int64       `json:"available_end,omitempty"`
	Bars         []barRecord `json:"bars,omitempty"`
}

// FetchHistorical requests closed 1-minute bars for [startMs, endMs] over
// the vendor's historical channel. An empty response is not an error. On a
// 422 "end beyond availability" response carrying a suggested available
// end, the request is retried once with the end clamped to that value.
func (c *Client) FetchHistorical(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error) {
	bars, err := c.fetchRange(ctx, instrument, startMs, endMs)

	var rangeErr *RangeError
	if errors.As(err, &rangeErr) && rangeErr.AvailableEnd > 0 {
		log.Warn().
			Str("instrument", instrument).
			Int64("requestedEnd", endMs).
			Int64("availableEnd", rangeErr.AvailableEnd).
			Msg("historical end beyond availability, retrying clamped")
		return c.fetchRange(ctx, instrument, startMs, rangeErr.AvailableEnd)
	}
	return bars, err
}

func (c *Client) fetchRange(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error) {
	ch, err := c.dial(ctx, c.cfg.HistoricalURL)
	if err != nil {
		return nil, err
	}
	defer ch.close()

	req := rangeRequest{
		Type:   "get_range",
		Schema: "ohlcv-1m",
		Symbol: instrument,
		Start:  startMs,
		End:    endMs,
	}
	if err := ch.send(req); err != nil {
		return nil, fmt.Errorf("send historical request: %w", err)
	}

	_, raw, err := ch.recv()
	if err != nil {
		return nil, fmt.Errorf("read historical response: %w", err)
	}

	var resp rangeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode historical response: %w", err)
	}

	switch {
	case resp.Status == 422:
		return nil, &RangeError{Message: resp.Message, AvailableEnd: resp.AvailableEnd}
	case resp.Status != 200:
		return nil, fmt.Errorf("historical request failed: status %d: %s", resp.Status, resp.Message)
	}

	bars := make([]model.Bar, 0, len(resp.Bars))
	for _, r := range resp.Bars {
		b, err := projectBar(r, model.SourceHistorical)
		if err != nil {
			log.Warn().Err(err).Str("instrument", instrument).Int64("ts", r.Ts).Msg("dropping malformed historical bar")
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// projectBar converts a wire record into a closed 1-minute Bar.
func projectBar(r barRecord, source model.Source) (model.Bar, error) {
	if err := validate.Struct(r); err != nil {
		return model.Bar{}, fmt.Errorf("invalid bar record: %w", err)
	}
	open, err := decimal.NewFromString(r.Open)
	if err != nil {
		return model.Bar{}, fmt.Errorf("invalid open: %w", err)
	}
	high, err := decimal.NewFromString(r.High)
	if err != nil {
		return model.Bar{}, fmt.Errorf("invalid high: %w", err)
	}
	low, err := decimal.NewFromString(r.Low)
	if err != nil {
		return model.Bar{}, fmt.Errorf("invalid low: %w", err)
	}
	closePx, err := decimal.NewFromString(r.Close)
	if err != nil {
		return model.Bar{}, fmt.Errorf("invalid close: %w", err)
	}

	return model.Bar{
		Timestamp:  r.Ts,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Volume:     r.Volume,
		Instrument: r.Symbol,
		Timeframe:  "1m",
		Source:     source,
		IsClosed:   true,
	}, nil
}
