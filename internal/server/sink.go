package server

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wieczorkowski/chronicle/internal/model"
)

// barPayload is the outbound shape of one bar emission.
type barPayload struct {
	Mtyp       string          `json:"mtyp"`
	Timestamp  int64           `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     int64           `json:"volume"`
	Instrument string          `json:"instrument"`
	Timeframe  string          `json:"timeframe"`
	Source     model.Source    `json:"source"`
	IsClosed   bool            `json:"isClosed"`
	DateTime   string          `json:"dateTime"`
}

func newBarPayload(b model.Bar, loc *time.Location) barPayload {
	return barPayload{
		Mtyp:       "data",
		Timestamp:  b.Timestamp,
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		Instrument: b.Instrument,
		Timeframe:  b.Timeframe,
		Source:     b.Source,
		IsClosed:   b.IsClosed,
		DateTime:   time.UnixMilli(b.Timestamp).In(loc).Format("2006-01-02 15:04:05"),
	}
}

// wsSink delivers emissions to the client over its message channel.
type wsSink struct {
	c   *client
	loc *time.Location
}

func (s *wsSink) Bar(b model.Bar) {
	s.c.send(newBarPayload(b, s.loc))
}

func (s *wsSink) Control(typ string, fields map[string]any) {
	msg := map[string]any{"mtyp": "ctrl", "type": typ}
	for k, v := range fields {
		msg[k] = v
	}
	s.c.send(msg)
}

func (s *wsSink) Error(msg string) {
	s.c.send(map[string]any{"mtyp": "error", "message": msg})
}

// consoleSink logs emissions on the server instead of sending them out.
// Errors still go back to the client.
type consoleSink struct {
	c      *client
	loc    *time.Location
	logger zerolog.Logger
}

func (s *consoleSink) Bar(b model.Bar) {
	s.logger.Info().
		Str("instrument", b.Instrument).
		Str("timeframe", b.Timeframe).
		Int64("timestamp", b.Timestamp).
		Str("dateTime", time.UnixMilli(b.Timestamp).In(s.loc).Format("2006-01-02 15:04:05")).
		Str("close", b.Close.String()).
		Int64("volume", b.Volume).
		Bool("isClosed", b.IsClosed).
		Msg("bar")
}

func (s *consoleSink) Control(typ string, fields map[string]any) {
	s.logger.Info().Str("type", typ).Fields(fields).Msg("control")
}

func (s *consoleSink) Error(msg string) {
	s.c.send(map[string]any{"mtyp": "error", "message": msg})
}

// fileSink appends emissions as JSON lines to a per-session log file.
// Errors still go back to the client.
type fileSink struct {
	c   *client
	loc *time.Location

	mu   sync.Mutex
	file *os.File
}

func newFileSink(c *client, loc *time.Location, dir, clientID string) (*fileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, clientID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{c: c, loc: loc, file: f}, nil
}

func (s *fileSink) Bar(b model.Bar) {
	s.writeLine(newBarPayload(b, s.loc))
}

func (s *fileSink) Control(typ string, fields map[string]any) {
	msg := map[string]any{"mtyp": "ctrl", "type": typ}
	for k, v := range fields {
		msg[k] = v
	}
	s.writeLine(msg)
}

func (s *fileSink) Error(msg string) {
	s.c.send(map[string]any{"mtyp": "error", "message": msg})
}

func (s *fileSink) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("file sink encode failed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		log.Warn().Err(err).Msg("file sink write failed")
	}
}

// Close flushes and closes the log file. Later writes are dropped.
func (s *fileSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}
}
