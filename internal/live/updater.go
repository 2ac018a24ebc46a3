// Package live maintains the open candles a client watches and folds
// incoming trades into them.
package live

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wieczorkowski/chronicle/internal/model"
	"github.com/wieczorkowski/chronicle/internal/timeframe"
)

// Sink receives every candle emission, open and closed, in order.
type Sink func(model.Bar)

// Persister stores a closed non-null 1-minute bar in the cache. May be nil.
type Persister func(model.Bar)

type openCandle struct {
	bar      model.Bar
	interval int64
}

// Updater owns one open 1-minute candle per instrument plus one open candle
// per subscribed higher timeframe. Not safe for concurrent use; the owning
// session serializes access.
type Updater struct {
	instrument string
	al         *timeframe.Aligner
	sink       Sink
	persist    Persister

	open1m       model.Bar
	subscribed1m bool
	higher       map[string]*openCandle
}

// NewUpdater starts tracking an instrument. last1mEnd is the timestamp
// immediately after the last closed 1-minute bar; the open 1-minute candle
// begins there with null OHLC and zero volume.
func NewUpdater(instrument string, last1mEnd int64, al *timeframe.Aligner, sink Sink, persist Persister) *Updater {
	return &Updater{
		instrument: instrument,
		al:         al,
		sink:       sink,
		persist:    persist,
		open1m:     emptyCandle(instrument, "1m", last1mEnd),
		higher:     make(map[string]*openCandle),
	}
}

func emptyCandle(instrument, tf string, ts int64) model.Bar {
	return model.Bar{
		Timestamp:  ts,
		Instrument: instrument,
		Timeframe:  tf,
		Source:     model.SourceTick,
	}
}

// Open1m returns the current open 1-minute candle.
func (u *Updater) Open1m() model.Bar { return u.open1m }

// HasTimeframes reports whether any timeframe on the instrument remains
// subscribed.
func (u *Updater) HasTimeframes() bool {
	return u.subscribed1m || len(u.higher) > 0
}

// Timeframes lists the subscribed timeframes.
func (u *Updater) Timeframes() []string {
	var tfs []string
	if u.subscribed1m {
		tfs = append(tfs, "1m")
	}
	for tf := range u.higher {
		tfs = append(tfs, tf)
	}
	return tfs
}

// AddTimeframe subscribes a timeframe. For higher timeframes, lastAgg is
// the final bar of the freshly aggregated historical series, or nil when
// the series is empty: a still-open lastAgg is continued as the open
// candle, otherwise a fresh bucket is opened at the next 1-minute start
// and the current open 1-minute candle is folded in when it falls inside.
func (u *Updater) AddTimeframe(tf string, lastAgg *model.Bar) error {
	if tf == "1m" {
		u.subscribed1m = true
		return nil
	}

	interval, err := timeframe.Parse(tf)
	if err != nil {
		return fmt.Errorf("add timeframe: %w", err)
	}

	var bar model.Bar
	if lastAgg != nil && !lastAgg.IsClosed {
		bar = *lastAgg
		bar.Source = model.SourceTick
	} else {
		bar = emptyCandle(u.instrument, tf, u.al.Bucket(u.open1m.Timestamp, interval))
	}

	oc := &openCandle{bar: bar, interval: interval}
	if !u.open1m.Open.IsZero() && u.open1m.Timestamp >= oc.bar.Timestamp && u.open1m.Timestamp < oc.bar.Timestamp+interval {
		foldBar(&oc.bar, u.open1m)
	}
	u.higher[tf] = oc
	return nil
}

// RemoveTimeframe drops a timeframe and discards its open candle. The
// 1-minute tracking persists while any timeframe remains.
func (u *Updater) RemoveTimeframe(tf string) {
	if tf == "1m" {
		u.subscribed1m = false
		return
	}
	delete(u.higher, tf)
}

// ApplyTrade folds one trade into the open candles, rolling buckets whose
// end the trade has passed. Trades before the tracked 1-minute bucket are
// ignored.
func (u *Updater) ApplyTrade(t model.Trade) {
	if t.Instrument != u.instrument || t.Timestamp < u.open1m.Timestamp {
		return
	}

	if t.Timestamp >= u.open1m.Timestamp+timeframe.MinuteMs {
		u.roll1m(t)
	} else {
		foldTrade(&u.open1m, t)
		if u.subscribed1m {
			u.sink(u.open1m)
		}
	}

	for _, oc := range u.higher {
		if t.Timestamp >= oc.bar.Timestamp+oc.interval {
			oc.bar.IsClosed = true
			u.sink(oc.bar)

			oc.bar = emptyCandle(u.instrument, oc.bar.Timeframe, u.al.Bucket(t.Timestamp, oc.interval))
			foldTrade(&oc.bar, t)
			u.sink(oc.bar)
			continue
		}
		foldTrade(&oc.bar, t)
		u.sink(oc.bar)
	}
}

func (u *Updater) roll1m(t model.Trade) {
	u.open1m.IsClosed = true
	if u.subscribed1m {
		u.sink(u.open1m)
	}
	if u.persist != nil && !u.open1m.IsNull() {
		u.persist(u.open1m)
	} else if u.open1m.IsNull() {
		log.Debug().
			Str("instrument", u.instrument).
			Int64("ts", u.open1m.Timestamp).
			Msg("null 1m candle not persisted")
	}

	u.open1m = emptyCandle(u.instrument, "1m", t.Timestamp/timeframe.MinuteMs*timeframe.MinuteMs)
	foldTrade(&u.open1m, t)
	if u.subscribed1m {
		u.sink(u.open1m)
	}
}

// foldTrade merges a trade into an open candle. A zero open marks the
// candle as still empty.
func foldTrade(b *model.Bar, t model.Trade) {
	if b.Open.IsZero() {
		b.Open = t.Price
		b.High = t.Price
		b.Low = t.Price
	} else {
		if t.Price.GreaterThan(b.High) {
			b.High = t.Price
		}
		if t.Price.LessThan(b.Low) {
			b.Low = t.Price
		}
	}
	b.Close = t.Price
	b.Volume += t.Size
}

// foldBar merges a non-empty candle into an open higher candle.
func foldBar(dst *model.Bar, src model.Bar) {
	if dst.Open.IsZero() {
		dst.Open = src.Open
		dst.High = src.High
		dst.Low = src.Low
	} else {
		if src.High.GreaterThan(dst.High) {
			dst.High = src.High
		}
		if src.Low.LessThan(dst.Low) {
			dst.Low = src.Low
		}
	}
	dst.Close = src.Close
	dst.Volume += src.Volume
}
