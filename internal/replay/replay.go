// Package replay drives a deterministic re-emission of pre-fetched
// 1-minute series on a virtual clock, with pause, resume and speed control.
package replay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wieczorkowski/chronicle/internal/model"
	"github.com/wieczorkowski/chronicle/internal/timeframe"
)

const defaultIntervalMs = 1000

// Clock allows deterministic replay control in tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sink receives every replayed bar emission in order.
type Sink func(model.Bar)

// Subscription is one instrument's live-phase 1-minute series and the
// timeframes the client watches on it.
type Subscription struct {
	Instrument string
	Timeframes []string
	Bars       []model.Bar // sorted ascending, 1-minute
}

// Config controls the virtual clock.
type Config struct {
	// LiveStartMs is the first virtual minute.
	LiveStartMs int64

	// LiveEndMs is the last virtual minute; the run completes once the
	// clock passes it.
	LiveEndMs int64

	// IntervalMs is the wall-clock tick period per virtual minute.
	// Defaults to 1000.
	IntervalMs int64
}

// Command adjusts a running replay. Nil fields are left unchanged.
type Command struct {
	Pause      *bool
	IntervalMs *int64
}

type openAgg struct {
	bar      model.Bar
	interval int64
}

type instrumentState struct {
	subscribed1m bool
	bars         []model.Bar
	next         int
	aggs         map[string]*openAgg // tf -> open aggregate slot
	intervals    map[string]int64
}

// Runner replays the subscriptions' series over a virtual minute clock.
// Run owns all state; Modify and Stop communicate with it over a channel.
type Runner struct {
	cfg    Config
	clock  Clock
	al     *timeframe.Aligner
	sink   Sink
	onDone func()

	instruments []*instrumentState
	ctrl        chan Command
	stop        chan struct{}
}

// NewRunner validates the subscriptions and builds a runner. onDone fires
// once when the virtual clock passes LiveEndMs; it does not fire on Stop.
func NewRunner(cfg Config, subs []Subscription, al *timeframe.Aligner, sink Sink, onDone func()) (*Runner, error) {
	if sink == nil {
		return nil, errors.New("replay sink is nil")
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = defaultIntervalMs
	}
	if cfg.LiveEndMs < cfg.LiveStartMs {
		return nil, errors.New("replay end precedes start")
	}

	r := &Runner{
		cfg:    cfg,
		clock:  realClock{},
		al:     al,
		sink:   sink,
		onDone: onDone,
		ctrl:   make(chan Command),
		stop:   make(chan struct{}),
	}

	for _, sub := range subs {
		st := &instrumentState{
			bars:      sub.Bars,
			aggs:      make(map[string]*openAgg),
			intervals: make(map[string]int64),
		}
		for _, tf := range sub.Timeframes {
			if tf == "1m" {
				st.subscribed1m = true
				continue
			}
			interval, err := timeframe.Parse(tf)
			if err != nil {
				return nil, err
			}
			st.intervals[tf] = interval
		}
		r.instruments = append(r.instruments, st)
	}
	return r, nil
}

// WithClock swaps the clock implementation.
func (r *Runner) WithClock(clock Clock) *Runner {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Modify applies a pause/resume or speed change. No-op after the run ends.
func (r *Runner) Modify(cmd Command) {
	select {
	case r.ctrl <- cmd:
	case <-r.stop:
	}
}

// Stop cancels the run without a completion callback. Idempotent.
func (r *Runner) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Run advances the virtual clock until it passes LiveEndMs, the context is
// cancelled or Stop is called. Blocking; callers run it on its own
// goroutine.
func (r *Runner) Run(ctx context.Context) {
	t := r.cfg.LiveStartMs
	intervalMs := r.cfg.IntervalMs
	paused := false

	for {
		// A nil tick channel blocks while paused; any command restarts the
		// tick period, which is also how a speed change takes effect.
		var tick <-chan time.Time
		if !paused {
			tick = r.clock.After(time.Duration(intervalMs) * time.Millisecond)
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case cmd := <-r.ctrl:
			if cmd.Pause != nil {
				paused = *cmd.Pause
			}
			if cmd.IntervalMs != nil && *cmd.IntervalMs > 0 {
				intervalMs = *cmd.IntervalMs
			}
			log.Debug().Bool("paused", paused).Int64("intervalMs", intervalMs).Msg("replay modified")
			continue
		case <-tick:
		}

		due := false
		for _, st := range r.instruments {
			for st.next < len(st.bars) && st.bars[st.next].Timestamp <= t {
				r.emit(st, st.bars[st.next])
				st.next++
				due = true
			}
		}

		if !due {
			if jump, ok := r.earliestFuture(); ok {
				t = jump
				continue
			}
		}
		t += timeframe.MinuteMs

		if t > r.cfg.LiveEndMs {
			r.Stop()
			if r.onDone != nil {
				r.onDone()
			}
			return
		}
	}
}

// earliestFuture finds the earliest unsent bar timestamp within the live
// range across all instruments.
func (r *Runner) earliestFuture() (int64, bool) {
	var earliest int64
	found := false
	for _, st := range r.instruments {
		if st.next >= len(st.bars) {
			continue
		}
		ts := st.bars[st.next].Timestamp
		if ts > r.cfg.LiveEndMs {
			continue
		}
		if !found || ts < earliest {
			earliest = ts
			found = true
		}
	}
	return earliest, found
}

// emit sends one 1-minute bar and folds it into the open aggregates. A
// higher-timeframe bar closes only on its bucket's terminal 1-minute slot;
// an abandoned bucket (gap skip) is simply replaced.
func (r *Runner) emit(st *instrumentState, b model.Bar) {
	b.Source = model.SourceTick
	b.IsClosed = true
	if st.subscribed1m {
		r.sink(b)
	}

	for tf, interval := range st.intervals {
		bucket := r.al.Bucket(b.Timestamp, interval)

		agg := st.aggs[tf]
		if agg == nil || agg.bar.Timestamp != bucket {
			seed := b
			seed.Timestamp = bucket
			seed.Timeframe = tf
			seed.IsClosed = false
			agg = &openAgg{bar: seed, interval: interval}
			st.aggs[tf] = agg
		} else {
			mergeBar(&agg.bar, b)
		}

		if b.Timestamp == bucket+interval-timeframe.MinuteMs {
			agg.bar.IsClosed = true
			r.sink(agg.bar)
			delete(st.aggs, tf)
			continue
		}
		r.sink(agg.bar)
	}
}

func mergeBar(dst *model.Bar, src model.Bar) {
	if src.High.GreaterThan(dst.High) {
		dst.High = src.High
	}
	if src.Low.LessThan(dst.Low) {
		dst.Low = src.Low
	}
	dst.Close = src.Close
	dst.Volume += src.Volume
}
