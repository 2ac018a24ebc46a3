package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wieczorkowski/chronicle/internal/acquire"
	"github.com/wieczorkowski/chronicle/internal/aggregate"
	"github.com/wieczorkowski/chronicle/internal/live"
	"github.com/wieczorkowski/chronicle/internal/model"
	"github.com/wieczorkowski/chronicle/internal/timeframe"
)

// groupByInstrument collapses subscriptions to instrument -> timeframes.
func groupByInstrument(subs []model.Subscription) map[string][]string {
	grouped := make(map[string][]string)
	for _, sub := range subs {
		grouped[sub.Instrument] = append(grouped[sub.Instrument], sub.Timeframe)
	}
	return grouped
}

func (s *Session) handleGetData(ctx context.Context, p GetDataParams) {
	switch s.state {
	case StateReplayActive, StateChangingTimeframes:
		p.Sink.Error(fmt.Sprintf("get_data rejected in state %s", s.state))
		return
	case StateLiveActive:
		s.teardownLive()
		s.state = StateIdle
	}

	now := s.deps.Now()
	endMs := p.EndMs
	if p.EndIsNow {
		endMs = now
	}

	grouped := groupByInstrument(p.Subscriptions)
	instruments := make([]string, 0, len(grouped))
	for instrument := range grouped {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)

	lastEnds := make(map[string]int64, len(instruments))
	lastAggs := make(map[model.Subscription]*model.Bar)

	for _, instrument := range instruments {
		bars, err := s.deps.Acquirer.Acquire(ctx, acquire.Request{
			Instrument: instrument,
			StartMs:    p.StartMs,
			EndMs:      endMs,
			EndIsNow:   p.EndIsNow,
			UseCache:   p.UseCache,
			SaveCache:  p.SaveCache,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("instrument", instrument).Msg("acquisition failed")
			p.Sink.Error(fmt.Sprintf("data acquisition failed for %s", instrument))
			continue
		}

		lastEnds[instrument] = now / timeframe.MinuteMs * timeframe.MinuteMs
		if len(bars) > 0 {
			lastEnds[instrument] = bars[len(bars)-1].Timestamp + timeframe.MinuteMs
		}

		for _, tf := range grouped[instrument] {
			series, err := aggregate.Series(tf, p.StartMs, endMs, bars, s.deps.Aligner)
			if err != nil {
				p.Sink.Error(fmt.Sprintf("invalid timeframe %q", tf))
				continue
			}
			for _, b := range series {
				p.Sink.Bar(b)
			}
			if len(series) > 0 {
				last := series[len(series)-1]
				lastAggs[model.Subscription{Instrument: instrument, Timeframe: tf}] = &last
			}
		}
	}

	if p.Live == LiveNone {
		p.Sink.Control("data_complete", map[string]any{"live": "none"})
		return
	}

	for _, instrument := range instruments {
		end, ok := lastEnds[instrument]
		if !ok {
			continue // acquisition failed, no live tracking
		}
		u := live.NewUpdater(instrument, end, s.deps.Aligner, s.liveSink(p.Sink), s.persistBar)
		for _, tf := range grouped[instrument] {
			sub := model.Subscription{Instrument: instrument, Timeframe: tf}
			if err := u.AddTimeframe(tf, lastAggs[sub]); err != nil {
				p.Sink.Error(err.Error())
			}
		}
		s.updaters[instrument] = u
	}
	if len(s.updaters) == 0 {
		p.Sink.Error("no instruments available for live data")
		return
	}

	s.liveParams = p
	if err := s.subscribeTrades(ctx); err != nil {
		s.logger.Error().Err(err).Msg("trade subscription failed")
		p.Sink.Error("live trade subscription failed")
		s.teardownLive()
		return
	}

	if p.Live == LiveSeconds && p.LiveSeconds > 0 {
		s.liveTimer = time.NewTimer(time.Duration(p.LiveSeconds) * time.Second)
	}
	s.state = StateLiveActive
	s.logger.Info().Int("instruments", len(s.updaters)).Msg("live session started")
}

// liveSink adapts the request sink for the updater.
func (s *Session) liveSink(sink Sink) live.Sink {
	return func(b model.Bar) { sink.Bar(b) }
}

// persistBar stores one closed live 1-minute bar.
func (s *Session) persistBar(b model.Bar) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.InsertBatch(context.Background(), []model.Bar{b}); err != nil {
		s.logger.Warn().Err(err).Int64("ts", b.Timestamp).Msg("live bar persist failed")
	}
}

// subscribeTrades opens the trade stream for every tracked instrument and
// pumps it into the actor loop.
func (s *Session) subscribeTrades(ctx context.Context) error {
	instruments := make([]string, 0, len(s.updaters))
	startMs := s.deps.Now()
	for instrument, u := range s.updaters {
		instruments = append(instruments, instrument)
		if open := u.Open1m(); open.Timestamp < startMs {
			startMs = open.Timestamp
		}
	}
	sort.Strings(instruments)

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := s.deps.Trades.SubscribeTrades(streamCtx, instruments, startMs*int64(time.Millisecond))
	if err != nil {
		cancel()
		return err
	}
	s.stream = stream
	s.streamStop = cancel
	s.streamGen++

	go s.pump(stream, s.streamGen, s.liveParams.Sink)
	return nil
}

// pump forwards stream trades into the actor loop and control messages to
// the client until the stream ends.
func (s *Session) pump(stream TradeStream, gen int64, sink Sink) {
	trades := stream.Trades()
	controls := stream.Controls()
	for trades != nil || controls != nil {
		select {
		case t, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			select {
			case s.trades <- t:
			case <-s.done:
				return
			}
		case c, ok := <-controls:
			if !ok {
				controls = nil
				continue
			}
			s.logger.Debug().Str("type", c.Type).Msg("trade stream control")
			if sink != nil {
				fields := map[string]any{"source": "trade_stream"}
				if len(c.Payload) > 0 {
					fields["payload"] = json.RawMessage(c.Payload)
				}
				sink.Control(c.Type, fields)
			}
		}
	}
	select {
	case s.events <- streamClosed{gen: gen}:
	case <-s.done:
	}
}

func (s *Session) handleAddTimeframe(ctx context.Context, sub model.Subscription, sink Sink) {
	if s.state != StateLiveActive {
		sink.Error(fmt.Sprintf("add_timeframe rejected in state %s", s.state))
		return
	}

	s.state = StateChangingTimeframes
	startMs := s.liveParams.StartMs
	useCache, saveCache := s.liveParams.UseCache, s.liveParams.SaveCache

	// Trades queue in the actor while the worker assembles and emits the
	// historical series for the new timeframe.
	go func() {
		result := tfChangeDone{sub: sub}
		defer func() {
			select {
			case s.events <- result:
			case <-s.done:
			}
		}()

		now := s.deps.Now()
		bars, err := s.deps.Acquirer.Acquire(ctx, acquire.Request{
			Instrument: sub.Instrument,
			StartMs:    startMs,
			EndMs:      now,
			EndIsNow:   true,
			UseCache:   useCache,
			SaveCache:  saveCache,
		})
		if err != nil {
			result.err = err
			return
		}

		series, err := aggregate.Series(sub.Timeframe, startMs, now, bars, s.deps.Aligner)
		if err != nil {
			result.err = err
			return
		}
		for _, b := range series {
			sink.Bar(b)
		}
		if len(series) > 0 {
			last := series[len(series)-1]
			result.lastAgg = &last
		}
	}()
}

// finishTimeframeChange re-enters live_active and drains the queued trades
// in arrival order.
func (s *Session) finishTimeframeChange(ctx context.Context, ev tfChangeDone) {
	if s.state != StateChangingTimeframes {
		return
	}

	if ev.err != nil {
		s.logger.Error().Err(ev.err).
			Str("instrument", ev.sub.Instrument).
			Str("timeframe", ev.sub.Timeframe).
			Msg("timeframe change failed")
		s.liveParams.Sink.Error(fmt.Sprintf("add_timeframe failed for %s:%s", ev.sub.Instrument, ev.sub.Timeframe))
	} else if u, ok := s.updaters[ev.sub.Instrument]; ok {
		if err := u.AddTimeframe(ev.sub.Timeframe, ev.lastAgg); err != nil {
			s.liveParams.Sink.Error(err.Error())
		}
	} else {
		// A brand new instrument joins the live set and the trade stream is
		// reopened to include it.
		end := s.deps.Now() / timeframe.MinuteMs * timeframe.MinuteMs
		if ev.lastAgg != nil {
			end = ev.lastAgg.Timestamp + timeframe.MinuteMs
		}
		u := live.NewUpdater(ev.sub.Instrument, end, s.deps.Aligner, s.liveSink(s.liveParams.Sink), s.persistBar)
		if err := u.AddTimeframe(ev.sub.Timeframe, ev.lastAgg); err != nil {
			s.liveParams.Sink.Error(err.Error())
		} else {
			s.updaters[ev.sub.Instrument] = u
			s.closeStream()
			if err := s.subscribeTrades(ctx); err != nil {
				s.logger.Error().Err(err).Msg("trade resubscription failed")
				s.liveParams.Sink.Error("live trade subscription failed")
				s.teardownLive()
				s.state = StateIdle
				return
			}
		}
	}

	s.state = StateLiveActive

	queued := s.tradeQueue
	s.tradeQueue = nil
	for _, t := range queued {
		s.handleTrade(t)
	}
	s.logger.Info().
		Str("instrument", ev.sub.Instrument).
		Str("timeframe", ev.sub.Timeframe).
		Int("drained", len(queued)).
		Msg("timeframe change complete")
}

func (s *Session) handleRemoveTimeframe(sub model.Subscription, sink Sink) {
	if s.state != StateLiveActive && s.state != StateChangingTimeframes {
		sink.Error(fmt.Sprintf("remove_timeframe rejected in state %s", s.state))
		return
	}

	u, ok := s.updaters[sub.Instrument]
	if !ok {
		sink.Error(fmt.Sprintf("instrument %s not subscribed", sub.Instrument))
		return
	}
	u.RemoveTimeframe(sub.Timeframe)
	if !u.HasTimeframes() {
		delete(s.updaters, sub.Instrument)
	}
}

func (s *Session) closeStream() {
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.streamStop != nil {
		s.streamStop()
		s.streamStop = nil
	}
}

// teardownLive cancels the trade stream and timer and discards live state.
func (s *Session) teardownLive() {
	s.closeStream()
	if s.liveTimer != nil {
		s.liveTimer.Stop()
		s.liveTimer = nil
	}
	s.updaters = make(map[string]*live.Updater)
	s.tradeQueue = nil
}
