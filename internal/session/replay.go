package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/wieczorkowski/chronicle/internal/acquire"
	"github.com/wieczorkowski/chronicle/internal/aggregate"
	"github.com/wieczorkowski/chronicle/internal/model"
	"github.com/wieczorkowski/chronicle/internal/replay"
)

func (s *Session) handleGetReplay(ctx context.Context, p ReplayParams) {
	switch s.state {
	case StateLiveActive, StateChangingTimeframes:
		p.Sink.Error(fmt.Sprintf("get_replay rejected in state %s", s.state))
		return
	case StateReplayActive:
		s.teardownReplay()
		s.state = StateIdle
	}

	end := p.LiveStart
	if p.HasLivePhase {
		end = p.LiveEnd
	}

	grouped := groupByInstrument(p.Subscriptions)
	instruments := make([]string, 0, len(grouped))
	for instrument := range grouped {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)

	var subs []replay.Subscription
	for _, instrument := range instruments {
		bars, err := s.deps.Acquirer.Acquire(ctx, acquire.Request{
			Instrument: instrument,
			StartMs:    p.HistoryStart,
			EndMs:      end,
			EndIsNow:   p.EndIsNow,
			UseCache:   p.UseCache,
			SaveCache:  p.SaveCache,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("instrument", instrument).Msg("replay acquisition failed")
			p.Sink.Error(fmt.Sprintf("data acquisition failed for %s", instrument))
			continue
		}

		history, liveBars := splitAt(bars, p.LiveStart)
		s.emitReplayHistory(p, instrument, grouped[instrument], history)

		if p.HasLivePhase {
			subs = append(subs, replay.Subscription{
				Instrument: instrument,
				Timeframes: grouped[instrument],
				Bars:       liveBars,
			})
		}
	}

	if !p.HasLivePhase || len(subs) == 0 {
		p.Sink.Control("replay_complete", nil)
		return
	}

	runner, err := replay.NewRunner(replay.Config{
		LiveStartMs: p.LiveStart,
		LiveEndMs:   p.LiveEnd,
		IntervalMs:  p.IntervalMs,
	}, subs, s.deps.Aligner, p.Sink.Bar, func() {
		p.Sink.Control("replay_complete", nil)
		select {
		case s.events <- replayDone{}:
		case <-s.done:
		}
	})
	if err != nil {
		p.Sink.Error(err.Error())
		return
	}

	s.runner = runner
	s.replaySink = p.Sink
	go runner.Run(ctx)
	s.state = StateReplayActive
	s.logger.Info().Int("instruments", len(subs)).Int64("intervalMs", p.IntervalMs).Msg("replay started")
}

// emitReplayHistory sends the pre-live portion: 1-minute bars as stored,
// higher timeframes aggregated with every output bar declared closed.
func (s *Session) emitReplayHistory(p ReplayParams, instrument string, tfs []string, history []model.Bar) {
	if len(history) == 0 {
		return
	}
	for _, tf := range tfs {
		series, err := aggregate.Series(tf, p.HistoryStart, p.LiveStart-1, history, s.deps.Aligner)
		if err != nil {
			p.Sink.Error(fmt.Sprintf("invalid timeframe %q", tf))
			continue
		}
		for _, b := range series {
			b.IsClosed = true
			p.Sink.Bar(b)
		}
	}
}

// splitAt partitions a sorted series into bars before ts and bars at or
// after it.
func splitAt(bars []model.Bar, ts int64) (before, after []model.Bar) {
	i := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp >= ts })
	return bars[:i], bars[i:]
}

func (s *Session) teardownReplay() {
	if s.runner != nil {
		s.runner.Stop()
		s.runner = nil
	}
	s.replaySink = nil
}
