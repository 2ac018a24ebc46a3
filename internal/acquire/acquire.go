// Package acquire assembles complete 1-minute series from the bar cache and
// the upstream fetchers, refetching around the cached range only when the
// gaps exceed the configured cushions.
package acquire

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/wieczorkowski/chronicle/internal/model"
)

const (
	// earlyCushionMs tolerates cached data starting up to 3 days after the
	// requested start before an early refetch is issued.
	earlyCushionMs = 3 * 24 * 60 * 60 * 1000

	// lateCushionMs tolerates cached data ending up to 3 hours before "now"
	// before a late refetch is issued. Explicit ends always refetch.
	lateCushionMs = 3 * 60 * 60 * 1000

	minuteMs = 60_000
)

// Historical fetches closed 1-minute bars over the request/response channel.
type Historical interface {
	FetchHistorical(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error)
}

// Live fills the very recent tail from the streaming channel.
type Live interface {
	FetchLive1m(ctx context.Context, instruments []string, startMs, endMs int64) ([]model.Bar, error)
}

// Cache is the durable 1-minute bar store.
type Cache interface {
	GetRange(ctx context.Context, instrument, tf string, startMs, endMs int64) ([]model.Bar, error)
	InsertBatch(ctx context.Context, bars []model.Bar) error
}

// Request describes one acquisition.
type Request struct {
	Instrument string
	StartMs    int64
	EndMs      int64

	// EndIsNow marks EndMs as a stand-in for the current time rather than an
	// explicit caller-chosen end. It controls the late cushion and the live
	// tail fill.
	EndIsNow bool

	UseCache  bool
	SaveCache bool
}

// Orchestrator coordinates cache reads, historical refetches and the live
// tail fill for one acquisition at a time.
type Orchestrator struct {
	hist  Historical
	live  Live
	cache Cache
}

// New returns an orchestrator over the given fetchers and cache.
func New(hist Historical, live Live, cache Cache) *Orchestrator {
	return &Orchestrator{hist: hist, live: live, cache: cache}
}

// Acquire returns a sorted, deduplicated 1-minute series covering
// [StartMs, EndMs].
//
// With an empty (or bypassed) cache the whole range comes from the
// historical channel, and a failure there fails the call. With cached data
// present, the edges are refetched only past the cushions; refetch errors
// are logged and the cached data is served regardless.
func (o *Orchestrator) Acquire(ctx context.Context, req Request) ([]model.Bar, error) {
	var cached []model.Bar
	if req.UseCache {
		var err error
		cached, err = o.cache.GetRange(ctx, req.Instrument, "1m", req.StartMs, req.EndMs)
		if err != nil {
			log.Warn().Err(err).Str("instrument", req.Instrument).Msg("cache read failed, falling back to upstream")
		}
	}

	if len(cached) == 0 {
		bars, err := o.hist.FetchHistorical(ctx, req.Instrument, req.StartMs, req.EndMs)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", req.Instrument, err)
		}
		o.save(ctx, req, bars)
		return finalize(bars), nil
	}

	earliest := cached[0].Timestamp
	latest := cached[len(cached)-1].Timestamp
	series := cached

	if req.StartMs < earliest && earliest-req.StartMs > earlyCushionMs {
		early, err := o.hist.FetchHistorical(ctx, req.Instrument, req.StartMs, earliest-minuteMs)
		if err != nil {
			log.Warn().Err(err).Str("instrument", req.Instrument).Msg("early refetch failed, serving cached range")
		} else {
			o.save(ctx, req, early)
			series = append(series, early...)
		}
	}

	if req.EndMs > latest {
		refetch := !req.EndIsNow || req.EndMs-latest > lateCushionMs
		if refetch {
			late, err := o.hist.FetchHistorical(ctx, req.Instrument, latest+minuteMs, req.EndMs)
			if err != nil {
				log.Warn().Err(err).Str("instrument", req.Instrument).Msg("late refetch failed, serving cached range")
			} else {
				o.save(ctx, req, late)
				series = append(series, late...)
				for _, b := range late {
					if b.Timestamp > latest {
						latest = b.Timestamp
					}
				}
			}
		}
	}

	if req.EndIsNow {
		tail, err := o.live.FetchLive1m(ctx, []string{req.Instrument}, latest+minuteMs, req.EndMs)
		if err != nil {
			log.Warn().Err(err).Str("instrument", req.Instrument).Msg("live tail fill failed, serving cached range")
		} else {
			o.save(ctx, req, tail)
			series = append(series, tail...)
		}
	}

	return finalize(series), nil
}

func (o *Orchestrator) save(ctx context.Context, req Request, bars []model.Bar) {
	if !req.SaveCache || len(bars) == 0 {
		return
	}
	if err := o.cache.InsertBatch(ctx, bars); err != nil {
		log.Warn().Err(err).Str("instrument", req.Instrument).Int("bars", len(bars)).Msg("cache write failed")
	}
}

// finalize sorts ascending and collapses duplicate timestamps, keeping the
// later-appended bar (fetched data wins over cached).
func finalize(bars []model.Bar) []model.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp })

	out := bars[:0]
	for _, b := range bars {
		if len(out) > 0 && out[len(out)-1].Timestamp == b.Timestamp {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
