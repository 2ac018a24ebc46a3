package acquire

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wieczorkowski/chronicle/internal/model"
)

const (
	dayMs  = int64(24 * 60 * 60 * 1000)
	hourMs = int64(60 * 60 * 1000)
)

type mockHistorical struct{ mock.Mock }

func (m *mockHistorical) FetchHistorical(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error) {
	args := m.Called(ctx, instrument, startMs, endMs)
	bars, _ := args.Get(0).([]model.Bar)
	return bars, args.Error(1)
}

type mockLive struct{ mock.Mock }

func (m *mockLive) FetchLive1m(ctx context.Context, instruments []string, startMs, endMs int64) ([]model.Bar, error) {
	args := m.Called(ctx, instruments, startMs, endMs)
	bars, _ := args.Get(0).([]model.Bar)
	return bars, args.Error(1)
}

type mockCache struct{ mock.Mock }

func (m *mockCache) GetRange(ctx context.Context, instrument, tf string, startMs, endMs int64) ([]model.Bar, error) {
	args := m.Called(ctx, instrument, tf, startMs, endMs)
	bars, _ := args.Get(0).([]model.Bar)
	return bars, args.Error(1)
}

func (m *mockCache) InsertBatch(ctx context.Context, bars []model.Bar) error {
	args := m.Called(ctx, bars)
	return args.Error(0)
}

func minuteBar(ts int64, source model.Source) model.Bar {
	px := decimal.NewFromInt(100)
	return model.Bar{
		Timestamp:  ts,
		Open:       px,
		High:       px,
		Low:        px,
		Close:      px,
		Volume:     10,
		Instrument: "ES",
		Timeframe:  "1m",
		Source:     source,
		IsClosed:   true,
	}
}

func minuteRange(startMs, endMs int64, source model.Source) []model.Bar {
	var bars []model.Bar
	for ts := startMs; ts <= endMs; ts += minuteMs {
		bars = append(bars, minuteBar(ts, source))
	}
	return bars
}

func TestAcquire_EmptyCache(t *testing.T) {
	t.Run("full range from historical, saved", func(t *testing.T) {
		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		fetched := minuteRange(0, 2*minuteMs, model.SourceHistorical)
		cache.On("GetRange", mock.Anything, "ES", "1m", int64(0), int64(2*minuteMs)).Return([]model.Bar(nil), nil)
		hist.On("FetchHistorical", mock.Anything, "ES", int64(0), int64(2*minuteMs)).Return(fetched, nil)
		cache.On("InsertBatch", mock.Anything, fetched).Return(nil)

		o := New(hist, live, cache)
		bars, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: 0, EndMs: 2 * minuteMs,
			UseCache: true, SaveCache: true,
		})
		require.NoError(t, err)
		assert.Len(t, bars, 3)

		hist.AssertExpectations(t)
		cache.AssertExpectations(t)
		live.AssertNotCalled(t, "FetchLive1m", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("historical failure fails the call", func(t *testing.T) {
		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		cache.On("GetRange", mock.Anything, "ES", "1m", int64(0), int64(minuteMs)).Return([]model.Bar(nil), nil)
		hist.On("FetchHistorical", mock.Anything, "ES", int64(0), int64(minuteMs)).Return(nil, errors.New("upstream down"))

		o := New(hist, live, cache)
		_, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: 0, EndMs: minuteMs, UseCache: true,
		})
		assert.Error(t, err)
	})

	t.Run("cache bypassed when disabled", func(t *testing.T) {
		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		hist.On("FetchHistorical", mock.Anything, "ES", int64(0), int64(minuteMs)).
			Return([]model.Bar{minuteBar(0, model.SourceHistorical)}, nil)

		o := New(hist, live, cache)
		bars, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: 0, EndMs: minuteMs, UseCache: false, SaveCache: false,
		})
		require.NoError(t, err)
		assert.Len(t, bars, 1)

		cache.AssertNotCalled(t, "GetRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		cache.AssertNotCalled(t, "InsertBatch", mock.Anything, mock.Anything)
	})
}

// Scenario: cache covers [T-2d, T-1h], request [T-2d-1h, T] ending "now".
// Both gaps sit inside the cushions, so the live tail fill is the only
// upstream call.
func TestAcquire_CushionSkip(t *testing.T) {
	now := int64(1_700_000_400_000)
	cachedStart := now - 2*dayMs
	cachedEnd := now - hourMs
	reqStart := cachedStart - hourMs

	hist := new(mockHistorical)
	live := new(mockLive)
	cache := new(mockCache)

	cached := []model.Bar{minuteBar(cachedStart, model.SourceCache), minuteBar(cachedEnd, model.SourceCache)}
	cache.On("GetRange", mock.Anything, "ES", "1m", reqStart, now).Return(cached, nil)
	live.On("FetchLive1m", mock.Anything, []string{"ES"}, cachedEnd+minuteMs, now).
		Return([]model.Bar{minuteBar(now, model.SourceLive)}, nil)

	o := New(hist, live, cache)
	bars, err := o.Acquire(context.Background(), Request{
		Instrument: "ES", StartMs: reqStart, EndMs: now, EndIsNow: true, UseCache: true,
	})
	require.NoError(t, err)
	assert.Len(t, bars, 3)

	hist.AssertNotCalled(t, "FetchHistorical", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	live.AssertExpectations(t)
}

func TestAcquire_EarlyCushion(t *testing.T) {
	now := int64(1_700_000_400_000)
	cachedStart := now - hourMs
	cached := []model.Bar{minuteBar(cachedStart, model.SourceCache), minuteBar(now, model.SourceCache)}

	t.Run("gap beyond 3 days triggers early refetch", func(t *testing.T) {
		reqStart := cachedStart - 3*dayMs - minuteMs

		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		cache.On("GetRange", mock.Anything, "ES", "1m", reqStart, now).Return(cached, nil)
		hist.On("FetchHistorical", mock.Anything, "ES", reqStart, cachedStart-minuteMs).
			Return(minuteRange(reqStart, reqStart+minuteMs, model.SourceHistorical), nil)

		o := New(hist, live, cache)
		bars, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: reqStart, EndMs: now, UseCache: true,
		})
		require.NoError(t, err)
		assert.Len(t, bars, 4)
		hist.AssertExpectations(t)
	})

	t.Run("gap within 3 days skipped", func(t *testing.T) {
		reqStart := cachedStart - 3*dayMs

		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		cache.On("GetRange", mock.Anything, "ES", "1m", reqStart, now).Return(cached, nil)

		o := New(hist, live, cache)
		bars, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: reqStart, EndMs: now, UseCache: true,
		})
		require.NoError(t, err)
		assert.Len(t, bars, 2)
		hist.AssertNotCalled(t, "FetchHistorical", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("early refetch failure serves cached range", func(t *testing.T) {
		reqStart := cachedStart - 4*dayMs

		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		cache.On("GetRange", mock.Anything, "ES", "1m", reqStart, now).Return(cached, nil)
		hist.On("FetchHistorical", mock.Anything, "ES", reqStart, cachedStart-minuteMs).
			Return(nil, errors.New("upstream down"))

		o := New(hist, live, cache)
		bars, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: reqStart, EndMs: now, UseCache: true,
		})
		require.NoError(t, err)
		assert.Len(t, bars, 2)
	})
}

func TestAcquire_LateCushion(t *testing.T) {
	latest := int64(1_700_000_400_000)
	cached := []model.Bar{minuteBar(latest-minuteMs, model.SourceCache), minuteBar(latest, model.SourceCache)}
	start := latest - hourMs

	t.Run("explicit end always refetches", func(t *testing.T) {
		end := latest + hourMs // well inside the 3h cushion

		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		cache.On("GetRange", mock.Anything, "ES", "1m", start, end).Return(cached, nil)
		hist.On("FetchHistorical", mock.Anything, "ES", latest+minuteMs, end).
			Return([]model.Bar{minuteBar(end, model.SourceHistorical)}, nil)

		o := New(hist, live, cache)
		bars, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: start, EndMs: end, UseCache: true,
		})
		require.NoError(t, err)
		assert.Len(t, bars, 3)
		hist.AssertExpectations(t)
	})

	t.Run("now end beyond 3 hours refetches then fills tail", func(t *testing.T) {
		now := latest + 3*hourMs + minuteMs
		lateBar := minuteBar(now - minuteMs, model.SourceHistorical)

		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		cache.On("GetRange", mock.Anything, "ES", "1m", start, now).Return(cached, nil)
		hist.On("FetchHistorical", mock.Anything, "ES", latest+minuteMs, now).
			Return([]model.Bar{lateBar}, nil)
		// Live fill resumes after the refetched tail, not the cached one.
		live.On("FetchLive1m", mock.Anything, []string{"ES"}, now, now).
			Return([]model.Bar(nil), nil)

		o := New(hist, live, cache)
		bars, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: start, EndMs: now, EndIsNow: true, UseCache: true,
		})
		require.NoError(t, err)
		assert.Len(t, bars, 3)
		hist.AssertExpectations(t)
		live.AssertExpectations(t)
	})

	t.Run("live tail failure serves cached range", func(t *testing.T) {
		now := latest + hourMs

		hist := new(mockHistorical)
		live := new(mockLive)
		cache := new(mockCache)

		cache.On("GetRange", mock.Anything, "ES", "1m", start, now).Return(cached, nil)
		live.On("FetchLive1m", mock.Anything, []string{"ES"}, latest+minuteMs, now).
			Return(nil, errors.New("stream down"))

		o := New(hist, live, cache)
		bars, err := o.Acquire(context.Background(), Request{
			Instrument: "ES", StartMs: start, EndMs: now, EndIsNow: true, UseCache: true,
		})
		require.NoError(t, err)
		assert.Len(t, bars, 2)
	})
}

func TestAcquire_SortAndDedupe(t *testing.T) {
	now := int64(1_700_000_400_000)
	// Cached bar at `now` overlaps the live fill; the live bar wins.
	cached := []model.Bar{minuteBar(now-minuteMs, model.SourceCache), minuteBar(now, model.SourceCache)}
	liveBar := minuteBar(now, model.SourceLive)
	liveBar.Volume = 99

	hist := new(mockHistorical)
	live := new(mockLive)
	cache := new(mockCache)

	cache.On("GetRange", mock.Anything, "ES", "1m", now-hourMs, now).Return(cached, nil)
	live.On("FetchLive1m", mock.Anything, []string{"ES"}, now+minuteMs, now).
		Return([]model.Bar{liveBar}, nil)

	o := New(hist, live, cache)
	bars, err := o.Acquire(context.Background(), Request{
		Instrument: "ES", StartMs: now - hourMs, EndMs: now, EndIsNow: true, UseCache: true,
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.True(t, bars[0].Timestamp < bars[1].Timestamp)
	assert.Equal(t, int64(99), bars[1].Volume)
	assert.Equal(t, model.SourceLive, bars[1].Source)
}
