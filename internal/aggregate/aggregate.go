// Package aggregate converts chronologically sorted 1-minute series into
// higher-timeframe series with correct isClosed semantics.
//
// A bucket is declared closed when activity past its end exists in the
// input, or when its terminal 1-minute slot is present. A partially
// populated last bucket stays open until later activity arrives.
package aggregate

import (
	"github.com/wieczorkowski/chronicle/internal/model"
	"github.com/wieczorkowski/chronicle/internal/timeframe"
)

// Series aggregates the sorted 1-minute series into bars of timeframe tf
// and filters the output to [startMs, endMs]. For tf "1m" the input is
// returned filtered to the range unchanged.
func Series(tf string, startMs, endMs int64, minutes []model.Bar, al *timeframe.Aligner) ([]model.Bar, error) {
	if tf == "1m" {
		out := make([]model.Bar, 0, len(minutes))
		for _, b := range minutes {
			if b.Timestamp >= startMs && b.Timestamp <= endMs {
				out = append(out, b)
			}
		}
		return out, nil
	}

	interval, err := timeframe.Parse(tf)
	if err != nil {
		return nil, err
	}
	if len(minutes) == 0 {
		return nil, nil
	}

	maxTs := minutes[len(minutes)-1].Timestamp

	var (
		out          []model.Bar
		open         *model.Bar
		terminalSeen bool
	)

	emit := func() {
		if open == nil {
			return
		}
		// Later activity in the input, or the bucket's final 1-minute slot,
		// seals the bucket.
		open.IsClosed = maxTs >= open.Timestamp+interval || terminalSeen
		if open.Timestamp >= startMs && open.Timestamp <= endMs {
			out = append(out, *open)
		}
		open = nil
	}

	for _, c := range minutes {
		bucket := al.Bucket(c.Timestamp, interval)

		if open == nil || bucket != open.Timestamp {
			emit()
			open = &model.Bar{
				Timestamp:  bucket,
				Open:       c.Open,
				High:       c.High,
				Low:        c.Low,
				Close:      c.Close,
				Volume:     c.Volume,
				Instrument: c.Instrument,
				Timeframe:  tf,
				Source:     model.SourceAggregated,
			}
			terminalSeen = false
		} else {
			if c.High.GreaterThan(open.High) {
				open.High = c.High
			}
			if c.Low.LessThan(open.Low) {
				open.Low = c.Low
			}
			open.Close = c.Close
			open.Volume += c.Volume
		}

		if c.Timestamp == open.Timestamp+interval-timeframe.MinuteMs {
			terminalSeen = true
		}
	}
	emit()

	return out, nil
}
