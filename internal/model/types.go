// Package model defines core data types for the market-data service.
//
// This package contains the fundamental structures exchanged between the
// acquisition pipeline, the aggregation engine and the client sessions:
// OHLCV bars, tick trades and provenance tags. All monetary values use
// decimal.Decimal for precise financial calculations; a zero decimal is
// the "unset" convention throughout the codebase.
package model

import (
	"github.com/shopspring/decimal"
)

// Source tags the provenance of a bar at emission time. It is metadata
// attached when a bar is produced; the durable cache row does not carry it.
type Source string

const (
	// SourceHistorical marks bars returned by the vendor's historical channel.
	SourceHistorical Source = "H"

	// SourceLive marks 1-minute bars received on the vendor's live stream.
	SourceLive Source = "L"

	// SourceCache marks bars read back from the local durable cache.
	SourceCache Source = "C"

	// SourceAggregated marks bars built by aggregating 1-minute bars.
	SourceAggregated Source = "A"

	// SourceTick marks candles built or updated from tick trades.
	SourceTick Source = "T"
)

// Bar represents an OHLCV candle for one bucket of one timeframe.
//
// Timestamp is the bucket start in epoch milliseconds UTC. An open candle
// (IsClosed false) may be emitted many times while it is being built from
// trades; it is emitted exactly once with IsClosed true when no further
// updates to its bucket can occur.
type Bar struct {
	Timestamp  int64           // Bucket start, epoch ms UTC
	Open       decimal.Decimal // Opening price (zero means unset)
	High       decimal.Decimal // Highest price in bucket
	Low        decimal.Decimal // Lowest price in bucket
	Close      decimal.Decimal // Closing price
	Volume     int64           // Total volume traded, non-negative
	Instrument string          // Instrument symbol (e.g. "ES")
	Timeframe  string          // Timeframe string (e.g. "1m", "5m")
	Source     Source          // Provenance tag, emission-time metadata
	IsClosed   bool            // True iff no further updates will occur
}

// IsNull reports whether the bar carries no usable data: zero volume or any
// unset OHLC component. Null bars are never persisted to the cache.
func (b Bar) IsNull() bool {
	return b.Volume == 0 ||
		b.Open.IsZero() || b.High.IsZero() || b.Low.IsZero() || b.Close.IsZero()
}

// Trade represents a single tick-level trade from the vendor's trade stream.
//
// Timestamps are monotonically non-decreasing within a session but not
// strictly monotonic; two trades may share a millisecond.
type Trade struct {
	Timestamp  int64           // Execution time, epoch ms UTC
	Price      decimal.Decimal // Execution price
	Size       int64           // Traded size
	Side       string          // Aggressor side ("B", "S" or empty)
	Instrument string          // Instrument symbol
}

// Subscription identifies one (instrument, timeframe) pair a client wants
// bars for.
type Subscription struct {
	Instrument string `json:"instrument" validate:"required"`
	Timeframe  string `json:"timeframe" validate:"required"`
}

// ControlMessage is a non-data message surfaced from a vendor stream to the
// owning session.
type ControlMessage struct {
	Type    string // Vendor message type
	Payload []byte // Raw message body
}
