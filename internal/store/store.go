// Package store provides the durable SQLite-backed state for the service:
// the 1-minute bar cache plus the ancillary settings, annotation and
// strategy tables.
//
// The bar cache is shared across client sessions. Reads may run in
// parallel; batch inserts are transactional with upsert-by-primary-key
// semantics. Null bars (zero volume or unset OHLC) are filtered before the
// transaction begins and logged as skipped. The source tag is not
// persisted; rows read back are tagged SourceCache.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/wieczorkowski/chronicle/internal/model"
)

// Pragmas applied at init: write-ahead logging for concurrent readers,
// relaxed fsync for throughput, and a ~128 MiB page cache.
const initPragmas = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA cache_size = -131072;
`

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	instrument TEXT    NOT NULL,
	timeframe  TEXT    NOT NULL,
	timestamp  INTEGER NOT NULL,
	open       REAL    NOT NULL,
	high       REAL    NOT NULL,
	low        REAL    NOT NULL,
	close      REAL    NOT NULL,
	volume     INTEGER NOT NULL,
	PRIMARY KEY (instrument, timeframe, timestamp)
);
CREATE TABLE IF NOT EXISTS settings (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS client_settings (
	client_id TEXT PRIMARY KEY,
	value     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS annotations (
	client_id  TEXT NOT NULL,
	unique_id  TEXT NOT NULL,
	instrument TEXT NOT NULL,
	timeframe  TEXT NOT NULL,
	annotype   TEXT NOT NULL,
	object     TEXT NOT NULL,
	PRIMARY KEY (client_id, unique_id)
);
CREATE TABLE IF NOT EXISTS strategies (
	client_id     TEXT PRIMARY KEY,
	strategy_name TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	parameters    TEXT NOT NULL DEFAULT '{}',
	subscribers   TEXT NOT NULL DEFAULT '{"subscribers":[]}'
);
`

// Store wraps the SQLite database holding bars and ancillary state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies pragmas and creates
// the schema. A failure here is fatal to process start.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	if _, err := db.Exec(initPragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("cache database ready")
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetRange returns cached bars for the instrument and timeframe with
// timestamps in [startMs, endMs], ordered ascending. Rows are tagged
// SourceCache and closed.
func (s *Store) GetRange(ctx context.Context, instrument, tf string, startMs, endMs int64) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM bars
		WHERE instrument = ? AND timeframe = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC`,
		instrument, tf, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var (
			ts, volume int64
			o, h, l, c float64
		)
		if err := rows.Scan(&ts, &o, &h, &l, &c, &volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, model.Bar{
			Timestamp:  ts,
			Open:       decimal.NewFromFloat(o),
			High:       decimal.NewFromFloat(h),
			Low:        decimal.NewFromFloat(l),
			Close:      decimal.NewFromFloat(c),
			Volume:     volume,
			Instrument: instrument,
			Timeframe:  tf,
			Source:     model.SourceCache,
			IsClosed:   true,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bars: %w", err)
	}
	return bars, nil
}

// InsertBatch upserts the given bars in one transaction. Null bars are
// filtered out before the transaction begins and logged as skipped.
func (s *Store) InsertBatch(ctx context.Context, bars []model.Bar) error {
	kept := make([]model.Bar, 0, len(bars))
	skipped := 0
	for _, b := range bars {
		if b.IsNull() {
			skipped++
			continue
		}
		kept = append(kept, b)
	}
	if skipped > 0 {
		log.Debug().Int("skipped", skipped).Msg("null bars filtered from cache insert")
	}
	if len(kept) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (instrument, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument, timeframe, timestamp) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close,
			volume = excluded.volume`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range kept {
		if _, err := stmt.ExecContext(ctx,
			b.Instrument, b.Timeframe, b.Timestamp,
			b.Open.InexactFloat64(), b.High.InexactFloat64(),
			b.Low.InexactFloat64(), b.Close.InexactFloat64(),
			b.Volume,
		); err != nil {
			return fmt.Errorf("insert bar %s/%s@%d: %w", b.Instrument, b.Timeframe, b.Timestamp, err)
		}
	}
	return tx.Commit()
}

// ClearFilter selects bars to delete. Zero-valued fields are ignored; an
// empty filter deletes everything.
type ClearFilter struct {
	Instrument string
	Timeframe  string
	StartMs    int64
	EndMs      int64
}

// Clear deletes bars matching the filter.
func (s *Store) Clear(ctx context.Context, f ClearFilter) error {
	var (
		conds []string
		args  []any
	)
	if f.Instrument != "" {
		conds = append(conds, "instrument = ?")
		args = append(args, f.Instrument)
	}
	if f.Timeframe != "" {
		conds = append(conds, "timeframe = ?")
		args = append(args, f.Timeframe)
	}
	if f.StartMs != 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.StartMs)
	}
	if f.EndMs != 0 {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.EndMs)
	}

	query := "DELETE FROM bars"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear bars: %w", err)
	}
	return nil
}
