package storage

import (
	"database/sql"
	"fmt"
)

// UpsertCandles inserts or replaces bars for one (ticker, tf) series.
// Numeric fields are replaced; the provenance tag only replaces the stored
// one when the incoming value is non-null, so a repair-sourced bar is not
// silently relabeled by a later ingest with no provenance.
func (s *Store) UpsertCandles(ticker, tf string, bars []Candle) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning candle upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO candles (ticker, tf, ts, o, h, l, c, v, source, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker, tf, ts) DO UPDATE SET
			o = excluded.o,
			h = excluded.h,
			l = excluded.l,
			c = excluded.c,
			v = excluded.v,
			source = COALESCE(excluded.source, candles.source),
			ingested_at = excluded.ingested_at`)
	if err != nil {
		return 0, fmt.Errorf("preparing candle upsert: %w", err)
	}
	defer stmt.Close()

	now := nowRFC3339()
	for _, b := range bars {
		var v any
		if b.V != nil {
			v = *b.V
		}
		if _, err := stmt.Exec(ticker, tf, b.TS, b.O, b.H, b.L, b.C, v, nullable(b.Source), now); err != nil {
			return 0, fmt.Errorf("upserting candle %s %s ts=%d: %w", ticker, tf, b.TS, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing candle upsert: %w", err)
	}
	return len(bars), nil
}

// GetCandle returns a single bar.
func (s *Store) GetCandle(ticker, tf string, ts int64) (Candle, error) {
	var c Candle
	var v *float64
	var source *string
	err := s.db.QueryRow(`
		SELECT ticker, tf, ts, o, h, l, c, v, source FROM candles
		WHERE ticker = ? AND tf = ? AND ts = ?`, ticker, tf, ts,
	).Scan(&c.Ticker, &c.TF, &c.TS, &c.O, &c.H, &c.L, &c.C, &v, &source)
	if err != nil {
		return Candle{}, err
	}
	c.V = v
	if source != nil {
		c.Source = *source
	}
	return c, nil
}

// DistinctTickers lists tickers that have bars for the timeframe. A
// non-positive limit means no cap.
func (s *Store) DistinctTickers(tf string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT DISTINCT ticker FROM candles WHERE tf = ? ORDER BY ticker LIMIT ?`, tf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// TimestampsSince returns the series timestamps at or after sinceTS,
// ascending.
func (s *Store) TimestampsSince(ticker, tf string, sinceTS int64) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT ts FROM candles WHERE ticker = ? AND tf = ? AND ts >= ? ORDER BY ts ASC`,
		ticker, tf, sinceTS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTimestamps(rows)
}

// RecentTimestamps returns the last `bars` timestamps of the series,
// ascending.
func (s *Store) RecentTimestamps(ticker, tf string, bars int) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT ts FROM (
			SELECT ts FROM candles WHERE ticker = ? AND tf = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, ticker, tf, bars)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTimestamps(rows)
}

func scanTimestamps(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}
