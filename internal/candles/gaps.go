package candles

import (
	"context"
	"log/slog"

	"github.com/kalambet/vnarchive/internal/storage"
)

// Gap thresholds: the recent scan runs on every cron tick and tolerates a
// little market-calendar slack; the full scan is a stricter scheduled
// reconciliation.
const (
	RecentGapThreshold = 1.5
	FullGapThreshold   = 2.0
)

// Window is a missing-bar range, inclusive on both ends.
type Window struct {
	StartTS      int64
	EndTS        int64
	ExpectedBars int
}

// DetectGaps finds holes in an ascending timestamp series. A pair of
// consecutive bars more than threshold*interval apart yields the window
// [prev+interval, cur-interval]; the expected bar count assumes perfect
// spacing inside it.
func DetectGaps(ts []int64, intervalMS int64, threshold float64) []Window {
	if intervalMS <= 0 || len(ts) < 2 {
		return nil
	}
	limit := int64(threshold * float64(intervalMS))

	var gaps []Window
	for i := 1; i < len(ts); i++ {
		prev, cur := ts[i-1], ts[i]
		if cur-prev <= limit {
			continue
		}
		start := prev + intervalMS
		end := cur - intervalMS
		if end < start {
			continue
		}
		gaps = append(gaps, Window{
			StartTS:      start,
			EndTS:        end,
			ExpectedBars: int((end-start)/intervalMS) + 1,
		})
	}
	return gaps
}

// Scanner walks stored candle series and enqueues repair windows.
type Scanner struct {
	store *storage.Store
	log   *slog.Logger
}

func NewScanner(store *storage.Store, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{store: store, log: log}
}

// ScanSummary reports one gap scan.
type ScanSummary struct {
	TickersScanned int `json:"tickers_scanned"`
	GapsFound      int `json:"gaps_found"`
	Enqueued       int `json:"enqueued"`
	DedupedTasks   int `json:"deduped_tasks"`
}

// ScanRecent is the fast cron check: for each ticker in each of the given
// timeframes it inspects only the newest bars and enqueues at most the
// first gap, with the loose threshold. Cheap enough to run every tick;
// the full scan catches the rest.
func (s *Scanner) ScanRecent(ctx context.Context, tfNames []string, bars int) (ScanSummary, error) {
	var sum ScanSummary
	if bars <= 0 {
		bars = 50
	}

	for _, name := range tfNames {
		tf, err := ParseTimeframe(name)
		if err != nil {
			return sum, err
		}
		tickers, err := s.store.DistinctTickers(tf.Name, 0)
		if err != nil {
			return sum, err
		}
		for _, ticker := range tickers {
			if ctx.Err() != nil {
				return sum, nil
			}
			sum.TickersScanned++

			ts, err := s.store.RecentTimestamps(ticker, tf.Name, bars)
			if err != nil {
				return sum, err
			}
			gaps := DetectGaps(ts, tf.IntervalMS, RecentGapThreshold)
			if len(gaps) == 0 {
				continue
			}
			sum.GapsFound += len(gaps)
			if err := s.enqueue(ticker, tf, gaps[0], "recent-scan", &sum); err != nil {
				return sum, err
			}
		}
	}
	return sum, nil
}

// ScanFull is the scheduled reconciliation: every gap in the lookback
// window, strict threshold, optionally capped to the first limitTickers
// tickers.
func (s *Scanner) ScanFull(ctx context.Context, tfName string, lookbackMS int64, limitTickers int) (ScanSummary, error) {
	var sum ScanSummary

	tf, err := ParseTimeframe(tfName)
	if err != nil {
		return sum, err
	}
	tickers, err := s.store.DistinctTickers(tf.Name, limitTickers)
	if err != nil {
		return sum, err
	}

	for _, ticker := range tickers {
		if ctx.Err() != nil {
			return sum, nil
		}
		sum.TickersScanned++

		var ts []int64
		if lookbackMS > 0 {
			newest, err := s.store.RecentTimestamps(ticker, tf.Name, 1)
			if err != nil {
				return sum, err
			}
			if len(newest) == 0 {
				continue
			}
			ts, err = s.store.TimestampsSince(ticker, tf.Name, newest[0]-lookbackMS)
			if err != nil {
				return sum, err
			}
		} else {
			ts, err = s.store.TimestampsSince(ticker, tf.Name, 0)
			if err != nil {
				return sum, err
			}
		}

		gaps := DetectGaps(ts, tf.IntervalMS, FullGapThreshold)
		sum.GapsFound += len(gaps)
		for _, gap := range gaps {
			if err := s.enqueue(ticker, tf, gap, "full-scan", &sum); err != nil {
				return sum, err
			}
		}
	}
	return sum, nil
}

func (s *Scanner) enqueue(ticker string, tf Timeframe, gap Window, reason string, sum *ScanSummary) error {
	created, err := s.store.EnqueueRepairTask(storage.RepairTask{
		Ticker:        ticker,
		TF:            tf.Name,
		WindowStartTS: gap.StartTS,
		WindowEndTS:   gap.EndTS,
		ExpectedBars:  gap.ExpectedBars,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	if created {
		sum.Enqueued++
		s.log.Info("gap enqueued", "ticker", ticker, "tf", tf.Name,
			"window_start", gap.StartTS, "window_end", gap.EndTS,
			"expected", gap.ExpectedBars, "reason", reason)
	} else {
		sum.DedupedTasks++
	}
	return nil
}
