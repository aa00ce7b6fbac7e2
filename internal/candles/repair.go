package candles

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/vnarchive/internal/storage"
)

// RepairSource is the provenance tag written on repaired bars, so repaired
// data is distinguishable from the regular ingest forever after.
const RepairSource = "vci-repair"

// Repairer drains the repair queue: claim windows, fetch them from the
// provider, and store whatever came back.
type Repairer struct {
	store    *storage.Store
	provider Provider
	log      *slog.Logger
	lease    time.Duration
}

// RepairerOptions tunes a Repairer.
type RepairerOptions struct {
	// Lease requeues tasks claimed longer than this ago before claiming.
	// Zero disables reclaim.
	Lease  time.Duration
	Logger *slog.Logger
}

func NewRepairer(store *storage.Store, provider Provider, opts RepairerOptions) *Repairer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Repairer{store: store, provider: provider, log: opts.Logger, lease: opts.Lease}
}

// RepairSummary reports one repair batch.
type RepairSummary struct {
	Reclaimed   int `json:"reclaimed"`
	Claimed     int `json:"claimed"`
	Done        int `json:"done"`
	Errored     int `json:"errored"`
	BarsStored  int `json:"bars_stored"`
	BarsMissing int `json:"bars_missing"`
}

// Run claims up to limit queued repair tasks and processes them one at a
// time (the provider rate-limits aggressively; there is no gain in
// parallel windows). A window that comes back short still completes: the
// provider genuinely has no bars for market holidays, and the shortfall is
// recorded in the audit trail. Only provider/transport failures mark the
// task errored, and a later claim retries it with the attempt count grown.
func (r *Repairer) Run(ctx context.Context, limit int) (RepairSummary, error) {
	var sum RepairSummary

	if r.lease > 0 {
		n, err := r.store.ReclaimStaleRepairs(r.lease)
		if err != nil {
			return sum, err
		}
		sum.Reclaimed = n
		if n > 0 {
			r.log.Info("requeued stale repairs", "count", n)
		}
	}

	tasks, err := r.store.ClaimRepairTasks(limit)
	if err != nil {
		return sum, err
	}
	sum.Claimed = len(tasks)

	for _, task := range tasks {
		// A deadline between tasks ends the run cleanly. Tasks already
		// claimed but not processed stay running until the lease reclaims
		// them.
		if ctx.Err() != nil {
			return sum, nil
		}

		tf, err := ParseTimeframe(task.TF)
		if err != nil {
			if err := r.store.FailRepairTask(task.ID, err.Error()); err != nil {
				return sum, err
			}
			sum.Errored++
			continue
		}

		bars, err := r.provider.FetchCandles(ctx, task.Ticker, tf, task.WindowStartTS, task.WindowEndTS)
		if err != nil {
			if ctx.Err() != nil {
				return sum, nil
			}
			r.log.Warn("repair fetch failed", "task", task.ID, "ticker", task.Ticker,
				"tf", task.TF, "attempt", task.Attempts, "error", err)
			if err := r.store.FailRepairTask(task.ID, err.Error()); err != nil {
				return sum, err
			}
			sum.Errored++
			continue
		}

		for i := range bars {
			bars[i].Source = RepairSource
		}
		stored, err := r.store.UpsertCandles(task.Ticker, task.TF, bars)
		if err != nil {
			return sum, err
		}

		missing := task.ExpectedBars - stored
		if missing < 0 {
			missing = 0
		}
		if err := r.store.InsertRepairAudit(storage.RepairAudit{
			TaskID:        task.ID,
			Ticker:        task.Ticker,
			TF:            task.TF,
			WindowStartTS: task.WindowStartTS,
			WindowEndTS:   task.WindowEndTS,
			ExpectedBars:  task.ExpectedBars,
			FetchedBars:   stored,
			MissingBars:   missing,
		}); err != nil {
			return sum, err
		}
		if err := r.store.CompleteRepairTask(task.ID); err != nil {
			return sum, err
		}

		sum.Done++
		sum.BarsStored += stored
		sum.BarsMissing += missing
		r.log.Info("window repaired", "task", task.ID, "ticker", task.Ticker, "tf", task.TF,
			"expected", task.ExpectedBars, "fetched", stored, "missing", missing)
	}
	return sum, nil
}
