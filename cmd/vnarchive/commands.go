package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kalambet/vnarchive/internal/candles"
	"github.com/kalambet/vnarchive/internal/config"
	"github.com/kalambet/vnarchive/internal/fetch"
	"github.com/kalambet/vnarchive/internal/frontier"
	"github.com/kalambet/vnarchive/internal/storage"
	"github.com/kalambet/vnarchive/internal/vietstock"
)

// Every batch command follows the same shape: load config (fatal before
// any work is claimed), open the store, run one stage, print its JSON
// summary to stdout, exit 0 even when nothing was done.

func setup() (config.Config, *storage.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("opening storage: %w", err)
	}
	return cfg, store, nil
}

func newTracker(cfg config.Config, store *storage.Store) *frontier.Tracker {
	client := vietstock.NewClient(cfg.HTTPTimeout())
	return frontier.New(store, client, client, frontier.Options{
		EmptyPageThreshold: cfg.Discover.EmptyPageThreshold,
		RequestsPerSec:     cfg.HTTP.RequestsPerSec,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- init ---

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Register configured feeds and derive their listing seeds",
	Long: `Register the RSS feeds from the config file and derive a category
listing seed for each one. Safe to rerun: existing rows are left alone,
except a missing channel id which is backfilled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		feeds, seeds := 0, 0
		for _, feedURL := range cfg.Feeds {
			if err := store.RegisterFeed(feedURL, "rss"); err != nil {
				return err
			}
			feeds++

			seedURL, channelID, ok := vietstock.DeriveSeed(feedURL)
			if !ok {
				printWarning("no listing seed derivable from %s", feedURL)
				continue
			}
			if err := store.RegisterSeed(storage.Seed{
				SeedURL:   seedURL,
				FeedURL:   feedURL,
				ChannelID: channelID,
				Kind:      "category",
				Enabled:   true,
			}); err != nil {
				return err
			}
			seeds++
		}

		printSuccess("registered %d feeds, %d seeds", feeds, seeds)
		return printJSON(map[string]int{"feeds": feeds, "seeds": seeds})
	},
}

// --- rss ---

var rssCmd = &cobra.Command{
	Use:   "rss",
	Short: "Poll RSS feeds for newly published articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := cmdContext()
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit == 0 {
			limit = cfg.Discover.FeedItemLimit
		}

		sum, err := newTracker(cfg, store).PollFeeds(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Crawl category listing pages until every seed converges",
	Long: `Crawl each enabled category seed page by page, discovering historical
article URLs. A seed converges after the configured number of consecutive
pages with nothing new. Once all seeds have converged the run becomes a
permanent no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := cmdContext()
		defer cancel()

		pages, _ := cmd.Flags().GetInt("pages")
		if pages == 0 {
			pages = cfg.Discover.PageBudget
		}

		sum, err := newTracker(cfg, store).Backfill(ctx, pages)
		if err != nil {
			return err
		}
		if sum.Done {
			printSuccess("backfill complete")
		}
		return printJSON(sum)
	},
}

// --- fetch ---

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and extract a batch of pending articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := cmdContext()
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit == 0 {
			limit = cfg.Fetch.BatchSize
		}

		order := storage.OrderByDiscovered
		if cfg.Fetch.OrderByURLDate {
			order = storage.OrderByURLDate
		}

		var render fetch.Getter
		if cfg.Fetch.RenderFallback {
			rg, err := fetch.NewRenderGetter()
			if err != nil {
				printWarning("render fallback unavailable: %v", err)
			} else {
				defer rg.Close()
				render = rg
			}
		}

		stage := fetch.New(store, fetch.NewHTTPGetter(cfg.HTTPTimeout()), fetch.Options{
			Workers:        cfg.Fetch.Workers,
			RequestsPerSec: cfg.HTTP.RequestsPerSec,
			Lease:          cfg.FetchLease(),
			MinWords:       cfg.Fetch.MinWords,
			Order:          order,
			Render:         render,
		})

		sum, err := stage.Run(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

// --- gapscan ---

var gapscanCmd = &cobra.Command{
	Use:   "gapscan",
	Short: "Detect holes in stored candle series and queue repairs",
	Long: `Scan stored candle series for missing bars. The default recent scan
checks only the newest bars of every series and is cheap enough for every
cron tick; --full walks the whole lookback window with a stricter
threshold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := cmdContext()
		defer cancel()

		scanner := candles.NewScanner(store, nil)

		full, _ := cmd.Flags().GetBool("full")
		if full {
			tf, _ := cmd.Flags().GetString("tf")
			tickers, _ := cmd.Flags().GetInt("tickers")
			sum, err := scanner.ScanFull(ctx, tf, cfg.FullLookbackMS(), tickers)
			if err != nil {
				return err
			}
			return printJSON(sum)
		}

		sum, err := scanner.ScanRecent(ctx, cfg.Repair.RecentTimeframes, cfg.Repair.RecentBars)
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

// --- repair ---

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Fill queued candle gaps from the quote provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.Repair.ProviderURL == "" {
			return fmt.Errorf("repair.provider_url is required for the repair command")
		}

		ctx, cancel := cmdContext()
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit == 0 {
			limit = cfg.Repair.BatchSize
		}

		provider := candles.NewHTTPProvider(cfg.Repair.ProviderURL, cfg.HTTPTimeout())
		repairer := candles.NewRepairer(store, provider, candles.RepairerOptions{
			Lease: cfg.RepairLease(),
		})

		sum, err := repairer.Run(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show archive progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		sum, err := store.Status()
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(sum)
		}

		printStatus("articles", "%d total (%d pending, %d running, %d fetched, %d failed)",
			sum.Articles.Total, sum.Articles.Pending, sum.Articles.Running,
			sum.Articles.Fetched, sum.Articles.Failed)
		if sum.Articles.OldestPublishedAt != "" {
			printStatus("published", "%s .. %s", sum.Articles.OldestPublishedAt, sum.Articles.NewestPublishedAt)
		}
		printStatus("fetch", "%d http, %d rendered, %d failed",
			sum.Fetch.HTTPUsed, sum.Fetch.RenderUsed, sum.Fetch.Failed)
		printStatus("backfill", "%d/%d seeds converged (done=%v)",
			sum.Backfill.SeedsDone, sum.Backfill.SeedsEnabled, sum.Backfill.Done)
		printStatus("repairs", "%d queued, %d running, %d done, %d errored",
			sum.Repairs.Queued, sum.Repairs.Running, sum.Repairs.Done, sum.Repairs.Error)

		inconsistent := sum.Consistency.PendingWithContent +
			sum.Consistency.FetchedMissingContent + sum.Consistency.FailedWithoutError
		if inconsistent > 0 {
			printWarning("%d rows in inconsistent states (interrupted runs?)", inconsistent)
		}
		return nil
	},
}

func init() {
	rssCmd.Flags().Int("limit", 0, "max items per feed (0 = config default)")
	backfillCmd.Flags().Int("pages", 0, "listing page budget for this run (0 = config default)")
	fetchCmd.Flags().Int("limit", 0, "max articles this run (0 = config default)")
	gapscanCmd.Flags().Bool("full", false, "full reconciliation scan instead of the recent check")
	gapscanCmd.Flags().String("tf", "1d", "timeframe for --full")
	gapscanCmd.Flags().Int("tickers", 0, "ticker cap for --full (0 = all)")
	repairCmd.Flags().Int("limit", 0, "max repair tasks this run (0 = config default)")
	statusCmd.Flags().Bool("json", false, "print the summary as JSON")
}
