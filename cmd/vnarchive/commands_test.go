package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/vnarchive/internal/storage"
)

func writeTestConfig(t *testing.T, dataDir string, extra string) string {
	t.Helper()
	cfg := fmt.Sprintf(`
storage:
  data_dir: %s
feeds:
  - https://vietstock.vn/761/kinh-te/vi-mo.rss
  - https://vietstock.vn/144/chung-khoan.rss
%s`, dataDir, extra)
	path := filepath.Join(t.TempDir(), "vnarchive.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestInitIsIdempotent(t *testing.T) {
	dataDir := t.TempDir()
	cfgFile := writeTestConfig(t, dataDir, "")

	if err := runCommand(t, "init", "--config", cfgFile); err != nil {
		t.Fatal(err)
	}
	if err := runCommand(t, "init", "--config", cfgFile); err != nil {
		t.Fatalf("second init: %v", err)
	}

	s, err := storage.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	feeds, err := s.ListFeeds()
	if err != nil {
		t.Fatal(err)
	}
	if len(feeds) != 2 {
		t.Errorf("feeds = %d, want 2", len(feeds))
	}

	seeds, err := s.ListActiveSeeds()
	if err != nil {
		t.Fatal(err)
	}
	if len(seeds) != 2 {
		t.Fatalf("seeds = %d, want 2", len(seeds))
	}
	for _, seed := range seeds {
		if seed.ChannelID == 0 {
			t.Errorf("seed %s missing channel id", seed.SeedURL)
		}
		if seed.NextPage != 1 {
			t.Errorf("seed %s cursor = %d, want fresh", seed.SeedURL, seed.NextPage)
		}
	}
}

func TestStatusJSONOnEmptyArchive(t *testing.T) {
	cfgFile := writeTestConfig(t, t.TempDir(), "")

	if err := runCommand(t, "status", "--json", "--config", cfgFile); err != nil {
		t.Fatalf("status on empty archive should be a no-op success: %v", err)
	}
}

func TestRepairRequiresProviderURL(t *testing.T) {
	cfgFile := writeTestConfig(t, t.TempDir(), "")

	err := runCommand(t, "repair", "--config", cfgFile)
	if err == nil || !strings.Contains(err.Error(), "provider_url") {
		t.Errorf("err = %v, want provider_url config error", err)
	}
}

func TestMissingConfigIsFatal(t *testing.T) {
	err := runCommand(t, "status", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected config error")
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "x"); strings.Contains(got, "\033") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", got)
	}

	noColor = false
	if got := colorize(colorGreen, "x"); !strings.Contains(got, "\033") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}
