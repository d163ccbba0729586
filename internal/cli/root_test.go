package cli

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tick-downloader/internal/config"
)

func overrideCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "override"}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	t.Cleanup(func() {
		rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})
	return cmd
}

func TestApplyOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	cmd := overrideCmd(t)
	for name, value := range map[string]string{"symbol": "ethusdt", "market": "spot", "start": "2024-02-01", "single-file": "true"} {
		if err := cmd.Flags().Set(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	if err := applyOverrides(cmd, cfg); err != nil {
		t.Fatalf("apply overrides: %v", err)
	}

	if cfg.Download.Symbol != "ETHUSDT" || cfg.Download.Market != "spot" {
		t.Fatalf("unexpected instrument %s/%s", cfg.Download.Market, cfg.Download.Symbol)
	}
	if cfg.Download.StartDate != "2024-02-01" || !cfg.Cache.SingleFile {
		t.Fatalf("overrides not applied: %+v", cfg.Download)
	}
	if cfg.Download.Exchange != "binance" {
		t.Fatalf("untouched exchange changed to %q", cfg.Download.Exchange)
	}
}

func TestApplyOverridesRejectsUnknownMarket(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	cmd := overrideCmd(t)
	if err := cmd.Flags().Set("market", "options"); err != nil {
		t.Fatalf("set market: %v", err)
	}
	err = applyOverrides(cmd, cfg)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
