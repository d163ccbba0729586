package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tick-downloader/internal/app"
	"tick-downloader/internal/config"
	"tick-downloader/internal/logging"
)

var (
	cfgFile   string
	envFile   string
	logLevel  string
	appHandle *app.App

	overrides struct {
		exchange   string
		market     string
		symbol     string
		start      string
		end        string
		baseDir    string
		singleFile bool
	}
)

var rootCmd = &cobra.Command{
	Use:           "tickdl",
	Short:         "Download and cache exchange trade ticks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := applyOverrides(cmd, cfg); err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// applyOverrides copies explicitly set flags over the loaded configuration
// and validates the result again.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := false
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
			changed = true
		}
	}
	set("exchange", &cfg.Download.Exchange, overrides.exchange)
	set("market", &cfg.Download.Market, overrides.market)
	set("symbol", &cfg.Download.Symbol, overrides.symbol)
	set("start", &cfg.Download.StartDate, overrides.start)
	set("end", &cfg.Download.EndDate, overrides.end)
	set("base-dir", &cfg.Download.BaseDir, overrides.baseDir)
	if flags.Changed("single-file") {
		cfg.Cache.SingleFile = overrides.singleFile
		changed = true
	}
	if !changed {
		return nil
	}
	return cfg.Validate()
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to configuration file")
	pf.StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the configuration")
	pf.StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	pf.StringVar(&overrides.exchange, "exchange", "", "Exchange to download from")
	pf.StringVar(&overrides.market, "market", "", "Market of the exchange (spot, um, cm)")
	pf.StringVar(&overrides.symbol, "symbol", "", "Instrument symbol, e.g. BTCUSDT")
	pf.StringVar(&overrides.start, "start", "", "Start date (UTC)")
	pf.StringVar(&overrides.end, "end", "", "End date (UTC); -1 downloads up to now")
	pf.StringVar(&overrides.baseDir, "base-dir", "", "Root directory of the chunk files")
	pf.BoolVar(&overrides.singleFile, "single-file", false, "Write the cache as one combined tick file")

	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
