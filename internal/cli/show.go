package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tick-downloader/internal/app"
)

var (
	showLimit  int
	showVolume bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display chunk inventory, uncovered ranges and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Volume: showVolume,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of recent runs to display")
	showCmd.Flags().BoolVar(&showVolume, "volume", false, "Read every chunk to count ticks and quote volume")
}
