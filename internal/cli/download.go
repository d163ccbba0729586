package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tick-downloader/internal/app"
)

var (
	downloadOnly bool
	nSpans       int
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download missing ticks, then rebuild the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Download(cmd.Context(), app.DownloadOptions{DownloadOnly: downloadOnly})
	},
}

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Rebuild the cache from the chunks on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prepare(cmd.Context())
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Load the cache, downloading and rebuilding it when needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("n-spans") {
			a.Config.Cache.NSpans = nSpans
			if err := a.Config.Validate(); err != nil {
				return err
			}
		}
		arrays, err := a.Cache(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "price: %d\n", len(arrays.Price))
		fmt.Fprintf(out, "is_buyer_maker: %d\n", len(arrays.BuyerMaker))
		fmt.Fprintf(out, "timestamp: %d\n", len(arrays.Timestamp))
		return nil
	},
}

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Keep downloading new ticks on the scheduler interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Follow(cmd.Context())
	},
}

func init() {
	downloadCmd.Flags().BoolVar(&downloadOnly, "download-only", false, "Skip cache materialization")
	cacheCmd.Flags().IntVar(&nSpans, "n-spans", 0, "Serve the {session}_n_spans_{n} optimizer cache directory")
}
