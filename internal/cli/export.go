package cli

import (
	"github.com/spf13/cobra"

	"tick-downloader/internal/app"
)

var (
	exportPNGPath     string
	exportCSVPath     string
	exportParquetPath string
	exportMaxPoints   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cached ticks as CSV, PNG chart and/or parquet",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:     exportPNGPath,
			CSVPath:     exportCSVPath,
			ParquetPath: exportParquetPath,
			MaxPoints:   exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportParquetPath, "parquet", "", "Path to write every cached tick as parquet")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum CSV/PNG points to export (defaults to config)")
}
