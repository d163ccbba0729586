package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"tick-downloader/internal/cache"
)

// tickRecord is one parquet row of the exported cache.
type tickRecord struct {
	Timestamp    int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	IsBuyerMaker bool    `parquet:"name=is_buyer_maker, type=BOOLEAN"`
}

// Export renders the materialized cache as CSV, PNG and/or parquet. CSV and
// PNG are downsampled to MaxPoints; parquet receives every row.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.ParquetPath == "" {
		return errors.New("at least one of --csv, --png or --parquet must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	chunks, err := a.openChunks()
	if err != nil {
		return err
	}
	start, end, err := a.cacheRange()
	if err != nil {
		return err
	}
	arrays, err := a.newMaterializer(chunks).LoadOrBuild(ctx, start, end, nil)
	if err != nil {
		return err
	}
	n, err := arrays.Len()
	if err != nil {
		return err
	}
	if n == 0 {
		a.Logger.Info().Msg("no cached ticks to export")
		return nil
	}

	if opts.ParquetPath != "" {
		if err := writeTicksParquet(opts.ParquetPath, arrays); err != nil {
			return err
		}
		a.Logger.Info().Int("rows", n).Str("file", opts.ParquetPath).Msg("exported parquet")
	}

	idx := downsampleIndex(n, opts.MaxPoints)
	a.Logger.Info().Int("total", n).Int("exported", len(idx)).Msg("exporting ticks")

	if opts.CSVPath != "" {
		if err := writeTicksCSV(opts.CSVPath, arrays, idx); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTicksPNG(opts.PNGPath, a.Config.Download.Symbol, arrays, idx); err != nil {
			return err
		}
	}

	return nil
}

// downsampleIndex picks at most max evenly spaced row indexes, always
// keeping the first and the last row.
func downsampleIndex(n, max int) []int {
	if max <= 0 || n <= max {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if max == 1 {
		return []int{0}
	}

	result := make([]int, 0, max)
	step := float64(n-1) / float64(max-1)
	for i := 0; i < max; i++ {
		j := int(math.Round(step * float64(i)))
		if j >= n {
			j = n - 1
		}
		result = append(result, j)
	}
	return result
}

func writeTicksCSV(path string, a cache.Arrays, idx []int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	if err := w.Write([]string{"time", "timestamp", "price", "is_buyer_maker"}); err != nil {
		return err
	}
	for _, i := range idx {
		record := []string{
			time.UnixMilli(a.Timestamp[i]).UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(a.Timestamp[i], 10),
			strconv.FormatFloat(a.Price[i], 'f', -1, 64),
			strconv.FormatBool(a.BuyerMaker[i] == 1),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func writeTicksPNG(path, symbol string, a cache.Arrays, idx []int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(idx))
	price := make([]float64, len(idx))
	for k, i := range idx {
		x[k] = time.UnixMilli(a.Timestamp[i]).UTC()
		price[k] = a.Price[i]
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    symbol,
				XValues: x,
				YValues: price,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeTicksParquet(path string, a cache.Arrays) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(tickRecord), 1)
	if err != nil {
		return fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range a.Price {
		rec := tickRecord{
			Timestamp:    a.Timestamp[i],
			Price:        a.Price[i],
			IsBuyerMaker: a.BuyerMaker[i] == 1,
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return fmt.Errorf("write parquet row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
