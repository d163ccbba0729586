package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"tick-downloader/internal/chunkstore"
	"tick-downloader/internal/ticks"
)

// Show prints the chunk inventory, the uncovered ranges and the recent
// ledger runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	chunks, err := a.openChunks()
	if err != nil {
		return err
	}
	names, err := chunks.List()
	if err != nil {
		return err
	}
	if err := a.showChunks(os.Stdout, chunks, names, opts); err != nil {
		return err
	}

	start, end, err := a.cacheRange()
	if err != nil {
		return err
	}
	showGaps(os.Stdout, chunkstore.ComputeChunkGaps(names, nil, start, end))

	return a.showRuns(ctx, os.Stdout, opts.Limit)
}

func (a *App) showChunks(w io.Writer, chunks *chunkstore.Store, names []string, opts ShowOptions) error {
	if len(names) == 0 {
		fmt.Fprintln(w, "no chunks found in", chunks.Dir())
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := "File\tFirst ID\tLast ID\tFrom (UTC)\tTo (UTC)\tTicks"
	if opts.Volume {
		header += "\tQuote Volume"
	}
	fmt.Fprintln(writer, header)

	var total uint64
	for _, name := range names {
		n, err := chunkstore.ParseName(name)
		if err != nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\n", name)
			continue
		}
		count := n.LastID - n.FirstID + 1
		line := fmt.Sprintf("%s\t%d\t%d\t%s\t%s\t",
			name, n.FirstID, n.LastID, formatMillis(n.FirstTime), formatMillis(n.LastTime))
		if opts.Volume {
			frame, err := chunks.Read(name)
			if err != nil {
				fmt.Fprintf(writer, "%s%d\t%s\n", line, count, sanitizeInline(err.Error()))
				continue
			}
			count = uint64(len(frame))
			fmt.Fprintf(writer, "%s%d\t%s\n", line, count, quoteVolume(frame).StringFixed(2))
		} else {
			fmt.Fprintf(writer, "%s%d\n", line, count)
		}
		total += count
	}
	writer.Flush()
	fmt.Fprintf(w, "%d chunks, %d ticks\n\n", len(names), total)
	return nil
}

func showGaps(w io.Writer, gaps []ticks.ChunkGap) {
	if len(gaps) == 0 {
		fmt.Fprintln(w, "no uncovered ranges")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Gap From (UTC)\tGap To (UTC)\tStart ID\tEnd ID")
	for _, g := range gaps {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			formatMillis(g.StartTime), formatMillis(g.EndTime), formatID(g.StartID), formatID(g.EndID))
	}
	writer.Flush()
	fmt.Fprintln(w)
}

func (a *App) showRuns(ctx context.Context, w io.Writer, limit int) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Fprintln(w, "database not configured; run ledger unavailable")
		return nil
	}
	if closeStore != nil {
		defer closeStore()
	}

	d := a.Config.Download
	runs, err := store.ListRecentRuns(ctx, d.Exchange, d.Market, d.Symbol, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tRun\tStatus\tWritten\tRemoved\tGaps\tPages\tDuration\tError")
	for _, run := range runs {
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			run.StartedAt.UTC().Format(time.RFC3339),
			run.RunID.String()[:8],
			run.Status,
			run.ChunksWritten,
			run.ChunksRemoved,
			run.Gaps,
			run.Pages,
			run.Duration().Round(time.Second),
			errMsg,
		)
	}
	writer.Flush()
	return nil
}

// quoteVolume sums price*qty without float drift.
func quoteVolume(frame []ticks.Tick) decimal.Decimal {
	total := decimal.Zero
	for _, t := range frame {
		total = total.Add(decimal.NewFromFloat(t.Price).Mul(decimal.NewFromFloat(t.Qty)))
	}
	return total
}

func formatMillis(ms int64) string {
	if ms == ticks.OpenEnded {
		return "open"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

func formatID(id uint64) string {
	if id == 0 {
		return "?"
	}
	return fmt.Sprintf("%d", id)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
