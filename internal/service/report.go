package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tick-downloader/internal/alerting"
	"tick-downloader/internal/chunkstore"
	"tick-downloader/internal/storage"
)

func (s *Service) startRun(ctx context.Context, sum Summary) {
	if s.runs == nil {
		return
	}
	err := s.runs.StartRun(ctx, storage.RunRecord{
		RunID:     sum.RunID,
		Exchange:  s.opts.Exchange,
		Market:    s.opts.Market,
		Symbol:    s.opts.Symbol,
		StartTime: s.opts.Start,
		EndTime:   s.opts.End,
		Status:    storage.RunRunning,
		StartedAt: sum.StartedAt,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", sum.RunID.String()).Msg("failed to record run start")
	}
}

func (s *Service) recordEvent(ctx context.Context, runID uuid.UUID, ev chunkstore.Event) {
	if s.runs == nil {
		return
	}
	err := s.runs.RecordChunkEvent(ctx, storage.ChunkEvent{
		RunID:    runID,
		Kind:     string(ev.Kind),
		Name:     ev.Name,
		Previous: ev.Previous,
		Ticks:    ev.Ticks,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("file", ev.Name).Msg("failed to record chunk event")
	}
}

// finish logs the summary, closes the ledger entry, mirrors the changed
// chunks and notifies. None of these can fail the run.
func (s *Service) finish(ctx context.Context, sum Summary, runErr error) {
	status := storage.RunSucceeded
	var errMsg *string
	if runErr != nil {
		status = storage.RunFailed
		msg := runErr.Error()
		errMsg = &msg
	}

	logEvent := s.logger.Info()
	if runErr != nil {
		logEvent = s.logger.Error().Err(runErr)
	}
	logEvent.
		Str("run_id", sum.RunID.String()).
		Int("chunks_written", sum.ChunksWritten).
		Int("chunks_removed", sum.ChunksRemoved).
		Int("gaps", sum.Gaps).
		Int("pages", sum.Pages).
		Uint64("last_trade_id", sum.LastTradeID).
		Dur("duration", sum.Duration).
		Msg("run finished")

	// a cancelled run still gets its bookkeeping
	bg := context.WithoutCancel(ctx)

	if s.runs != nil {
		finished := sum.StartedAt.Add(sum.Duration)
		err := s.runs.FinishRun(bg, storage.RunRecord{
			RunID:         sum.RunID,
			Status:        status,
			ChunksWritten: sum.ChunksWritten,
			ChunksRemoved: sum.ChunksRemoved,
			Gaps:          sum.Gaps,
			Pages:         sum.Pages,
			Error:         errMsg,
			FinishedAt:    &finished,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", sum.RunID.String()).Msg("failed to record run result")
		}
	}

	if s.mirror != nil && len(sum.Events) > 0 {
		if err := s.mirror.Sync(bg, sum.Events); err != nil {
			s.logger.Error().Err(err).Msg("failed to mirror chunks")
		}
	}

	if s.notifier == nil || (s.opts.OnlyOnFailure && runErr == nil) {
		return
	}
	note := alerting.Notification{
		RunID:         sum.RunID.String(),
		Exchange:      s.opts.Exchange,
		Market:        s.opts.Market,
		Symbol:        s.opts.Symbol,
		Status:        status,
		StartedAt:     sum.StartedAt,
		Duration:      sum.Duration,
		ChunksWritten: sum.ChunksWritten,
		ChunksRemoved: sum.ChunksRemoved,
		Gaps:          sum.Gaps,
		Pages:         sum.Pages,
		LastTradeID:   sum.LastTradeID,
	}
	if sum.LastTradeID > 0 {
		note.LastTradeTime = time.UnixMilli(sum.LastTradeTime).UTC()
	}
	if errMsg != nil {
		note.Error = *errMsg
	}
	if err := s.notifier.Notify(bg, note); err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch run summary")
	}
}
