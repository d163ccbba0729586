package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tick-downloader/internal/alerting"
	"tick-downloader/internal/archive"
	"tick-downloader/internal/catchup"
	"tick-downloader/internal/chunkstore"
	"tick-downloader/internal/fetcher"
	"tick-downloader/internal/locator"
	"tick-downloader/internal/storage"
	"tick-downloader/internal/ticks"
)

// referenceDepth is how far below a known ID the reference window for
// ID-less archives starts.
const referenceDepth = 100

// ChunkMirror replicates chunk mutations to remote storage.
type ChunkMirror interface {
	Sync(ctx context.Context, events []chunkstore.Event) error
}

// Options select the instrument and range of one ingestion run.
type Options struct {
	Exchange string
	Market   string
	Symbol   string
	// Start and End are epoch milliseconds; End may be ticks.OpenEnded.
	Start int64
	End   int64

	SettleWindow     time.Duration
	LocatorMaxRounds int
	// LockKey guards the chunk directory when the ledger supports advisory locks.
	LockKey       int64
	OnlyOnFailure bool
	Now           func() time.Time
}

// Deps are the collaborators a run drives. Archive, Runs, Notifier and Mirror
// are optional.
type Deps struct {
	Source   fetcher.TickSource
	Store    *chunkstore.Store
	Pacer    *fetcher.Pacer
	Archive  *archive.Fetcher
	Runs     storage.RunStore
	Notifier alerting.Notifier
	Mirror   ChunkMirror
}

// Summary reports what one run did.
type Summary struct {
	RunID         uuid.UUID
	StartedAt     time.Time
	Duration      time.Duration
	Skipped       bool
	ChunksWritten int
	ChunksRemoved int
	Gaps          int
	Pages         int
	LastTradeID   uint64
	LastTradeTime int64
	Events        []chunkstore.Event
}

// Service orchestrates one ingestion run over a chunk directory.
type Service struct {
	opts     Options
	src      fetcher.TickSource
	store    *chunkstore.Store
	archive  *archive.Fetcher
	locator  *locator.Locator
	catchup  *catchup.Fetcher
	runs     storage.RunStore
	locker   storage.AdvisoryLocker
	notifier alerting.Notifier
	mirror   ChunkMirror
	logger   zerolog.Logger
}

// New constructs the ingestion service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = catchup.DefaultSettleWindow
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Runs.(storage.AdvisoryLocker); ok {
		locker = l
	}

	s := &Service{
		opts:    opts,
		src:     deps.Source,
		store:   deps.Store,
		archive: deps.Archive,
		locator: locator.New(deps.Source, locator.Options{
			Pacer:     deps.Pacer,
			MaxRounds: opts.LocatorMaxRounds,
		}, logger),
		catchup: catchup.New(deps.Source, deps.Store, catchup.Options{
			Pacer:        deps.Pacer,
			SettleWindow: opts.SettleWindow,
			Now:          opts.Now,
		}, logger),
		runs:     deps.Runs,
		locker:   locker,
		notifier: deps.Notifier,
		mirror:   deps.Mirror,
		logger: logger.With().
			Str("component", "service").
			Str("exchange", opts.Exchange).
			Str("symbol", opts.Symbol).
			Logger(),
	}
	if s.archive != nil {
		s.archive.SetReference(s.reference)
	}
	return s
}

// Run performs one full ingestion: repair existing chunks, find what is
// missing between and after them, and fill it from the archive and the API.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !proceed {
		s.logger.Warn().Str("dir", s.store.Dir()).Msg("chunk directory locked by another run, skipping")
		return Summary{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	sum := Summary{RunID: uuid.New(), StartedAt: s.opts.Now().UTC()}
	s.startRun(ctx, sum)

	s.store.SetObserver(func(ev chunkstore.Event) {
		sum.Events = append(sum.Events, ev)
		switch ev.Kind {
		case chunkstore.EventSaved, chunkstore.EventReplaced:
			sum.ChunksWritten++
		case chunkstore.EventRemoved, chunkstore.EventFragment:
			sum.ChunksRemoved++
		}
		s.recordEvent(ctx, sum.RunID, ev)
	})
	defer s.store.SetObserver(nil)

	runErr := s.download(ctx, &sum)
	sum.Duration = s.opts.Now().UTC().Sub(sum.StartedAt)
	s.fillTip(&sum)

	s.finish(ctx, sum, runErr)
	return sum, runErr
}

// ProcessRound adapts Run to the follow scheduler.
func (s *Service) ProcessRound(ctx context.Context, at time.Time) error {
	_, err := s.Run(ctx)
	return err
}

func (s *Service) download(ctx context.Context, sum *Summary) error {
	modified, err := s.repairChunks(ctx, sum)
	if err != nil {
		return err
	}

	names, err := s.store.List()
	if err != nil {
		return err
	}
	gaps := chunkstore.ComputeChunkGaps(names, modified, s.opts.Start, s.opts.End)
	sum.Gaps = len(gaps)

	for _, gap := range gaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fillChunkGap(ctx, gap, sum); err != nil {
			return err
		}
	}
	return nil
}

// repairChunks validates every chunk in range, fills its internal gaps,
// renames or rewrites it and prunes fragments. It returns the names written.
func (s *Service) repairChunks(ctx context.Context, sum *Summary) (map[string]bool, error) {
	names, err := s.store.List()
	if err != nil {
		return nil, err
	}

	modified := make(map[string]bool)
	var highest uint64
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if parsed, perr := chunkstore.ParseName(name); perr == nil && !parsed.Overlaps(s.opts.Start, s.opts.End) {
			continue
		}

		s.logger.Info().Str("file", name).Msg("validating chunk")
		frame, err := s.store.Read(name)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("unreadable chunk, skipping")
			continue
		}
		v := chunkstore.Validate(frame)
		if len(v.Ticks) == 0 {
			s.logger.Warn().Str("file", name).Msg("empty chunk, skipping")
			continue
		}

		superseded := chunkstore.Superseded(name, names, v, highest)
		frame = v.Ticks
		lastTime := frame[len(frame)-1].Timestamp
		if v.HasGaps && lastTime > s.opts.Start && !superseded {
			frame, err = s.fillChunk(ctx, frame, v.Gaps, sum)
			if err != nil {
				return nil, err
			}
		}

		if last := frame[len(frame)-1].TradeID; last > highest {
			highest = last
		}

		switch {
		case !superseded:
			frame = chunkstore.TrimToLastBlock(frame)
			written, err := s.store.Save(frame, name, v.HasGaps)
			if err != nil {
				return nil, err
			}
			if written != "" {
				modified[written] = true
			}
		case frame[0].TradeID != 1:
			if err := s.store.RemoveFragment(name); err != nil {
				return nil, err
			}
		}
	}
	return modified, nil
}

func (s *Service) fillChunk(ctx context.Context, frame []ticks.Tick, gaps []ticks.Gap, sum *Summary) ([]ticks.Tick, error) {
	lastTime := frame[len(frame)-1].Timestamp
	for _, gap := range gaps {
		s.logger.Info().Uint64("from_id", gap.StartID).Uint64("to_id", gap.EndID).Msg("filling gap")
		res, err := s.catchup.Run(ctx, catchup.Request{
			FromID:   gap.StartID,
			FromTime: lastTime,
			MaxID:    gap.EndID,
			MaxTime:  ticks.OpenEnded,
			Ceiling:  ticks.BlockEnd(gap.EndID),
			Frame:    frame,
		})
		sum.Pages += res.Pages
		if res.Frame != nil {
			frame = res.Frame
		}
		if err != nil {
			return nil, err
		}
		if res.Pages > 0 {
			lastTime = res.LastTime
		}
	}
	return ticks.SortDedup(frame), nil
}

// fillChunkGap downloads one uncovered region: archives first when enabled,
// then the API from the last known trade up to the gap end or "now".
func (s *Service) fillChunkGap(ctx context.Context, gap ticks.ChunkGap, sum *Summary) error {
	startTime, endTime := gap.StartTime, gap.EndTime
	startID, endID := gap.StartID, gap.EndID
	nextID, lastTime := startID+1, startTime
	var frame []ticks.Tick

	if s.archive != nil {
		if earliest, ok := s.earliestTime(ctx); ok && earliest > startTime {
			startTime, lastTime = earliest, earliest
		}
		res, err := s.archive.Ingest(ctx, archive.Request{
			StartTime: startTime,
			EndTime:   endTime,
			StartID:   startID,
			EndID:     endID,
		}, s.store)
		if err != nil {
			return err
		}
		frame = res.Frame
		startID, startTime = res.StartID, res.StartTime
		nextID, lastTime = res.NextID, res.LastTime
		s.logger.Info().Int("units", res.Units).Int("failed", res.Failed).Int("written", len(res.Written)).Msg("archive ingestion finished")
	}

	if startID == 0 && len(frame) == 0 {
		loc, err := s.locator.Locate(ctx, startTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Time("start", time.UnixMilli(startTime).UTC()).Msg("could not resolve start id, skipping gap")
			return nil
		}
		if len(loc.Ticks) == 0 {
			s.logger.Info().Time("start", time.UnixMilli(startTime).UTC()).Msg("no trades since start time")
			return nil
		}
		frame = loc.Ticks
		last := frame[len(frame)-1]
		nextID, lastTime = last.TradeID+1, last.Timestamp
	}

	maxID := uint64(0)
	if endID != 0 {
		maxID = endID - 1
	}
	ev := s.logger.Info().Time("from", time.UnixMilli(lastTime).UTC())
	if endTime == ticks.OpenEnded {
		ev.Msg("downloading to current time")
	} else {
		ev.Time("to", time.UnixMilli(endTime).UTC()).Msg("downloading")
	}
	res, err := s.catchup.Run(ctx, catchup.Request{
		FromID:     nextID,
		FromTime:   lastTime,
		MaxID:      maxID,
		MaxTime:    endTime,
		Frame:      frame,
		Checkpoint: true,
	})
	sum.Pages += res.Pages
	if err != nil {
		return err
	}

	rest := ticks.Filter(res.Frame, func(t ticks.Tick) bool {
		switch {
		case t.Timestamp < startTime:
			return false
		case startID != 0 && t.TradeID <= startID:
			return false
		case maxID != 0 && t.TradeID > maxID:
			return false
		case endTime != ticks.OpenEnded && t.Timestamp > endTime:
			return false
		}
		return true
	})
	if len(rest) == 0 {
		return nil
	}
	_, err = s.store.Save(rest, "", true)
	return err
}

// earliestTime returns the timestamp of the exchange's first trade.
func (s *Service) earliestTime(ctx context.Context) (int64, bool) {
	page, err := fetcher.FetchFrom(ctx, s.src, 1)
	if err != nil || len(page) == 0 {
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to fetch earliest trade")
		}
		return 0, false
	}
	return page[0].Timestamp, true
}

// reference provides the API window used to number ID-less archive rows.
func (s *Service) reference(ctx context.Context, startID uint64, startTime int64) ([]ticks.Tick, error) {
	if startID == 0 {
		window, err := s.locator.LocateInWindow(ctx, startTime, nil)
		if err != nil {
			return nil, fmt.Errorf("locate reference window: %w", err)
		}
		return window, nil
	}
	from := uint64(1)
	if startID > referenceDepth {
		from = startID - referenceDepth
	}
	return fetcher.FetchFrom(ctx, s.src, from)
}

func (s *Service) fillTip(sum *Summary) {
	names, err := s.store.List()
	if err != nil {
		return
	}
	for i := len(names) - 1; i >= 0; i-- {
		if n, err := chunkstore.ParseName(names[i]); err == nil {
			sum.LastTradeID, sum.LastTradeTime = n.LastID, n.LastTime
			return
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
