package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"tick-downloader/internal/alerting"
	"tick-downloader/internal/archive"
	"tick-downloader/internal/cache"
	"tick-downloader/internal/chunkstore"
	"tick-downloader/internal/config"
	"tick-downloader/internal/fetcher"
	"tick-downloader/internal/mirror"
	"tick-downloader/internal/scheduler"
	"tick-downloader/internal/service"
	"tick-downloader/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSource() (*fetcher.Binance, error) {
	return fetcher.NewBinance(fetcher.BinanceOptions{
		Market:  a.Config.Download.Market,
		Symbol:  a.Config.Download.Symbol,
		BaseURL: a.Config.Download.BaseURL,
		Timeout: a.Config.Download.RequestTimeout,
	}, a.Logger)
}

func (a *App) newArchive() *archive.Fetcher {
	cfg := a.Config.Archive
	if !cfg.Enabled {
		return nil
	}
	monthly, daily := archive.DefaultBaseURLs(a.Config.Download.Market)
	if cfg.MonthlyBaseURL != "" {
		monthly = cfg.MonthlyBaseURL
	}
	if cfg.DailyBaseURL != "" {
		daily = cfg.DailyBaseURL
	}
	return archive.New(archive.Options{
		Symbol:         a.Config.Download.Symbol,
		Format:         archive.Format(strings.ToLower(cfg.Format)),
		MonthlyBaseURL: monthly,
		DailyBaseURL:   daily,
		Timeout:        cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) newMirror(ctx context.Context) (service.ChunkMirror, error) {
	cfg := a.Config.Mirror
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := mirror.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return mirror.New(client, mirror.Options{
		Bucket:   cfg.Bucket,
		Prefix:   cfg.Prefix,
		Exchange: a.Config.Download.Exchange,
		Market:   a.Config.Download.Market,
		Symbol:   a.Config.Download.Symbol,
		Dir:      a.Config.ChunkDir(),
	}, a.Logger), nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openChunks() (*chunkstore.Store, error) {
	return chunkstore.New(chunkstore.Options{Dir: a.Config.ChunkDir()}, a.Logger)
}

func (a *App) newMaterializer(chunks cache.ChunkReader) *cache.Materializer {
	return cache.New(chunks, cache.Options{
		Dir:         a.Config.Cache.Dir,
		SessionName: a.Config.Cache.SessionName,
		SingleFile:  a.Config.Cache.SingleFile,
		Spans:       a.Config.Cache.NSpans,
	}, a.Logger)
}

// newService wires one ingestion service. The returned closer releases the
// HTTP source and the ledger pool.
func (a *App) newService(ctx context.Context, chunks *chunkstore.Store) (*service.Service, func(), error) {
	start, err := a.Config.StartTime()
	if err != nil {
		return nil, nil, err
	}
	end, err := a.Config.EndTime()
	if err != nil {
		return nil, nil, err
	}

	src, err := a.newSource()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	closer := func() {
		src.Close()
		if closeStore != nil {
			closeStore()
		}
	}

	mirrorSink, err := a.newMirror(ctx)
	if err != nil {
		closer()
		return nil, nil, err
	}

	opts := service.Options{
		Exchange:         a.Config.Download.Exchange,
		Market:           a.Config.Download.Market,
		Symbol:           a.Config.Download.Symbol,
		Start:            start,
		End:              end,
		SettleWindow:     a.Config.Download.SettleWindow,
		LocatorMaxRounds: a.Config.Download.LocatorMaxRounds,
		OnlyOnFailure:    a.Config.Alerting.OnlyOnFailure,
	}
	deps := service.Deps{
		Source:   src,
		Store:    chunks,
		Pacer:    fetcher.NewPacer(a.Config.Download.FetchDelay),
		Notifier: a.newNotifier(),
		Mirror:   mirrorSink,
	}
	if arc := a.newArchive(); arc != nil {
		deps.Archive = arc
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; run ledger disabled")
	} else {
		deps.Runs = store
		if a.Config.Database.UseAdvisoryLock {
			opts.LockKey = storage.LockKey(chunks.Dir())
		}
	}

	return service.New(opts, deps, a.Logger), closer, nil
}

// DownloadOptions configure the download command.
type DownloadOptions struct {
	// DownloadOnly skips cache materialization.
	DownloadOnly bool
}

// Download brings the chunk directory up to date and, unless disabled,
// materializes the cache for the configured range.
func (a *App) Download(ctx context.Context, opts DownloadOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	chunks, err := a.openChunks()
	if err != nil {
		return err
	}
	if err := a.download(ctx, chunks); err != nil {
		return err
	}
	if opts.DownloadOnly {
		return nil
	}
	return a.prepare(ctx, chunks)
}

func (a *App) download(ctx context.Context, chunks *chunkstore.Store) error {
	svc, closer, err := a.newService(ctx, chunks)
	if err != nil {
		return err
	}
	defer closer()

	a.Logger.Info().
		Str("symbol", a.Config.Download.Symbol).
		Str("dir", chunks.Dir()).
		Msg("starting download")
	sum, err := svc.Run(ctx)
	if err != nil {
		return err
	}
	if sum.Skipped {
		a.Logger.Warn().Msg("download skipped; another run holds the chunk directory")
	}
	return nil
}

// Prepare materializes the cache from the chunks already on disk.
func (a *App) Prepare(ctx context.Context) error {
	chunks, err := a.openChunks()
	if err != nil {
		return err
	}
	return a.prepare(ctx, chunks)
}

func (a *App) prepare(ctx context.Context, chunks *chunkstore.Store) error {
	start, end, err := a.cacheRange()
	if err != nil {
		return err
	}
	_, err = a.newMaterializer(chunks).Prepare(ctx, start, end)
	return err
}

// Cache loads the cached arrays, downloading and rebuilding when they are
// missing or misaligned. With cache.n_spans set it serves the span directory.
func (a *App) Cache(ctx context.Context) (cache.Arrays, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	chunks, err := a.openChunks()
	if err != nil {
		return cache.Arrays{}, err
	}
	start, end, err := a.cacheRange()
	if err != nil {
		return cache.Arrays{}, err
	}
	download := func(ctx context.Context) error {
		return a.download(ctx, chunks)
	}
	m := a.newMaterializer(chunks)
	if a.Config.Cache.NSpans > 0 {
		return m.LoadOrBuildSpans(ctx, start, end, download)
	}
	return m.LoadOrBuild(ctx, start, end, download)
}

func (a *App) cacheRange() (int64, int64, error) {
	start, err := a.Config.StartTime()
	if err != nil {
		return 0, 0, err
	}
	end, err := a.Config.EndTime()
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// Follow keeps the chunk directory current by re-running the ingestion on the
// scheduler cadence until interrupted.
func (a *App) Follow(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	chunks, err := a.openChunks()
	if err != nil {
		return err
	}
	svc, closer, err := a.newService(ctx, chunks)
	if err != nil {
		return err
	}
	defer closer()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting follow mode")
	err = sched.Run(ctx, svc.ProcessRound)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("follow mode terminated with error")
		return err
	}

	a.Logger.Info().Msg("follow mode stopped")
	return nil
}

// ExportOptions hold parameters for exporting cached ticks.
type ExportOptions struct {
	PNGPath     string
	CSVPath     string
	ParquetPath string
	MaxPoints   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Volume bool
}
