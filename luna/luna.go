package luna

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/UmbraXDev/Luna/luna.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// retentionSweepSchedule is the cron spec for the daily full-store
// retention sweep.
const retentionSweepSchedule = "@daily"

// Luna is the bot: one instance wires the credential pool, the
// generation clients, the conversation store, the Discord connector,
// the audit database and the status API together, and owns their
// lifecycle.
type Luna struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db    *gorm.DB
	audit *GenerationAudit

	pool      *KeyPool
	generator *Generator
	images    *ImageClient
	store     *ConversationStore
	discord   *Discord
	api       *API

	cron      *cron.Cron
	startedAt time.Time

	// prevents Run from executing concurrently
	runMu sync.Mutex
}

// New builds a Luna instance from the given config. Nothing connects
// or listens until Run.
func New(config *Config) (*Luna, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l := &Luna{config: config}
	l.logHandler = newLogHandler(config.LogLevel)
	l.logger = slog.New(l.logHandler).With(loggerNameKey, "luna")
	slog.SetDefault(l.logger)

	db, err := newDatabase(
		config.Database,
		newLogHandler(config.DatabaseLogLevel),
		config.DatabaseSlowThreshold,
	)
	if err != nil {
		return nil, err
	}
	l.db = db
	l.audit = newGenerationAudit(
		db,
		slog.New(newLogHandler(config.DatabaseLogLevel)),
	)

	l.pool = NewKeyPool(config.OpenAI.Keys, l.logger)
	if l.pool.Size() == 0 {
		return nil, errors.New("no usable API keys configured")
	}

	openaiLogger := slog.New(newLogHandler(config.OpenAI.LogLevel))
	l.generator = newGenerator(
		config.OpenAI,
		l.pool,
		config.HTTPClient,
		l.audit,
		openaiLogger,
	)
	l.images = newImageClient(
		config.Images,
		config.HTTPClient,
		l.audit,
		openaiLogger,
	)

	l.store = NewConversationStore(config.Store, l.logger)

	l.discord, err = newDiscord(l, config.Discord)
	if err != nil {
		return nil, err
	}

	if config.API.Enabled {
		l.api = newAPI(l, config.API)
	}

	l.cron = cron.New()
	return l, nil
}

// Run starts the bot and blocks until ctx is canceled, then shuts
// down gracefully: cron stops, the Discord session closes, and the
// conversation store is flushed synchronously before Run returns.
func (l *Luna) Run(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.startedAt = time.Now()
	l.logger.Info(
		"starting",
		"version", Version,
		"commit", CommitSHA,
		"config", l.config,
	)

	startupCtx, startupCancel := context.WithTimeout(
		ctx,
		l.config.StartupTimeout,
	)
	defer startupCancel()

	if err := l.store.Load(); err != nil {
		return fmt.Errorf("error loading conversation store: %w", err)
	}
	l.store.SweepRetention()

	if err := l.connectDiscord(startupCtx, ctx); err != nil {
		return err
	}

	if err := l.scheduleJobs(); err != nil {
		return err
	}
	l.cron.Start()

	g, groupCtx := errgroup.WithContext(ctx)
	if l.api != nil {
		g.Go(
			func() error {
				return l.api.Serve(groupCtx)
			},
		)
	}

	l.logger.Info("luna is up")
	<-groupCtx.Done()

	return errors.Join(g.Wait(), l.shutdown())
}

// connectDiscord opens the gateway session, honoring the startup
// timeout. sessionCtx outlives startup and bounds the session's
// background goroutines.
func (l *Luna) connectDiscord(
	startupCtx context.Context,
	sessionCtx context.Context,
) error {
	connectErr := make(chan error, 1)
	go func() {
		connectErr <- l.discord.connect(sessionCtx)
	}()
	select {
	case err := <-connectErr:
		if err != nil {
			return fmt.Errorf("error connecting to discord: %w", err)
		}
		return nil
	case <-startupCtx.Done():
		return fmt.Errorf(
			"discord connect timed out: %w",
			startupCtx.Err(),
		)
	}
}

// scheduleJobs registers the periodic safety-net flush and the daily
// retention sweep.
func (l *Luna) scheduleJobs() error {
	_, err := l.cron.AddFunc(
		fmt.Sprintf("@every %s", l.config.Store.FlushInterval),
		func() {
			if flushErr := l.store.Flush(); flushErr != nil {
				l.logger.Error("periodic flush failed", tint.Err(flushErr))
			}
		},
	)
	if err != nil {
		return fmt.Errorf("error scheduling periodic flush: %w", err)
	}

	_, err = l.cron.AddFunc(
		retentionSweepSchedule, func() {
			l.store.SweepRetention()
		},
	)
	if err != nil {
		return fmt.Errorf("error scheduling retention sweep: %w", err)
	}
	return nil
}

// shutdown closes everything best-effort, flushing the store before
// returning. Individual failures are joined, not fatal to the rest of
// the sequence.
func (l *Luna) shutdown() error {
	l.logger.Info("shutting down")

	stopCtx := l.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(l.config.ShutdownTimeout):
		l.logger.Warn("timed out waiting for cron jobs")
	}

	var errs []error
	if err := l.discord.close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord: %w", err))
	}
	if err := l.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error flushing store: %w", err))
	}
	if sqlDB, err := l.db.DB(); err == nil {
		if err = sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing database: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err == nil {
		l.logger.Info("shutdown complete")
	} else {
		l.logger.Error("shutdown finished with errors", tint.Err(err))
	}
	return err
}
