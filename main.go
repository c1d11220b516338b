package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jupark12/pcr-intake/archive"
	"github.com/jupark12/pcr-intake/config"
	"github.com/jupark12/pcr-intake/dedup"
	"github.com/jupark12/pcr-intake/interpret"
	"github.com/jupark12/pcr-intake/lock"
	"github.com/jupark12/pcr-intake/logger"
	"github.com/jupark12/pcr-intake/mailpoller"
	"github.com/jupark12/pcr-intake/models"
	"github.com/jupark12/pcr-intake/queue"
	"github.com/jupark12/pcr-intake/schedule"
	"github.com/jupark12/pcr-intake/server"
	"github.com/jupark12/pcr-intake/store"
	"github.com/jupark12/pcr-intake/worker"
)

func main() {
	modeFlag := flag.String("mode", "", "Loops to run: all, poller or processor (default all)")
	email := flag.String("email", "", "Mailbox account (overrides YAHOO_EMAIL)")
	password := flag.String("password", "", "Mailbox app password (overrides YAHOO_PASSWORD)")
	saveDir := flag.String("save-dir", "", "Work directory for downloaded PDFs (overrides EMAIL_SAVE_DIR)")
	pollInterval := flag.Int("poll-interval", 0, "Legacy poll interval in seconds (overrides EMAIL_POLL_INTERVAL_SECONDS; DAY_POLL_INTERVAL_SECONDS still wins)")
	flag.Parse()

	cfg, err := config.Load(config.WithPollInterval(*pollInterval))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *email != "" {
		cfg.Mail.Email = *email
	}
	if *password != "" {
		cfg.Mail.Password = *password
	}
	if *saveDir != "" {
		cfg.SaveDir = *saveDir
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)

	mode, err := config.ParseMode(*modeFlag)
	if err != nil {
		log.Error().Err(err).Msg("invalid mode")
		os.Exit(1)
	}
	if err := cfg.Validate(mode); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, mode, log); err != nil {
		if config.IsConfigError(err) {
			log.Error().Err(err).Msg("invalid configuration")
		} else {
			log.Error().Err(err).Msg("exiting on fatal error")
		}
		os.Exit(1)
	}
	log.Info().Msg("shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config, mode config.Mode, log zerolog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	var (
		ledger *queue.Ledger
		dq     *queue.DirQueue
	)

	if mode.RunsPoller() {
		poller, cleanup, err := setupPoller(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer cleanup()
		g.Go(func() error { return poller.Run(ctx) })
	}

	if mode.RunsProcessor() {
		processor, l, q, cleanup, err := setupProcessor(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer cleanup()
		ledger, dq = l, q
		g.Go(func() error { return processor.Run(ctx) })
	}

	if cfg.StatusAddr != "" {
		if ledger == nil {
			ledger = queue.NewLedger(queue.DefaultHistory)
		}
		hub := models.NewHub(log)
		srv := server.New(server.Config{
			Addr:   cfg.StatusAddr,
			Ledger: ledger,
			Queue:  dq,
			Hub:    hub,
			Log:    log,
		})

		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})
		g.Go(func() error {
			srv.Relay(ctx)
			return nil
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info().Str("mode", string(mode)).Str("save_dir", cfg.SaveDir).Msg("pcr intake started")
	return g.Wait()
}

// setupPoller takes the state lock, loads the processed-ID store and builds
// the poller. A store that cannot be loaded is fatal, since polling without
// it would re-download every message.
func setupPoller(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*mailpoller.Poller, func(), error) {
	var (
		ids      dedup.Store
		stateRef string
		held     *lock.FileLock
	)

	switch cfg.DedupBackend {
	case "redis":
		rs, err := dedup.OpenRedis(ctx, cfg.RedisURL, cfg.RedisKey)
		if err != nil {
			return nil, nil, fmt.Errorf("open processed-id store: %w", err)
		}
		ids = rs
		stateRef = "redis:" + cfg.RedisKey
	default:
		held = lock.For(cfg.StateFile)
		if err := held.TryLock(); err != nil {
			if errors.Is(err, lock.ErrHeld) {
				return nil, nil, fmt.Errorf("another poller holds %s: %w", held.Path(), err)
			}
			return nil, nil, err
		}
		fs, err := dedup.OpenFile(cfg.StateFile)
		if err != nil {
			_ = held.Unlock()
			return nil, nil, fmt.Errorf("open processed-id store: %w", err)
		}
		ids = fs
		stateRef = fs.Path()
	}

	mailbox := mailpoller.NewIMAPMailbox(cfg.Mail.Addr, cfg.Mail.Email, cfg.Mail.Password, cfg.Mail.Timeout, log)
	poller := mailpoller.New(mailbox, ids, mailpoller.Config{
		Account:    cfg.Mail.Email,
		Sender:     cfg.Mail.Sender,
		Subject:    cfg.Mail.Subject,
		MaxPerPoll: cfg.Mail.MaxPerPoll,
		SaveDir:    cfg.SaveDir,
		StateFile:  stateRef,
		Schedule:   cfg.Schedule,
	}, schedule.SystemClock{}, log)

	cleanup := func() {
		if err := ids.Close(); err != nil {
			log.Warn().Err(err).Msg("closing processed-id store")
		}
		if held != nil {
			_ = held.Unlock()
		}
	}
	return poller, cleanup, nil
}

// setupProcessor locks the work directory and builds the processor with its
// interpreter, gateway and optional quarantine mirror.
func setupProcessor(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*worker.Processor, *queue.Ledger, *queue.DirQueue, func(), error) {
	held := lock.For(cfg.SaveDir)
	if err := held.TryLock(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, nil, nil, nil, fmt.Errorf("another processor is draining %s (lock %s): %w", cfg.SaveDir, held.Path(), err)
		}
		return nil, nil, nil, nil, err
	}
	unlock := func() { _ = held.Unlock() }

	dq, err := queue.NewDirQueue(cfg.SaveDir, cfg.QuarantineDir, log)
	if err != nil {
		unlock()
		return nil, nil, nil, nil, err
	}
	ledger := queue.NewLedger(queue.DefaultHistory)

	gateway, err := openGateway(ctx, cfg, log)
	if err != nil {
		unlock()
		return nil, nil, nil, nil, err
	}

	var mirror worker.QuarantineMirror
	if cfg.Archive.Enabled() {
		m, err := archive.NewS3Mirror(ctx, archive.Options{
			Bucket:       cfg.Archive.Bucket,
			Prefix:       cfg.Archive.Prefix,
			Region:       cfg.Archive.Region,
			Profile:      cfg.Archive.Profile,
			UsePathStyle: cfg.Archive.UsePathStyle,
		}, log)
		if err != nil {
			_ = gateway.Close()
			unlock()
			return nil, nil, nil, nil, fmt.Errorf("quarantine mirror: %w", err)
		}
		mirror = m
	}

	var interpretOpts []interpret.Option
	if cfg.PromptFile != "" {
		prompt, err := os.ReadFile(cfg.PromptFile)
		if err != nil {
			_ = gateway.Close()
			unlock()
			return nil, nil, nil, nil, &config.ConfigError{Field: "PROMPT_FILE", Reason: err.Error()}
		}
		interpretOpts = append(interpretOpts, interpret.WithPrompt(string(prompt)))
		log.Info().Str("prompt_file", cfg.PromptFile).Msg("using custom interpretation prompt")
	}
	interpreter := interpret.NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel, log, interpretOpts...)

	processor := worker.NewProcessor(dq, ledger, interpreter, gateway, mirror, worker.Config{
		Interval:         cfg.ProcessorInterval,
		InterpretTimeout: cfg.InterpretTimeout,
		PersistTimeout:   cfg.PersistTimeout,
		UnitOverride:     cfg.UnitID,
	}, log)

	cleanup := func() {
		if err := gateway.Close(); err != nil {
			log.Warn().Err(err).Msg("closing database")
		}
		unlock()
	}
	return processor, ledger, dq, cleanup, nil
}

func openGateway(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Gateway, error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	}
	sq, err := store.NewSQLite(cfg.SQLitePath, log)
	if err != nil {
		return nil, err
	}
	return sq, nil
}
