package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/TaehongKim/personal-audio/internal/config"
	"github.com/TaehongKim/personal-audio/internal/fetch"
	"github.com/TaehongKim/personal-audio/internal/httpapi"
	"github.com/TaehongKim/personal-audio/internal/jobs"
	"github.com/TaehongKim/personal-audio/internal/persistence"
	"github.com/TaehongKim/personal-audio/pkg/log"
)

var (
	flagAddr        string
	flagDBPath      string
	flagConcurrency int
)

var rootCmd = &cobra.Command{
	Use:   "personal-audio",
	Short: "Media download queue with real-time progress streaming.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (overrides LISTEN_ADDR)")
	rootCmd.Flags().StringVar(&flagDBPath, "db", "", "SQLite database path (overrides DB_PATH)")
	rootCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "max concurrent downloads (overrides MAX_CONCURRENT_DOWNLOADS)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal("%v", err)
	}
}

func serve() error {
	// .env is optional; the environment wins when both are set.
	_ = godotenv.Load()

	opts := make([]config.Option, 0)
	if settings, err := config.LoadRuntimeSettingsFile(config.RuntimeSettingsFilePath()); err == nil {
		opts = append(opts, config.WithRuntimeSettings(settings))
	}
	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Server.ListenAddr = flagAddr
	}
	if flagDBPath != "" {
		cfg.Server.DBPath = flagDBPath
	}
	if flagConcurrency > 0 {
		cfg.Queue.MaxConcurrent = flagConcurrency
	}
	log.InitLogger(log.ParseLevel(cfg.LogLevel))
	if cfg.LogFile != "" {
		fileLog, err := log.NewFileLogger(cfg.LogFile, log.ParseLevel(cfg.LogLevel))
		if err != nil {
			log.Warn("file logging disabled: %v", err)
		} else {
			defer fileLog.Close()
			log.SetLogger(fileLog.Logger)
		}
	}

	if err := fetch.CheckDependencies(cfg.Download.YTDLPPath); err != nil {
		log.Warn("%v", err)
	}

	store, err := persistence.NewSQLiteStore(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	fetcher := fetch.NewYTDLP(cfg.Download.YTDLPPath, cfg.Download.Dir,
		fetch.WithCookies(cfg.Download.CookiesPath))
	broadcaster := jobs.NewBroadcaster()
	queue := jobs.NewQueue(jobs.Config{
		Concurrency:  cfg.Queue.MaxConcurrent,
		FetchTimeout: cfg.Queue.FetchTimeout,
	}, store, fetcher, broadcaster)
	queue.Start()
	defer queue.Stop()

	cleanup := func() {
		if _, err := queue.CleanupTerminal(context.Background(), cfg.Cleanup.RetentionHours); err != nil {
			log.Error("cleanup: %v", err)
		}
	}
	janitor := cron.New()
	janitorID, err := janitor.AddFunc(cfg.Cleanup.CronExpr, cleanup)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	settingsStore, err := config.NewRuntimeSettingsStore(config.RuntimeSettingsFilePath(), cfg.RuntimeSettings())
	serverOpts := make([]httpapi.Option, 0)
	if err == nil {
		var janitorMu sync.Mutex
		serverOpts = append(serverOpts,
			httpapi.WithRuntimeSettingsStore(settingsStore),
			httpapi.WithRuntimeSettingsApplier(func(next config.RuntimeSettings) error {
				queue.SetConcurrency(next.MaxConcurrent)
				fetcher.SetOutputDir(next.DownloadsDir)

				janitorMu.Lock()
				defer janitorMu.Unlock()
				// Validated by the settings store before it reaches us.
				id, err := janitor.AddFunc(next.CleanupCron, cleanup)
				if err != nil {
					return err
				}
				janitor.Remove(janitorID)
				janitorID = id
				return nil
			}))
	} else {
		log.Warn("runtime settings disabled: %v", err)
	}

	server := httpapi.NewServer(queue, serverOpts...)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on %s", cfg.Server.ListenAddr)
		errCh <- server.ListenAndServe(cfg.Server.ListenAddr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
