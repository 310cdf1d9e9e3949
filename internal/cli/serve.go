package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/smolclaw/internal/config"
	"github.com/lazypower/smolclaw/internal/engine"
	"github.com/lazypower/smolclaw/internal/server"
	"github.com/lazypower/smolclaw/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent: scheduler, HTTP API and config watcher",
	RunE:  runServe,
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

func runServe(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, level, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildAgent(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	if n, err := a.engine.RecoverPending(ctx); err != nil {
		logger.Warn("pending recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered interrupted actions", zap.Int("count", n))
	}

	sched := engine.NewScheduler(a.engine, cfg.Engine.Interval, logger.Named("scheduler"))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.New(a.engine, db, VersionString(), logger.Named("server")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("smolclaw serving",
			zap.String("addr", httpServer.Addr),
			zap.String("db", dbPath),
			zap.String("config", path),
			zap.Duration("interval", sched.Interval()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	g.Go(func() error {
		sched.Kick()
		return sched.Run(gctx)
	})
	g.Go(func() error {
		err := config.Watch(gctx, path, logger.Named("config"), func(c config.Config) {
			a.apply(c, sched, level, logger)
		})
		if err != nil {
			// Hot reload is optional; the service keeps running without it.
			logger.Warn("config watcher disabled", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shut down")
	return err
}
