// Command galerie runs the photo display services: expo, the curator
// that catalogs collections and schedules refreshes, and affiche, the
// per-panel display agent.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"galerie/internal/affiche"
	"galerie/internal/collection"
	"galerie/internal/config"
	"galerie/internal/expo"
	"galerie/internal/logging"
	"galerie/internal/photodb"
	"galerie/internal/refresh"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // filtering is done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "galerie",
		Short: "Photo display services for networked e-paper panels",
	}
	rootCmd.PersistentFlags().String("config", "", "config file path (default: service env var, then config.json)")

	expoCmd := &cobra.Command{
		Use:   "expo",
		Short: "Start the curator service",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runExpo(ctx, logger, configPath)
		},
	}

	afficheCmd := &cobra.Command{
		Use:   "affiche",
		Short: "Start the display agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runAffiche(ctx, logger, configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(expoCmd, afficheCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExpo(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := config.LoadExpo(configPath)
	if err != nil {
		return err
	}

	db, err := photodb.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := photodb.Setup(db); err != nil {
		return err
	}
	logger.Info("catalog open", "path", cfg.DBPath)

	tempDir := filepath.Join(filepath.Dir(cfg.DBPath), "temp")
	collections := collection.NewManager(db, tempDir, logger)
	if err := collections.LoadAll(); err != nil {
		return err
	}
	defer collections.StopAll()

	scheduler, err := refresh.NewScheduler(logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	dispatcher := refresh.NewDispatcher(cfg.PostCommands, logger)
	schedules := refresh.NewManager(db, collections, dispatcher, scheduler, cfg.PostCommands, logger)
	if err := schedules.LoadAll(); err != nil {
		return err
	}
	defer schedules.StopAll()

	handler := expo.NewServer(cfg, collections, schedules, logger)
	return serve(ctx, logger, "expo", cfg.ListenAddress, handler)
}

func runAffiche(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := config.LoadAffiche(configPath)
	if err != nil {
		return err
	}

	store, err := affiche.NewStore(cfg.TempPath)
	if err != nil {
		return err
	}
	logger.Info("temp directories ready", "path", cfg.TempPath)

	engine := affiche.NewEngine(cfg.DisplayWriterCommand, store.PreviewDir(), logger)
	handler := affiche.NewServer(cfg, engine, store, logger)
	return serve(ctx, logger, "affiche", cfg.ListenAddress, handler)
}

// serve runs the HTTP server until ctx is cancelled, then drains with a
// short grace period.
func serve(ctx context.Context, logger *slog.Logger, service, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "service", service, "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "service", service)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
