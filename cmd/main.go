package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"campuslibrary/internal/attachments"
	"campuslibrary/internal/clock"
	"campuslibrary/internal/config"
	"campuslibrary/internal/credentials"
	"campuslibrary/internal/handlers"
	"campuslibrary/internal/kvstore"
	"campuslibrary/internal/repositories"
	"campuslibrary/internal/seed"
	"campuslibrary/internal/services"
	"campuslibrary/internal/sessions"
)

// app is everything a command needs once configuration is resolved.
type app struct {
	cfg   *config.Config
	db    *gorm.DB
	store kvstore.Store
	clock clock.Clock
	lib   *services.Library
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := kvstore.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	store := kvstore.New(db)
	clk := clock.Real()
	lib := services.NewLibrary(repositories.NewSet(store), credentials.NewBcryptHasher(cfg.Auth.BcryptCost), clk)
	return &app{cfg: cfg, db: db, store: store, clock: clk, lib: lib}, nil
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// bootstrap merges the configured seed directory into the store.
func (a *app) bootstrap() (*services.ReconcileResult, error) {
	users, err := seed.ReadFile(a.cfg.SeedFile)
	if err != nil {
		return nil, err
	}
	return a.lib.Identity.ReconcileSeed(users)
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "campuslibrary",
		Short:        "Campus library lending service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default $"+config.EnvConfigPath+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Reconcile the seed directory and serve the HTTP API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		newSeedCommand(&configPath),
		newUserAddCommand(&configPath),
		newBackupCommand(&configPath),
	)
	return root
}

func runServe(ctx context.Context, configPath string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.bootstrap(); err != nil {
		return err
	}

	gin.SetMode(a.cfg.Server.Mode)
	router := gin.Default()
	files := attachments.NewService(a.store, a.clock, a.cfg.Attachments.MaxBytes)
	sess := sessions.NewManager(a.store, a.clock, a.cfg.Auth.SessionTTL)
	handlers.RegisterRoutes(router, a.lib, files, sess, a.store)

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[INFO] Starting server on %s", a.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] server error: %v", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("[INFO] Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
