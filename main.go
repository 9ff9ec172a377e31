package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"slidesync/config"
	"slidesync/config/database"
	"slidesync/internal/document/lock"
	"slidesync/internal/document/repository"
	"slidesync/internal/document/service"
	"slidesync/internal/document/shard"
	"slidesync/internal/outbox"
	"slidesync/pkg/logger"
	"slidesync/router"
	"slidesync/socket"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "slidesync",
	Short:         "Collaborative slide editing server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("slidesync version %s\n", version)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to a TOML config file")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger.Init(cfg.LogLevel)
	defer logger.Log.Sync()

	var store service.Store
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL, 30*time.Second)
		if err != nil {
			return fmt.Errorf("could not connect to database: %w", err)
		}
		defer db.Close()
		store = repository.NewDocumentRepository(db)
	} else {
		logger.Sugar.Warn("No database configured, documents live in memory only")
		store = repository.NewMemoryRepository()
	}

	opts := service.Options{
		Realtime:         cfg.Realtime,
		NodeID:           cfg.NodeID,
		LockTTL:          cfg.LockTTL.Std(),
		AutosaveInterval: cfg.AutosaveInterval.Std(),
		Retention:        cfg.AutosaveRetention,
		ShardLoadTimeout: cfg.ShardLoadTimeout.Std(),
	}

	var relay socket.Relay
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to redis: %w", err)
		}
		defer rdb.Close()
		logger.Sugar.Info("Connected to Redis successfully.")

		opts.Transport = shard.NewRedisTransport(rdb)
		opts.LockStore = func(docID string) lock.Store { return lock.NewRedisStore(rdb, docID) }
		if opts.NodeID == "" {
			host, _ := os.Hostname()
			opts.NodeID = host + "-" + strconv.Itoa(os.Getpid())
		}
		relay = socket.NewRedisRelay(rdb, opts.NodeID)
	}
	if cfg.OutboxPath != "" {
		box, err := outbox.Open(cfg.OutboxPath)
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		defer box.Close()
		opts.Outbox = box
	}

	svc := service.NewDocumentService(store, opts)
	hub := socket.NewHub(svc, socket.Options{CursorRate: cfg.CursorRate, Relay: relay})
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router.Setup(svc, hub, router.Options{JWTSecret: cfg.JWTSecret, AllowedOrigins: cfg.AllowedOrigins}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Sugar.Infof("slidesync listening on %s (realtime=%t)", srv.Addr, cfg.Realtime)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Sugar.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Warnf("HTTP shutdown: %v", err)
	}
	// Final saves of every open document.
	svc.Shutdown(shutdownCtx)
	return nil
}
