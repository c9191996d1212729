package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeide/collab/backend/internal/auth"
	"github.com/forgeide/collab/backend/internal/collab"
	"github.com/forgeide/collab/backend/internal/collab/document"
	"github.com/forgeide/collab/backend/internal/collab/room"
	"github.com/forgeide/collab/backend/internal/config"
	"github.com/forgeide/collab/backend/internal/database"
	"github.com/forgeide/collab/backend/internal/logging"
	"github.com/forgeide/collab/backend/internal/server"
	"github.com/forgeide/collab/backend/internal/session"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-api",
		Short: "Collaborative editing backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis server address")
	cmd.PersistentFlags().String("redis-password", "", "Redis password (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("reaper-interval", defaults.GetDuration("reaper.interval"), "Stale session sweep interval")
	cmd.PersistentFlags().Duration("stale-threshold", defaults.GetDuration("reaper.stale_threshold"), "Inactivity threshold before a session is reaped")
	cmd.PersistentFlags().Duration("presence-bucket-ttl", defaults.GetDuration("presence.bucket_ttl"), "TTL applied to per-file presence buckets")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "redis.password", "redis-password")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "reaper.interval", "reaper-interval")
	bindFlag(cmd, "reaper.stale_threshold", "stale-threshold")
	bindFlag(cmd, "presence.bucket_ttl", "presence-bucket-ttl")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, presence and events degraded", zap.Error(err))
	}
	cancelPing()

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "collab-auth",
		Audience:      "collab-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	sessionService, err := session.NewService(session.ServiceConfig{
		Database: db,
		Presence: session.NewRedisPresenceCache(redisClient, appConfig.PresenceBucketTTL),
		Events:   session.NewRedisEventPublisher(redisClient, "", logger),
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := document.NewRegistry(logger)
	rooms := room.NewManager(registry, logger)

	collabHandler, err := collab.NewHandler(collab.HandlerConfig{
		Registry: registry,
		Rooms:    rooms,
		Sessions: sessionService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenManager,
		Sessions:       sessionService,
		Rooms:          rooms,
		Collab:         collabHandler,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	reaper, err := session.NewReaper(session.ReaperConfig{
		Sessions:  sessionService,
		Interval:  appConfig.ReaperInterval,
		Threshold: appConfig.StaleThreshold,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reaper.Run(signalCtx)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
