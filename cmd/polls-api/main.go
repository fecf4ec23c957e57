package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/config"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/polls"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "polls-api",
		Short:   "Polls backend service",
		Version: version,
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed CORS origins")
	cmd.PersistentFlags().Int64("poll-ttl-seconds", defaults.GetInt64("poll.ttl_seconds"), "Lifetime of question sets and vote batches")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Record store (memory, sqlite, buntdb, redis, dynamodb)")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("store.sqlite.path"), "SQLite database path")
	cmd.PersistentFlags().String("buntdb-path", defaults.GetString("store.buntdb.path"), "BuntDB file path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("store.redis.address"), "Redis address")
	cmd.PersistentFlags().String("dynamodb-table", defaults.GetString("store.dynamodb.table"), "DynamoDB table name")
	cmd.PersistentFlags().String("dynamodb-endpoint", defaults.GetString("store.dynamodb.endpoint"), "DynamoDB endpoint override")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "poll.ttl_seconds", "poll-ttl-seconds")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.sqlite.path", "sqlite-path")
	bindFlag(cmd, "store.buntdb.path", "buntdb-path")
	bindFlag(cmd, "store.redis.address", "redis-address")
	bindFlag(cmd, "store.dynamodb.table", "dynamodb-table")
	bindFlag(cmd, "store.dynamodb.endpoint", "dynamodb-endpoint")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(signalCtx, appConfig.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("record store close failed", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(registry)
	if err != nil {
		return err
	}

	pollService, err := polls.NewService(polls.ServiceConfig{
		Store:           store,
		TTL:             appConfig.PollTTL,
		MaxKeyAttempts:  appConfig.MaxKeyAttempts,
		PageSize:        appConfig.TallyPageSize,
		ReadConcurrency: appConfig.TallyReadConcurrency,
		Logger:          logger,
		Metrics:         collector,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		PollService:       pollService,
		Realtime:          server.NewRealtimeDispatcher(),
		MetricsHandler:    metrics.Handler(registry),
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Version:           version,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.Store.Driver),
			zap.String("version", version))
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
