package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/heliograph-labs/flarecast/internal/auth"
	"github.com/heliograph-labs/flarecast/internal/config"
	"github.com/heliograph-labs/flarecast/internal/database"
	"github.com/heliograph-labs/flarecast/internal/flare"
	"github.com/heliograph-labs/flarecast/internal/logging"
	"github.com/heliograph-labs/flarecast/internal/notify"
	"github.com/heliograph-labs/flarecast/internal/scheduler"
	"github.com/heliograph-labs/flarecast/internal/server"
	"github.com/heliograph-labs/flarecast/internal/social"
	"github.com/heliograph-labs/flarecast/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flare-api",
		Short: "Flarecast broadcast service",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("callback-base-url", defaults.GetString("scheduler.callback_base_url"), "Base URL the task scheduler calls back on")
	cmd.PersistentFlags().String("callback-secret", "", "Shared secret for scheduler callbacks (overrides env)")
	cmd.PersistentFlags().Int("scheduler-poll-ms", defaults.GetInt("scheduler.poll_interval_ms"), "Scheduler poll interval in milliseconds")
	cmd.PersistentFlags().String("nats-servers", defaults.GetString("nats.servers"), "Comma-separated NATS server URLs (empty disables notifications)")
	cmd.PersistentFlags().String("nats-subject", defaults.GetString("nats.subject"), "NATS subject for response events")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "scheduler.callback_base_url", "callback-base-url")
	bindFlag(cmd, "scheduler.callback_secret", "callback-secret")
	bindFlag(cmd, "scheduler.poll_interval_ms", "scheduler-poll-ms")
	bindFlag(cmd, "nats.servers", "nats-servers")
	bindFlag(cmd, "nats.subject", "nats-subject")
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

	sessionManager, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "flarecast-auth",
		Audience:      "flarecast-api",
		SessionTTL:    appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	flareStore, err := store.NewSQLStore(store.SQLStoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	socialReader, err := social.NewReader(social.ReaderConfig{Store: flareStore})
	if err != nil {
		return err
	}

	taskScheduler, err := scheduler.NewDurableScheduler(scheduler.DurableSchedulerConfig{
		Database:        db,
		CallbackBaseURL: appConfig.CallbackBaseURL,
		CallbackSecret:  appConfig.CallbackSecret,
		PollInterval:    appConfig.SchedulerPoll,
		Clock:           time.Now,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.NewNopNotifier()
	if len(appConfig.NATSServers) > 0 {
		natsNotifier, err := notify.NewNATSNotifier(notify.NATSNotifierConfig{
			Servers: appConfig.NATSServers,
			Subject: appConfig.NATSSubject,
			Name:    "flare-api",
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer natsNotifier.Close()
		notifier = natsNotifier
	}

	flareService, err := flare.NewService(flare.ServiceConfig{
		Store:      flareStore,
		Social:     socialReader,
		Scheduler:  taskScheduler,
		Notifier:   notifier,
		Clock:      time.Now,
		IDProvider: flare.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         sessionManager,
		FlareService:   flareService,
		CallbackSecret: appConfig.CallbackSecret,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskScheduler.Start(signalCtx)

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
		err := httpServer.Shutdown(shutdownCtx)
		taskScheduler.Wait()
		return err
	case err := <-errCh:
		return err
	}
}
