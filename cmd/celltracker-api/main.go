package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/config"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/database"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/push"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile  string
	identity string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "celltracker-api",
		Short: "Cell Tracker circles and push messaging service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd)
		},
	}
	tokenCmd.Flags().StringVar(&identity, "identity", "", "Client identity to issue the token for")
	_ = tokenCmd.MarkFlagRequired("identity")

	setupFlags(rootCmd)
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Client token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("push-driver", defaults.GetString("push.driver"), "Push gateway (realtime, fcm, redis)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "push.driver", "push-driver")
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

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func issueToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueClientToken(cmd.Context(), identity)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %d seconds\n", token, expiresIn)
	return nil
}

func newGateway(ctx context.Context, appConfig config.AppConfig, hub *push.RealtimeHub, logger *zap.Logger) (push.Gateway, func(), error) {
	switch appConfig.PushDriver {
	case config.PushDriverFCM:
		gateway, err := push.NewFCMGateway(push.FCMConfig{
			Endpoint: appConfig.PushFCMURL,
			APIKey:   appConfig.PushFCMAPIKey,
			Logger:   logger,
		})
		return gateway, func() {}, err
	case config.PushDriverRedis:
		client, err := push.NewRedisClient(ctx, appConfig.PushRedisURL)
		if err != nil {
			return nil, nil, err
		}
		gateway, err := push.NewRedisGateway(push.RedisConfig{
			Client: client,
			Queue:  appConfig.PushRedisQueue,
			Logger: logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return gateway, func() { _ = client.Close() }, nil
	default:
		return hub, func() {}, nil
	}
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

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()

	directory, err := clients.NewDirectory(clients.DirectoryConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	locations, err := clients.NewLocationStore(clients.LocationStoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewULIDProvider(time.Now),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	places, err := clients.NewPlaceStore(clients.PlaceStoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewULIDProvider(time.Now),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	circleStore := circles.NewGormStore(db)
	manager, err := circles.NewManager(circles.ManagerConfig{
		Circles:             circleStore,
		Memberships:         circleStore,
		Clients:             directory,
		Locations:           locations,
		Clock:               time.Now,
		CodeRefreshInterval: appConfig.CodeRefreshInterval,
		MaxCodeAttempts:     appConfig.CodeMaxAttempts,
		Logger:              logger,
		Observer:            recorder,
	})
	if err != nil {
		return err
	}

	hub := push.NewRealtimeHub()
	gateway, closeGateway, err := newGateway(ctx, appConfig, hub, logger)
	if err != nil {
		return err
	}
	defer closeGateway()

	messageStore := messaging.NewGormStore(db)
	dispatcher, err := messaging.NewDispatcher(messaging.DispatcherConfig{
		Gateway:     gateway,
		Messages:    messageStore,
		Clock:       time.Now,
		Timeout:     appConfig.PushTimeout,
		MaxInFlight: int64(appConfig.PushMaxInFlight),
		Logger:      logger,
		Observer:    recorder,
	})
	if err != nil {
		return err
	}
	messageRouter, err := messaging.NewRouter(messaging.RouterConfig{
		Clients:     directory,
		Locations:   locations,
		Memberships: circleStore,
		Messages:    messageStore,
		Scheduler:   dispatcher,
		IDProvider:  ids.NewUUIDProvider(),
		Clock:       time.Now,
		Logger:      logger,
		Observer:    recorder,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Tokens:         tokenIssuer,
		Clients:        directory,
		Locations:      locations,
		Places:         places,
		Circles:        manager,
		Messages:       messageRouter,
		Metrics:        recorder,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}
	if appConfig.PushDriver == config.PushDriverRealtime {
		deps.Realtime = hub
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("push_driver", appConfig.PushDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		serverErr := httpServer.Shutdown(shutdownCtx)
		dispatchErr := dispatcher.Shutdown(shutdownCtx)
		if dispatchErr != nil {
			logger.Warn("pending dispatches abandoned", zap.Error(dispatchErr))
		}
		return errors.Join(serverErr, dispatchErr)
	case err := <-errCh:
		_ = dispatcher.Shutdown(context.Background())
		return err
	}
}
