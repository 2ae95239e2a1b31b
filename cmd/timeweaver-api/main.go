package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/auth"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/config"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/database"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/logging"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/notifications"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/projects"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/realtime"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/rooms"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/seed"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/server"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/users"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "timeweaver-api",
		Short: "TimeWeaver realtime collaboration and notification service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a dotenv file (defaults to .env when present)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Allowed CORS and websocket origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL DSN")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "API token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Bool("seed", defaults.GetBool("seed.enabled"), "Load demo accounts, memberships and events on start")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "seed.enabled", "seed")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

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

func newIssueTokenCommand() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed API token for a username",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Username placed in the token subject")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(registry)

	notificationStore, err := notifications.NewGormStore(db)
	if err != nil {
		return err
	}
	notificationEngine, err := notifications.NewEngine(notifications.EngineConfig{
		Store:                 notificationStore,
		MaxConnectionsPerUser: appConfig.MaxConnectionsPerUser,
		SendBuffer:            appConfig.SendBuffer,
		Logger:                logger.Named("notifications"),
		Metrics:               metrics,
	})
	if err != nil {
		return err
	}

	eventStore, err := rooms.NewGormEventStore(db)
	if err != nil {
		return err
	}
	roomEngine, err := rooms.NewEngine(rooms.EngineConfig{
		Store:   eventStore,
		Logger:  logger.Named("rooms"),
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	projectService, err := projects.NewService(projects.ServiceConfig{Database: db, Logger: logger.Named("projects")})
	if err != nil {
		return err
	}
	accountService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	if err := registerGauges(registry, notificationEngine, roomEngine); err != nil {
		return err
	}

	if appConfig.SeedEnabled {
		seeders := seed.Demo(seed.DemoConfig{
			Accounts:    accountService,
			Memberships: projectService,
			Events:      eventStore,
		})
		if err := seed.Run(ctx, seeders, logger.Named("seed")); err != nil {
			return err
		}
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Notifications:  notificationEngine,
		Rooms:          roomEngine,
		Projects:       projectService,
		Accounts:       accountService,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		AllowedOrigins: appConfig.AllowedOrigins,
		CookieName:     appConfig.CookieName,
		SendBuffer:     appConfig.SendBuffer,
		WriteTimeout:   appConfig.WriteTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Long-lived streams and sockets end when the server context is cancelled.
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func registerGauges(registry prometheus.Registerer, notificationEngine *notifications.Engine, roomEngine *rooms.Engine) error {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"stream_users", "Users with at least one notification stream", func() float64 { return float64(notificationEngine.ActiveUserCount()) }},
		{"stream_connections", "Open notification streams", func() float64 { return float64(notificationEngine.ActiveConnectionCount()) }},
		{"rooms", "Project rooms with at least one member", func() float64 { return float64(roomEngine.ActiveRoomCount()) }},
		{"room_connections", "Open project room sockets", func() float64 { return float64(roomEngine.ActiveConnectionCount()) }},
	}
	for _, gauge := range gauges {
		if err := realtime.RegisterGauge(registry, gauge.name, gauge.help, gauge.fn); err != nil {
			return err
		}
	}
	return nil
}
