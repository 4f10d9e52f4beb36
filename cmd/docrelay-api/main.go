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

	"github.com/MarcoPoloResearchLab/docrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/docrelay/internal/config"
	"github.com/MarcoPoloResearchLab/docrelay/internal/database"
	"github.com/MarcoPoloResearchLab/docrelay/internal/logging"
	"github.com/MarcoPoloResearchLab/docrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/docrelay/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile      string
	tokenSubject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docrelay-api",
		Short: "CRDT document relay service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a relay access token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMintToken(cmd)
		},
	}
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (client or operator identity)")
	rootCmd.AddCommand(tokenCmd)

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite archive path (empty disables the archive)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("poll-interval-ms", defaults.GetInt("sync.poll_interval_ms"), "Long-poll hold duration in milliseconds")
	cmd.PersistentFlags().Int("rate-limit-ms", defaults.GetInt("sync.rate_limit_ms"), "Minimum spacing between notifications in milliseconds")
	cmd.PersistentFlags().Int("retention-limit", defaults.GetInt("sync.retention_limit"), "Per-document update retention count")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer-token signing secret (overrides env; empty disables auth)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.poll_interval_ms", "poll-interval-ms")
	bindFlag(cmd, "sync.rate_limit_ms", "rate-limit-ms")
	bindFlag(cmd, "sync.retention_limit", "retention-limit")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	var archive relay.UpdateArchive
	if appConfig.ArchiveEnabled() {
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		archiveService, err := relay.NewArchive(relay.ArchiveConfig{
			Database: db,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		archive = archiveService
	}

	coordinator, err := relay.NewCoordinator(relay.CoordinatorConfig{
		RetentionLimit:  appConfig.RetentionLimit,
		PollInterval:    appConfig.PollInterval,
		RateLimitWindow: appConfig.RateLimitSpan,
		Archive:         archive,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	var tokenValidator server.TokenValidator
	if appConfig.AuthEnabled() {
		tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			Issuer:        appConfig.TokenIssuer,
			Audience:      appConfig.TokenAudience,
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			return err
		}
		tokenValidator = tokenManager
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator:    coordinator,
		TokenValidator: tokenValidator,
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

func runMintToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if !appConfig.AuthEnabled() {
		return errors.New("auth.signing_secret must be configured to mint tokens")
	}
	if tokenSubject == "" {
		return errors.New("--subject is required")
	}

	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	token, expiresIn, err := tokenManager.IssueToken(tokenSubject)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
	return nil
}
