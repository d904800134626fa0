// Package main runs the FlashKeeper server: configuration, logging, the
// Postgres database, repositories, services, handlers and optional TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/FlashKeeper/internal/certgen"
	"github.com/atinyakov/FlashKeeper/internal/config"
	"github.com/atinyakov/FlashKeeper/internal/db"
	"github.com/atinyakov/FlashKeeper/internal/logger"
	"github.com/atinyakov/FlashKeeper/internal/repository"
	"github.com/atinyakov/FlashKeeper/internal/server/handler/http"
	"github.com/atinyakov/FlashKeeper/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "flashkeeper-server",
		Short:        "FlashKeeper sync server",
		SilenceUsage: true,
		Version:      fmt.Sprintf("%s (built %s)", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A")),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(cmd.Flags())
			if err != nil {
				return err
			}

			log := logger.New()
			if err := log.InitFile(cfg.Log.Level, cfg.Log.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			log.Log.Info("starting", zap.String("version", cmp.Or(version, "N/A")), zap.String("build_date", cmp.Or(buildDate, "N/A")))
			if err := run(cmd.Context(), cfg, log.Log); err != nil {
				log.Log.Error("server stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
	config.ServerFlags(root.Flags())
	root.AddCommand(newCertsCmd())
	return root
}

func newCertsCmd() *cobra.Command {
	var (
		dir   string
		hosts []string
	)
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a development CA and server certificate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := certgen.EnsureDevCertificates(dir, hosts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server certificate: %s\nServer key: %s\n", paths.ServerCert, paths.ServerKey)
			fmt.Fprintf(out, "Clients trust the server with --ca %s\n", paths.CACert)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "certs", "output directory")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS names and IPs of the server")
	return cmd
}

// run serves the API until ctx is done, then shuts down gracefully.
func run(ctx context.Context, cfg *config.ServerConfig, log *zap.Logger) error {
	useTLS := cfg.TLSCert != "" || cfg.TLSKey != ""
	if useTLS && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return errors.New("both tls-cert and tls-key are required for TLS")
	}

	postgresDB, err := db.InitPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("cannot init database: %w", err)
	}
	defer postgresDB.Close()

	db.StartTokenCleaner(ctx, postgresDB, cfg.CleanupInterval, log)

	authRepo := repository.NewPostgresAuthRepository(postgresDB)
	syncRepo := repository.NewPostgresSyncRepository(postgresDB)

	authService := service.NewAuthService(authRepo, service.TokenConfig{
		Secret:     []byte(cfg.JWTSecret),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	syncService := service.NewSyncService(syncRepo)
	importService := service.NewImportService(syncRepo, log)

	router := http.NewRouter(http.Handlers{
		Auth:   &http.AuthHandler{AuthService: authService, Logger: log},
		Sync:   &http.SyncHandler{SyncService: syncService, Logger: log},
		Study:  &http.StudyHandler{StudyService: syncService, Logger: log},
		Import: &http.ImportHandler{ImportService: importService, Logger: log},
		DB:     postgresDB,
	}, authService, log)

	server := &nethttp.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	errCh := make(chan error, 1)
	go func() {
		if useTLS {
			log.Info("starting HTTPS server", zap.String("addr", cfg.Address))
			errCh <- server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			return
		}
		log.Info("starting HTTP server", zap.String("addr", cfg.Address))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	importService.Wait()
	return nil
}
