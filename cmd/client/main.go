// Package main is the FlashKeeper command-line client. It keeps cards in a
// local SQLite database and synchronizes them with the server whenever it
// can reach it.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atinyakov/FlashKeeper/internal/client/coordinator"
	"github.com/atinyakov/FlashKeeper/internal/client/gateway"
	"github.com/atinyakov/FlashKeeper/internal/client/storage"
	"github.com/atinyakov/FlashKeeper/internal/config"
	"github.com/atinyakov/FlashKeeper/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

// localStore is what the client needs from its local persistence.
type localStore interface {
	coordinator.Store
	gateway.TokenStore
}

// app holds the components shared by all commands.
type app struct {
	cfg    *config.ClientConfig
	log    *logger.Logger
	store  localStore
	sqlite *storage.SQLiteStore
	gw     *gateway.Client
	coord  *coordinator.Coordinator
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{log: logger.New()}
	root := newRootCmd(a)
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "flashkeeper",
		Short:         "Offline-first Chinese flashcards",
		SilenceUsage:  true,
		Version:       fmt.Sprintf("%s (built %s)", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A")),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	config.ClientFlags(root.PersistentFlags())

	root.AddCommand(
		newRegisterCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newShellCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newDictCmd(a),
		newImportCmd(a),
	)
	return root
}

// init loads the configuration and wires the client components.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.LoadClient(cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := a.log.InitFile(cfg.Log.Level, cfg.Log.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := a.log.Log

	sqlite, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		log.Warn("local database unavailable, using memory", zap.Error(err))
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: local database unavailable, changes are kept for this session only")
		a.store = storage.NewMemoryStore()
	} else {
		a.sqlite = sqlite
		a.store = sqlite
	}

	httpClient, err := gateway.NewHTTPClient(cfg.CAFile, cfg.Timeout)
	if err != nil {
		return err
	}
	a.gw = gateway.New(cfg.ServerURL, httpClient, a.store, log)
	a.coord = coordinator.New(a.store, a.gw, log)

	// hydration failures degrade to memory inside the coordinator
	if err := a.coord.Hydrate(cmd.Context()); err != nil {
		log.Warn("hydrate failed", zap.Error(err))
	}
	return nil
}

// connect switches the coordinator online when a session exists. It
// reports whether the server was reachable.
func (a *app) connect(ctx context.Context) bool {
	tokens, err := a.store.GetTokens(ctx)
	if err != nil || tokens == nil {
		return false
	}
	err = a.coord.SetOnline(ctx, true)
	if err == nil {
		return true
	}
	a.log.Log.Info("connect", zap.Error(err))
	if errors.Is(err, gateway.ErrNetwork) || errors.Is(err, gateway.ErrUnauthorized) {
		_ = a.coord.SetOnline(ctx, false)
		return false
	}
	return true
}

func (a *app) close() {
	if a.coord != nil {
		a.coord.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.log.Log.Warn("close local database", zap.Error(err))
		}
	}
	a.log.Sync()
}
