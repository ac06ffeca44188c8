package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"opsbrain/internal/logging"
	"opsbrain/pkg/config"
	"opsbrain/pkg/dispatcher"
	"opsbrain/pkg/fanout"
	"opsbrain/pkg/journal"
	"opsbrain/pkg/orchestrator"
	"opsbrain/pkg/protocol"
	"opsbrain/pkg/reasoning"
	"opsbrain/pkg/store"
	"opsbrain/pkg/store/memstore"
	"opsbrain/pkg/store/pgstore"
	"opsbrain/pkg/store/sqlitestore"
)

// defaultPlaybook is used when the config names no playbook file.
//
//go:embed default_playbook.yaml
var defaultPlaybook []byte

// newServeCmd creates the "opsbrain serve" subcommand.
func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the brain: agent socket, event loop and maintenance",
		Long: `Opens the event store, listens for agents and operators on the brain
socket and runs the event loop until interrupted. When started with --config
the file is watched and loop thresholds are re-applied on every valid change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			return runServe(cmd.Context(), cfg, g.configPath, log)
		},
	}
}

// runServe wires every component and blocks until ctx is done.
func runServe(ctx context.Context, cfg *config.Config, configPath string, log *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	opts := cfg.StoreOptions()
	opts.Logger = log
	s := store.New(backend, opts)
	defer func() { _ = s.Close() }()

	engine, err := loadEngine(cfg.Playbook)
	if err != nil {
		return err
	}

	hub := fanout.New(log)
	defer hub.Close()
	s.OnStatusChange(func(eventID string, status protocol.TurnStatus, turns []int) {
		hub.PublishStatus(eventID, status, turns)
	})

	disp := dispatcher.New(cfg.DispatcherConfig(), s, hub, log)
	orch := orchestrator.New(cfg.Orchestrator(), s, disp, engine, journal.NewWriter(s, log), hub, log)
	disp.SetControlHandler(orch)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return disp.Run(gctx) })
	if err := orch.Start(gctx); err != nil {
		cancel()
		_ = grp.Wait()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	if configPath != "" {
		grp.Go(func() error {
			err := config.Watch(gctx, configPath, func(next *config.Config) {
				orch.SetLimits(next.Limits())
			}, log)
			if err != nil {
				log.Warn("config hot reload disabled", "error", err)
			}
			return nil
		})
	}

	log.Info("opsbrain serving", "socket", cfg.Socket, "store", cfg.Store.Backend)
	return grp.Wait()
}

// openBackend opens the configured store backend.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memstore.New(), nil
	case config.BackendPostgres:
		b, err := pgstore.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return b, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		b, err := sqlitestore.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return b, nil
	}
}

// loadEngine returns the playbook at path, or the built-in one.
func loadEngine(path string) (reasoning.Engine, error) {
	if path == "" {
		pb, err := reasoning.ParsePlaybook(defaultPlaybook)
		if err != nil {
			return nil, fmt.Errorf("built-in playbook: %w", err)
		}
		return pb, nil
	}
	pb, err := reasoning.LoadPlaybook(path)
	if err != nil {
		return nil, err
	}
	return pb, nil
}
