// Command coachsync runs the sync reference server and drives the engine
// from the command line for development and diagnostics.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/jmorrissey98/1-sub002/coachsync"
	"github.com/jmorrissey98/1-sub002/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "coachsync",
		Short:        "Offline-first sync engine for coach-observation data",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "coachsync.yaml", "path to YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSyncCmd(&configPath))
	root.AddCommand(newStatusCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync reference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			db, err := sql.Open("sqlite3", cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			storage, err := server.NewStorage(db)
			if err != nil {
				return err
			}
			router := server.NewRouter(storage, server.Config{JWTSecret: cfg.JWTSecret}, logger)

			srv := &http.Server{Addr: cfg.Listen, Handler: router}
			go func() {
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				<-ctx.Done()
				_ = srv.Shutdown(context.Background())
			}()

			logger.Info("sync server listening", "addr", cfg.Listen, "db", cfg.Database)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

// buildEngine wires a local engine from the config. The monitor is seeded
// online: the CLI has no platform reachability signal, so a failing cycle
// simply reports through status instead.
func buildEngine(cfg fileConfig) (*coachsync.Engine, *sql.DB, error) {
	db, err := sql.Open("sqlite3", cfg.Sync.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	token := cfg.Sync.Token
	remote := coachsync.NewHTTPRemote(cfg.Sync.ServerURL, func(ctx context.Context) (string, error) {
		return token, nil
	})
	monitor := coachsync.NewMonitor(true)

	engineCfg := coachsync.DefaultConfig()
	if cfg.Sync.Interval > 0 {
		engineCfg.SyncInterval = cfg.Sync.Interval
	}
	engine, err := coachsync.NewEngine(db, remote, monitor, engineCfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return engine, db, nil
}

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation cycle against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			engine, db, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			defer engine.Close()

			if err := engine.TriggerSync(cmd.Context()); err != nil {
				return err
			}
			snap := engine.SyncStatus()
			fmt.Printf("status=%s pending=%d last_sync=%s\n", snap.Status, snap.PendingCount, snap.LastSync)
			return nil
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local sync state without touching the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			engine, db, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			defer engine.Close()

			snap := engine.SyncStatus()
			conflicts, err := engine.Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			out := struct {
				coachsync.StatusSnapshot
				Conflicts []coachsync.Conflict `json:"conflicts,omitempty"`
			}{snap, conflicts}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
