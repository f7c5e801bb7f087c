package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pitchcall/pitchcall/internal/config"
	"github.com/pitchcall/pitchcall/internal/fixtures"
	"github.com/pitchcall/pitchcall/internal/notify"
	"github.com/pitchcall/pitchcall/internal/predict"
	"github.com/pitchcall/pitchcall/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the prediction service",
	Long: `Start the HTTP API and the background sync engine.

The server stores predictions in the local database and replicates them
to the remote store. Connected WebSocket clients receive a sync status
snapshot after every pass:

  ws://localhost:8080/ws

Other processes sharing the same database are picked up through the
operation log, so edits made by the CLI while the server runs are
replicated too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		origin, err := deriveOrigin(st)
		if err != nil {
			return err
		}

		watcher, err := notify.NewStoreWatcher(st, &notify.WatcherConfig{
			Origin: origin,
			Logger: newLogger(cfg, "[watch] "),
		})
		if err != nil {
			return err
		}

		engine, err := buildEngine(cfg, st, origin, watcher, cfg.Sync.StartOnline)
		if err != nil {
			return err
		}

		var src fixtures.Source
		if cfg.Sports.BaseURL != "" {
			src, err = fixtures.New(&fixtures.Config{
				BaseURL: cfg.Sports.BaseURL,
				APIKey:  cfg.Sports.APIKey,
				Logger:  newLogger(cfg, "[fixtures] "),
			})
			if err != nil {
				return err
			}
		}

		var predictor predict.Predictor
		if cfg.AI.APIKey != "" {
			predictor = predict.NewAnthropic(&predict.Config{
				APIKey: cfg.AI.APIKey,
				Model:  cfg.AI.Model,
				Logger: newLogger(cfg, "[predict] "),
			})
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start store watcher: %w", err)
		}
		defer watcher.Close()

		go func() {
			if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "Sync engine stopped: %v\n", err)
			}
		}()

		srv := server.New(engine, st, src, predictor, &server.Config{
			Port:   cfg.Server.Port,
			Logger: newLogger(cfg, "[server] "),
		})
		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("pitchcall serving on http://localhost:%d (origin %s)\n", cfg.Server.Port, origin)
		fmt.Println("Press Ctrl+C to stop...")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		fmt.Println("\nShutting down...")
		cancel()
		return srv.Stop()
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
}
