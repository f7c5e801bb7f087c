package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitchcall/pitchcall/internal/config"
	"github.com/pitchcall/pitchcall/internal/fixtures"
	"github.com/pitchcall/pitchcall/internal/predict"
)

var predictCmd = &cobra.Command{
	Use:   "predict <fixture-id>",
	Short: "Generate and store a prediction for a fixture",
	Long: `Look up a fixture, ask the model for a prediction, and store it
locally. When the remote store is reachable the prediction is uploaded
in the same run; otherwise it stays pending until the next sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Sports.BaseURL == "" {
			return fmt.Errorf("sports.base_url is not configured")
		}
		if cfg.AI.APIKey == "" {
			return fmt.Errorf("ai.api_key is not configured")
		}

		ctx := cmd.Context()

		src, err := fixtures.New(&fixtures.Config{
			BaseURL: cfg.Sports.BaseURL,
			APIKey:  cfg.Sports.APIKey,
			Logger:  newLogger(cfg, "[fixtures] "),
		})
		if err != nil {
			return err
		}

		fx, err := src.FixtureByID(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to look up fixture %s: %w", args[0], err)
		}

		predictor := predict.NewAnthropic(&predict.Config{
			APIKey: cfg.AI.APIKey,
			Model:  cfg.AI.Model,
			Logger: newLogger(cfg, "[predict] "),
		})
		p, err := predictor.Predict(ctx, fx)
		if err != nil {
			return fmt.Errorf("prediction failed: %w", err)
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
		engine, err := buildEngine(cfg, st, origin, nil, true)
		if err != nil {
			return err
		}

		payload, err := p.Marshal()
		if err != nil {
			return err
		}
		rec, err := engine.Store(ctx, fx.ID, payload)
		if err != nil {
			return fmt.Errorf("failed to store prediction: %w", err)
		}

		fmt.Printf("%s vs %s: %s (%d-%d, confidence %.2f)\n",
			fx.Home, fx.Away, p.Outcome, p.HomeGoals, p.AwayGoals, p.Confidence)
		fmt.Printf("Stored as %s v%d\n", rec.ID, rec.Meta.Version)

		if err := engine.ForceSync(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: not replicated yet: %v\n", err)
		}
		return nil
	},
}
