package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitchcall/pitchcall/internal/config"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending predictions to the remote store",
	Long: `Run a single sync pass.

Every locally stored prediction that has not reached the remote store is
uploaded; conflicting concurrent edits are resolved and the winners
replicated. The command exits non-zero if the pass could not complete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
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

		if err := engine.ForceSync(cmd.Context()); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		status := engine.Status()
		fmt.Printf("Sync complete: %d pending, %d conflicts resolved\n", status.Pending, status.Conflicts)
		for _, reason := range status.Errors {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", reason)
		}
		if status.Pending > 0 {
			return fmt.Errorf("%d records still pending", status.Pending)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		total, err := st.Count(ctx)
		if err != nil {
			return err
		}
		deviceID, err := st.DeviceID(ctx)
		if err != nil {
			return err
		}
		seq, err := st.LatestSeq(ctx)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			out := map[string]interface{}{
				"database":  cfg.DBPath(),
				"deviceId":  deviceID,
				"records":   total,
				"latestSeq": seq,
			}
			return json.NewEncoder(os.Stdout).Encode(out)
		}

		fmt.Printf("Database:   %s\n", cfg.DBPath())
		fmt.Printf("Device ID:  %s\n", deviceID)
		fmt.Printf("Records:    %d\n", total)
		fmt.Printf("Latest seq: %d\n", seq)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "emit machine-readable output")
}
