// Operator CLI for the automation engine: lease reclaim, workflow drain,
// and subscriber inspection against the shared store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/events"
	"github.com/sendloop/automation-engine/pkg/queue"
	"github.com/sendloop/automation-engine/pkg/subscriber"
	"github.com/sendloop/automation-engine/pkg/version"
	"github.com/sendloop/automation-engine/pkg/workflow"
)

var configDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "automation-enginectl",
	Short:   "Operator commands for the automation engine",
	Version: version.Full(),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "./deploy/config", "Path to configuration directory")
	rootCmd.AddCommand(reclaimExpiredCmd, drainWorkflowCmd, dumpSubscriberCmd)
}

// openPool loads the .env from the config directory and connects to the
// engine's database.
func openPool(ctx context.Context) (*db.Pool, error) {
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	cfg, err := db.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load database config: %w", err)
	}
	return db.Open(ctx, cfg)
}

var reclaimExpiredCmd = &cobra.Command{
	Use:   "reclaim-expired",
	Short: "Return expired processing leases to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		repo := queue.NewRepository(pool)
		sweeper := queue.NewOrphanSweeper(repo, clock.RealClock{}, time.Minute)
		n, err := sweeper.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("reclaim expired leases: %w", err)
		}
		fmt.Printf("reclaimed %d expired lease(s)\n", n)
		return nil
	},
}

var drainWorkflowCmd = &cobra.Command{
	Use:   "drain-workflow <workflow-id>",
	Short: "Cancel all pending queue items for a workflow without archiving it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		wfStore := workflow.NewStore(pool)
		if _, err := wfStore.Load(ctx, args[0]); err != nil {
			return fmt.Errorf("load workflow %s: %w", args[0], err)
		}

		repo := queue.NewRepository(pool)
		n, err := repo.CancelWhere(ctx, queue.CancelPredicate{WorkflowID: args[0]})
		if err != nil {
			return fmt.Errorf("drain workflow %s: %w", args[0], err)
		}
		fmt.Printf("cancelled %d pending queue item(s) for workflow %s\n", n, args[0])
		return nil
	},
}

var dumpSubscriberCmd = &cobra.Command{
	Use:   "dump-subscriber <subscriber-id>",
	Short: "Print a subscriber's state, history, and recent events as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		sub, err := subscriber.NewStore(pool).LoadByID(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load subscriber %s: %w", args[0], err)
		}

		recent, err := events.NewReader(pool).Recent(ctx, sub.WorkflowID, 50)
		if err != nil {
			return fmt.Errorf("load recent events: %w", err)
		}
		subscriberEvents := recent[:0:0]
		for _, evt := range recent {
			if evt.SubscriberID == sub.ID {
				subscriberEvents = append(subscriberEvents, evt)
			}
		}

		out, err := json.MarshalIndent(map[string]any{
			"subscriber": sub,
			"events":     subscriberEvents,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal dump: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}
