package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/keel/internal/config"
	"github.com/harun/keel/pkg/checkpoint"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect and manage checkpointed threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads recorded in the checkpoint store",
	RunE:  runThreadsList,
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Delete a thread's checkpoints, status, and lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsDelete,
}

func init() {
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
	rootCmd.AddCommand(threadsCmd)
}

func openStore() (*checkpoint.Store, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return checkpoint.NewStore(checkpoint.Config{
		DBPath: cfg.Checkpoint.DBPath,
		Logger: zerolog.Nop(),
	})
}

func runThreadsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	threads, err := store.ListThreads(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list threads: %w", err)
	}
	if len(threads) == 0 {
		fmt.Println("No threads recorded.")
		return nil
	}

	fmt.Printf("%-38s %-12s %-6s %s\n", "THREAD", "STATUS", "SEQ", "UPDATED")
	for _, th := range threads {
		fmt.Printf("%-38s %-12s %-6d %s ago\n",
			th.ThreadID, th.Status, th.LastSeq, formatDuration(time.Since(th.UpdatedAt)))
	}
	return nil
}

func runThreadsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	threadID := args[0]
	if err := store.DeleteThread(cmd.Context(), threadID); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	fmt.Printf("Thread %s deleted.\n", threadID)
	return nil
}
