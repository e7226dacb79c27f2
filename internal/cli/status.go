package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/keel/internal/config"
	"github.com/harun/keel/pkg/checkpoint"
	"github.com/harun/keel/pkg/recovery"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long:  `Show the current status of the Keel engine, including thread activity, breaker states, and limiter levels.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusView mirrors the engine's /status payload.
type statusView struct {
	UptimeSec       float64                 `json:"uptime_sec"`
	ActiveThreads   int                     `json:"active_threads"`
	Breakers        map[string]string       `json:"breakers"`
	LimiterLevels   map[string]float64      `json:"limiter_levels"`
	PendingKeys     int                     `json:"pending_idempotency_keys"`
	CachedKeys      int                     `json:"cached_idempotency_keys"`
	Threads         []checkpoint.ThreadInfo `json:"threads,omitempty"`
	Recovery        recovery.Report         `json:"recovery"`
	Provider        string                  `json:"provider"`
	RegisteredTools []string                `json:"registered_tools"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if !isRunning(pidFile) {
		fmt.Println("Status: stopped")
		return nil
	}

	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/status", cfg.Status.Host, cfg.Status.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("Status: running (status server unreachable)")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status server returned %s", resp.Status)
	}

	var view statusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	printStatus(&view)
	return nil
}

func printStatus(view *statusView) {
	fmt.Printf("Status: running\n")
	fmt.Printf("Uptime: %s\n", formatDuration(time.Duration(view.UptimeSec)*time.Second))
	fmt.Printf("Provider: %s\n", view.Provider)
	fmt.Printf("Active threads: %d\n", view.ActiveThreads)
	fmt.Printf("Idempotency keys: %d cached, %d pending\n", view.CachedKeys, view.PendingKeys)
	if view.Recovery.Scanned > 0 {
		fmt.Printf("Last recovery: %d scanned, %d resumed, %d failed, %d corrupted\n",
			view.Recovery.Scanned, view.Recovery.Resumed, view.Recovery.Failed, view.Recovery.Corrupted)
	}

	if len(view.Breakers) > 0 {
		fmt.Println("Breakers:")
		for _, name := range sortedKeys(view.Breakers) {
			fmt.Printf("  %s: %s\n", name, view.Breakers[name])
		}
	}
	if len(view.LimiterLevels) > 0 {
		fmt.Println("Limiter levels:")
		names := make([]string, 0, len(view.LimiterLevels))
		for name := range view.LimiterLevels {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %.1f tokens\n", name, view.LimiterLevels[name])
		}
	}
	if len(view.Threads) > 0 {
		fmt.Println("Recent threads:")
		for _, th := range view.Threads {
			fmt.Printf("  %s  %-12s seq=%d  %s\n", th.ThreadID, th.Status, th.LastSeq, formatDuration(time.Since(th.UpdatedAt)))
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
