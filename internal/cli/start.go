package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/keel/internal/config"
	"github.com/harun/keel/internal/daemon"
	"github.com/harun/keel/internal/logger"
	"github.com/harun/keel/internal/observability"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Keel engine",
	Long: `Start the Keel engine in the foreground. Interrupted threads found
in the checkpoint store are recovered first, then input lines read from
stdin are each run as a new thread.`,
	RunE: runStart,
}

var startDetached bool

func init() {
	startCmd.Flags().BoolVar(&startDetached, "no-stdin", false, "do not read thread input from stdin")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("engine is already running (PID file: %s)", pidFile)
	}

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Close()

	if err := observability.InitAlertLogger(filepath.Join(cfg.DataDir, "alerts.log")); err != nil {
		log.Warn().Err(err).Msg("Alert log unavailable")
	}

	engine, err := daemon.NewEngine(cfg, log.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	if err := engine.Start(); err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		log.Warn().Err(err).Str("path", pidFile).Msg("PID file unavailable")
	} else {
		defer os.Remove(pidFile)
	}

	watcher, err := config.NewWatcher(loader, func(updated *config.Config) {
		if aerr := engine.ApplyConfig(updated); aerr != nil {
			log.Warn().Err(aerr).Msg("Reloaded configuration rejected, keeping previous settings")
			return
		}
		log.Info().Msg("Configuration file changed; tunables applied")
	})
	if err == nil {
		if werr := watcher.Start(); werr != nil {
			log.Warn().Err(werr).Msg("Config watcher failed to start")
		} else {
			defer watcher.Stop()
		}
	}

	if !startDetached {
		go readThreads(engine, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	return engine.Stop()
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/keel.pid"
	}
	return filepath.Join(home, ".keel", "keel.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}

// readThreads turns each non-empty stdin line into a background thread.
func readThreads(engine *daemon.Engine, log *logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		id, err := engine.SubmitAsync(input)
		if err != nil {
			log.Error().Err(err).Msg("Thread submission failed")
			continue
		}
		fmt.Printf("thread %s started\n", id)
	}
}
