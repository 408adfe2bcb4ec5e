// memoryd is the process boundary of the memory engine: consolidate,
// retrieve, and health against a local substrate, with the exit codes the
// engine contract requires (0 success, 2 invalid arguments, 3 not found,
// 4 timeout, 5 unavailable, 64 internal invariant violation).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"memoryengine/internal/config"
	"memoryengine/internal/engerr"
	"memoryengine/internal/engine"
	"memoryengine/internal/logging"
)

// Exit codes.
const (
	exitOK          = 0
	exitInvalidArgs = 2
	exitNotFound    = 3
	exitTimeout     = 4
	exitUnavailable = 5
	exitInvariant   = 64
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string
	workspace  string

	// Logger
	logger *zap.Logger

	// Engine handle, opened by PersistentPreRunE
	eng *engine.Engine
)

var rootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "memoryd - persistent local-first memory engine",
	Long: `memoryd is a persistent, local-first memory engine for long-running
agent sessions. It stores heterogeneous records across sessions (events,
facts, procedures, tasks, graph entities, patterns), serves hybrid
retrieval over them, and consolidates raw event streams into higher-order
patterns in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize zap logger for CLI output
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Substrate.Path = dbPath
		}

		eng, err = engine.Open(cfg)
		if err != nil {
			return err
		}
		if configPath != "" {
			if werr := eng.WatchConfig(configPath); werr != nil {
				logger.Debug("config watch disabled", zap.Error(werr))
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if eng != nil {
			_ = eng.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "memoryengine.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override substrate database path")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace directory for logs")

	rootCmd.AddCommand(consolidateCmd())
	rootCmd.AddCommand(retrieveCmd())
	rootCmd.AddCommand(healthCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Compact error tag + single-line reason; no stack traces or
		// internal paths.
		fmt.Fprintf(os.Stderr, "%s: %s\n", tagOf(err), reasonOf(err))
		os.Exit(exitCodeOf(err))
	}
	os.Exit(exitOK)
}

func tagOf(err error) string {
	if k := engerr.KindOf(err); k != engerr.KindUnknown {
		return k.String()
	}
	return "Error"
}

func reasonOf(err error) string {
	return err.Error()
}

func exitCodeOf(err error) int {
	switch engerr.KindOf(err) {
	case engerr.KindNotFound:
		return exitNotFound
	case engerr.KindTimeout:
		return exitTimeout
	case engerr.KindUnavailable, engerr.KindRateLimited:
		return exitUnavailable
	case engerr.KindValidation:
		return exitInvalidArgs
	case engerr.KindInvariant:
		return exitInvariant
	default:
		return exitInvalidArgs
	}
}
