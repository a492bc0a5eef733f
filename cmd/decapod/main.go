// Package main implements the decapod CLI - the on-demand entry point for
// decapod's governed mutation kernel.
//
// This file is the entry point and command registration hub. Command
// implementations live in the other cmd_*.go files in this package.
//
// # File Index
//
//   - main.go            - entry point, rootCmd, global flags, kernel bootstrap
//   - cmd_agent.go       - agentInitCmd
//   - cmd_session.go     - sessionAcquireCmd, sessionReleaseCmd
//   - cmd_workspace.go   - workspaceEnsureCmd, workspacePublishCmd, workspaceStatusCmd
//   - cmd_todo.go        - todoAddCmd, todoClaimCmd, todoReleaseCmd, todoCommentCmd,
//                          todoEditCmd, todoDoneCmd, todoArchiveCmd, todoListCmd, todoRebuildCmd
//   - cmd_validate.go    - validateRunCmd
//   - cmd_context.go     - contextResolveCmd
//   - cmd_data.go        - schemaGetCmd, dataUpsertCmd
//   - cmd_release.go     - releaseCheckCmd
//   - cmd_rpc.go         - rpcCmd (JSON-RPC envelope over stdin/stdout)
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"decapod/internal/broker"
	"decapod/internal/config"
	"decapod/internal/logging"
	"decapod/internal/storepath"
)

var (
	// Global flags
	storeFlag         string
	formatFlag        string
	deterministicFlag bool
	verboseFlag       bool

	// Logger
	zapLogger *zap.Logger

	// Kernel state for the current invocation, assembled in PersistentPreRunE
	kernel *kernelContext
)

// kernelContext bundles the pieces every handler needs: the resolved
// store, a broker rooted at it, and the loaded config. One kernelContext
// is built per process invocation and torn down at exit (spec.md §5: no
// in-memory state survives between invocations).
type kernelContext struct {
	store  *storepath.Store
	broker *broker.Broker
	cfg    *config.Config
}

var rootCmd = &cobra.Command{
	Use:   "decapod",
	Short: "decapod - a daemonless, local-first control plane for AI coding agents",
	Long: `decapod is a daemonless, local-first control plane invoked on demand by
AI coding agents. It transforms informal agent behavior into governed,
auditable, reproducible work: sessions are authenticated and identity-bound,
mutation is confined to isolated git worktrees, tasks progress through a
strict event-sourced state machine, and completion is gated by a
deterministic validator producing hash-anchored receipts.

decapod is invoked, executes exactly one operation, emits a receipt, and exits.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verboseFlag {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		zapLogger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		kind, err := resolveStoreKind()
		if err != nil {
			return err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
		store, err := storepath.Resolve(kind, cwd)
		if err != nil {
			return fmt.Errorf("resolve store: %w", err)
		}
		if err := store.EnsureExists(); err != nil {
			return fmt.Errorf("ensure store: %w", err)
		}

		cfg, err := config.Load(store.ConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg.ApplyEnv()
		if deterministicFlag {
			cfg.Deterministic = true
		}
		if formatFlag != "" {
			cfg.Format = config.Format(formatFlag)
		}

		if err := logging.Initialize(store.Root, cfg.DebugLogging || verboseFlag, cfg.JSONLogging); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}

		b, err := broker.New(store)
		if err != nil {
			return fmt.Errorf("construct broker: %w", err)
		}

		kernel = &kernelContext{store: store, broker: b, cfg: cfg}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if kernel != nil && kernel.broker != nil {
			_ = kernel.broker.Close()
		}
		if zapLogger != nil {
			_ = zapLogger.Sync()
		}
		logging.CloseAll()
	},
}

func resolveStoreKind() (storepath.Kind, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	switch storeFlag {
	case "repo":
		return storepath.Repo, nil
	case "user":
		return storepath.User, nil
	case "":
		return storepath.DefaultKind(cwd), nil
	default:
		return "", fmt.Errorf("unknown --store value %q (want repo|user)", storeFlag)
	}
}

func repoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Abs(cwd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "Store to target: repo|user (default: derived from cwd)")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "", "Output format: text|json")
	rootCmd.PersistentFlags().BoolVar(&deterministicFlag, "deterministic", false, "Strip timestamps from output for reproducible diffs")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose logging")

	agentCmd.AddCommand(agentInitCmd)
	sessionCmd.AddCommand(sessionAcquireCmd, sessionReleaseCmd)
	workspaceCmd.AddCommand(workspaceEnsureCmd, workspacePublishCmd, workspaceStatusCmd)
	todoCmd.AddCommand(todoAddCmd, todoClaimCmd, todoReleaseCmd, todoCommentCmd, todoEditCmd, todoDoneCmd, todoArchiveCmd, todoListCmd, todoRebuildCmd)
	validateCmd.AddCommand(validateRunCmd)
	contextCmd.AddCommand(contextResolveCmd)
	schemaCmd.AddCommand(schemaGetCmd)
	dataCmd.AddCommand(schemaCmd, dataUpsertCmd)
	releaseCmd.AddCommand(releaseCheckCmd)

	rootCmd.AddCommand(
		agentCmd,
		sessionCmd,
		workspaceCmd,
		todoCmd,
		validateCmd,
		contextCmd,
		dataCmd,
		releaseCmd,
		rpcCmd,
	)
}
