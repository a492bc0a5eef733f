package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"decapod/internal/config"
	"decapod/internal/dispatch"
	"decapod/internal/ledger"
)

var todoCmd = &cobra.Command{
	Use:   "todo",
	Short: "Task ledger operations",
}

func newLedger(cmd *cobra.Command) (*ledger.Ledger, error) {
	return ledger.Open(cmd.Context(), kernel.broker, kernel.store)
}

// gate authenticates agentID against the session presented via
// DECAPOD_SESSION_PASSWORD and evaluates the mandate engine's
// preconditions for op (spec.md's dispatcher gate, run identically for
// the CLI and JSON-RPC surfaces) before a ledger mutation runs.
func gate(cmd *cobra.Command, op dispatch.Operation, agentID, taskID string) error {
	ws, err := newWorkspace()
	if err != nil {
		return err
	}
	ref := &dispatch.SessionRef{AgentID: agentID, Password: config.SessionPassword()}
	deps := dispatch.GateDeps{Broker: kernel.broker, Workspace: ws, ProtectedBranches: kernel.cfg.ProtectedBranchPatterns}
	_, err = dispatch.Gate(cmd.Context(), deps, op, ref, agentID, taskID)
	return err
}

var todoAddCmd = &cobra.Command{
	Use:   "add <agent-id> <title>",
	Short: "Create a new task in Draft state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gate(cmd, dispatch.OpTodoAdd, args[0], ""); err != nil {
			return err
		}
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		t, err := l.Add(cmd.Context(), args[1], args[0])
		if err != nil {
			return err
		}
		return printTask(t)
	},
}

var todoClaimCmd = &cobra.Command{
	Use:   "claim <task-id> <agent-id>",
	Short: "Claim a Draft task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gate(cmd, dispatch.OpTodoClaim, args[1], args[0]); err != nil {
			return err
		}
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		t, err := l.Claim(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printTask(t)
	},
}

var todoReleaseCmd = &cobra.Command{
	Use:   "release <task-id> <agent-id>",
	Short: "Release a Claimed task back to Draft",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gate(cmd, dispatch.OpTodoRelease, args[1], args[0]); err != nil {
			return err
		}
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		t, err := l.Release(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printTask(t)
	},
}

var todoCommentCmd = &cobra.Command{
	Use:   "comment <task-id> <agent-id> <body>",
	Short: "Append a comment to a task",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gate(cmd, dispatch.OpTodoComment, args[1], args[0]); err != nil {
			return err
		}
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		if err := l.Comment(cmd.Context(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("comment recorded")
		return nil
	},
}

var todoEditCmd = &cobra.Command{
	Use:   "edit <task-id> <agent-id> <body>",
	Short: "Append an edit note to a task",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gate(cmd, dispatch.OpTodoEdit, args[1], args[0]); err != nil {
			return err
		}
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		if err := l.Edit(cmd.Context(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("edit recorded")
		return nil
	},
}

var todoDoneCmd = &cobra.Command{
	Use:   "done <task-id> <agent-id> <receipt-hash>",
	Short: "Mark a Claimed task Verified, referencing a passing validator receipt",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gate(cmd, dispatch.OpTodoDone, args[1], args[0]); err != nil {
			return err
		}
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		t, err := l.Done(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return printTask(t)
	},
}

var todoArchiveCmd = &cobra.Command{
	Use:   "archive <task-id> <agent-id>",
	Short: "Archive a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gate(cmd, dispatch.OpTodoArchive, args[1], args[0]); err != nil {
			return err
		}
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		t, err := l.Archive(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printTask(t)
	},
}

var todoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		tasks, err := l.List(cmd.Context())
		if err != nil {
			return err
		}
		if kernel.cfg.Format == "json" {
			data, err := json.MarshalIndent(tasks, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		for _, t := range tasks {
			fmt.Printf("%s [%s] %s (owner=%s)\n", t.ID, t.State, t.Title, t.Owner)
		}
		return nil
	},
}

var todoRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Replay the event log and verify it matches the live projection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLedger(cmd)
		if err != nil {
			return err
		}
		defer l.Close()
		rebuiltHash, err := l.Rebuild(cmd.Context())
		if err != nil {
			return err
		}
		liveHash, err := l.LiveProjectionHash(cmd.Context())
		if err != nil {
			return err
		}
		if rebuiltHash != liveHash {
			return fmt.Errorf("rebuild parity failed: rebuilt=%s live=%s", rebuiltHash, liveHash)
		}
		fmt.Printf("rebuild parity ok: %s\n", rebuiltHash)
		return nil
	},
}

func printTask(t *ledger.Task) error {
	if kernel.cfg.Format == "json" {
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("%s [%s] %s (owner=%s)\n", t.ID, t.State, t.Title, t.Owner)
	return nil
}
