package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"decapod/internal/provenance"
	"decapod/internal/workspace"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Git worktree isolation operations",
}

func newWorkspace() (*workspace.Workspace, error) {
	root, err := repoRoot()
	if err != nil {
		return nil, err
	}
	return workspace.New(kernel.store, root, kernel.cfg.ProtectedBranchPatterns), nil
}

var workspaceEnsureCmd = &cobra.Command{
	Use:   "ensure <task-id> <base-branch>",
	Short: "Create or verify a task's isolated worktree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := newWorkspace()
		if err != nil {
			return err
		}
		status, err := ws.Ensure(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printStatus(status)
	},
}

var workspacePublishCmd = &cobra.Command{
	Use:   "publish <task-id> <message>",
	Short: "Commit all pending changes in a task's worktree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := newWorkspace()
		if err != nil {
			return err
		}
		if err := provenance.RequireForPublish(kernel.store); err != nil {
			return err
		}
		commit, err := ws.Publish(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("published task %s at commit %s\n", args[0], commit)
		return nil
	},
}

var workspaceStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task worktree's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := newWorkspace()
		if err != nil {
			return err
		}
		status, err := ws.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printStatus(status)
	},
}

func printStatus(status *workspace.Status) error {
	if kernel.cfg.Format == "json" {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("task=%s branch=%s path=%s exists=%v dirty=%v ahead=%d behind=%d head=%s\n",
		status.TaskID, status.Branch, status.Path, status.Exists, status.Dirty, status.AheadOfBase, status.BehindBase, status.HeadCommit)
	return nil
}
