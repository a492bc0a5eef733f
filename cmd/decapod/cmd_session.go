package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"decapod/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session acquire/release operations",
}

var sessionAcquireCmd = &cobra.Command{
	Use:   "acquire <agent-id>",
	Short: "Acquire a new session for an agent identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID := args[0]
		if err := session.EnsureSchema(cmd.Context(), kernel.broker); err != nil {
			return err
		}
		result, err := session.Acquire(cmd.Context(), kernel.broker, agentID, kernel.cfg.SessionTTL)
		if err != nil {
			return err
		}
		fmt.Printf("session-id: %s\ntoken: %s\npassword: %s\n", result.SessionID, result.Token, result.Password)
		return nil
	},
}

var sessionReleaseCmd = &cobra.Command{
	Use:   "release <session-id>",
	Short: "Release an active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Release(cmd.Context(), kernel.broker, args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s released\n", args[0])
		return nil
	},
}
