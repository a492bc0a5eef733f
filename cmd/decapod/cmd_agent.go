package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"decapod/internal/session"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent identity bootstrap operations",
}

var agentInitCmd = &cobra.Command{
	Use:   "init <agent-id>",
	Short: "Bootstrap a new agent identity and acquire its first session",
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
		fmt.Printf("agent %s initialized\nsession-id: %s\ntoken: %s\npassword: %s\n", agentID, result.SessionID, result.Token, result.Password)
		fmt.Println("store the password as DECAPOD_SESSION_PASSWORD; it is shown exactly once")
		return nil
	},
}
