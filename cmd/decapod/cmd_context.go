package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"decapod/internal/capsule"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Context capsule operations",
}

var (
	capsuleTopic    string
	capsuleScope    string
	capsuleRiskTier string
	capsuleTaskID   string
)

// fsCorpus resolves capsule fragment paths against the repo's governing
// documents directory. Per spec.md's Open Question (a), this always
// reads a single canonical tree rather than guessing between parallel
// corpus forks.
type fsCorpus struct{ root string }

func (c fsCorpus) Read(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.root, path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var contextResolveCmd = &cobra.Command{
	Use:   "resolve <operation>",
	Short: "Resolve a context capsule for an operation/scope/risk-tier/task-id query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := repoRoot()
		if err != nil {
			return err
		}

		q := capsule.Query{
			Operation: args[0],
			Topic:     capsuleTopic,
			Scope:     capsuleScope,
			RiskTier:  capsuleRiskTier,
			TaskID:    capsuleTaskID,
		}

		binding := capsule.Binding{
			ByOperation: map[string][]string{},
			ByPath:      map[string][]string{},
			ByTag:       map[string][]string{},
		}
		policy := capsule.PolicyContract{DeniedScopes: map[string][]string{}}

		c, err := capsule.Resolve(q, binding, policy, fsCorpus{root: filepath.Join(root, "constitution")})
		if err != nil {
			return err
		}

		path, err := capsule.Write(kernel.store, c)
		if err != nil {
			return err
		}
		fmt.Printf("capsule written to %s (hash=%s, fragments=%d)\n", path, c.CapsuleHash, len(c.Fragments))
		return nil
	},
}

func init() {
	contextResolveCmd.Flags().StringVar(&capsuleTopic, "topic", "", "Topic tag to bind fragments by")
	contextResolveCmd.Flags().StringVar(&capsuleScope, "scope", "", "Scope the capsule query is bound to")
	contextResolveCmd.Flags().StringVar(&capsuleRiskTier, "risk-tier", "", "Risk tier for policy evaluation")
	contextResolveCmd.Flags().StringVar(&capsuleTaskID, "task-id", "", "Task id to key the emitted capsule artifact by")
}
