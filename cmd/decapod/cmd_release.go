package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"decapod/internal/provenance"
)

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release gate operations",
}

var releaseCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the artifact, proof, and policy-lineage manifests agree before publish",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := provenance.Check(kernel.store)
		if err != nil {
			return err
		}
		if !result.OK {
			for _, r := range result.Reasons {
				fmt.Fprintln(cmd.ErrOrStderr(), "blocked:", r)
			}
			return fmt.Errorf("release check failed")
		}
		fmt.Println("release check passed")
		return nil
	},
}
