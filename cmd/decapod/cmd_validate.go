package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"decapod/internal/ledger"
	"decapod/internal/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the proof gate",
}

var validateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enumerated gate sequence and produce a hash-anchored receipt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := ledger.Open(cmd.Context(), kernel.broker, kernel.store)
		if err != nil {
			return err
		}
		defer l.Close()

		v := validator.New(kernel.store, l, kernel.cfg.Deterministic)
		receipt, err := v.Run(cmd.Context(), kernel.cfg.ValidatorBudget())
		if err != nil {
			return err
		}

		if kernel.cfg.Format == "json" {
			data, err := json.MarshalIndent(receipt, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else {
			fmt.Printf("run=%s success=%v hash=%s\n", receipt.RunID, receipt.Success, receipt.Hash)
			for _, g := range receipt.Gates {
				fmt.Printf("  %-30s %s %s\n", g.Gate, g.Outcome, g.Detail)
			}
		}

		if !receipt.Success {
			return fmt.Errorf("validate: one or more gates failed")
		}
		return nil
	},
}
