package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"decapod/internal/broker"
)

func brokerIntent(affectedKey string) broker.Intent {
	return broker.Intent{
		OperationType:  "store.upsert",
		ActorAgentID:   upsertActor,
		IdempotencyKey: upsertIdemKey,
		AffectedKeys:   []string{affectedKey},
	}
}

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Direct broker-mediated data operations",
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema inspection operations",
}

var schemaGetCmd = &cobra.Command{
	Use:   "get <database>",
	Short: "Print a database's sqlite schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, err := kernel.broker.Read(cmd.Context(), args[0], `SELECT name, sql FROM sqlite_master WHERE type = 'table'`)
		if err != nil {
			return err
		}
		if kernel.cfg.Format == "json" {
			data, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		for _, r := range rows {
			fmt.Printf("-- %v\n%v\n\n", r["name"], r["sql"])
		}
		return nil
	},
}

var (
	upsertDB      string
	upsertActor   string
	upsertIdemKey string
)

var dataUpsertCmd = &cobra.Command{
	Use:   "upsert <table> <statement> [args...]",
	Short: "Execute a broker-mediated write statement with intent metadata",
	Long: `Executes a single INSERT/UPDATE/DELETE statement against --db through the
broker's serialized write path, attaching the given actor and idempotency
key as intent metadata. Positional args after the statement are bound as
SQL parameters in order.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		statement := args[1]
		var params []interface{}
		for _, p := range args[2:] {
			params = append(params, p)
		}

		receipt, err := kernel.broker.Write(cmd.Context(), upsertDB, statement, params, brokerIntent(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("rows_affected=%d last_insert_id=%d replayed=%v\n", receipt.RowsAffected, receipt.LastInsertID, receipt.Replayed)
		return nil
	},
}

func init() {
	dataUpsertCmd.Flags().StringVar(&upsertDB, "db", "", "Target database name (required)")
	dataUpsertCmd.Flags().StringVar(&upsertActor, "actor", "", "Actor agent-id for the audit record")
	dataUpsertCmd.Flags().StringVar(&upsertIdemKey, "idempotency-key", "", "Idempotency key to dedupe repeated writes")
	dataUpsertCmd.MarkFlagRequired("db")
}
