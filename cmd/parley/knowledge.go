package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-parley/pkg/knowledge"
)

func newKnowledgeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect and edit the knowledge store",
		Long: `Inspect and edit the knowledge store the conversation tools use.

Examples:
  parley knowledge list
  parley knowledge get user/name
  parley knowledge set user/name '"Ada"'
  parley knowledge set notes '["likes tea"]'`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [prefix]",
			Short: "List stored paths",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				prefix := ""
				if len(args) == 1 {
					prefix = args[0]
				}
				store, err := knowledge.Open(cmd.Context(), a.cfg.Knowledge)
				if err != nil {
					return err
				}
				defer store.Close()

				paths, err := store.List(cmd.Context(), prefix)
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <path>",
			Short: "Print the value at a path as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := knowledge.Open(cmd.Context(), a.cfg.Knowledge)
				if err != nil {
					return err
				}
				defer store.Close()

				v, err := store.Read(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(v, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <path> <value>",
			Short: "Store a value; JSON is parsed, anything else is stored as a string",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := knowledge.Open(cmd.Context(), a.cfg.Knowledge)
				if err != nil {
					return err
				}
				defer store.Close()

				var v any
				if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
					v = args[1]
				}
				return store.Write(cmd.Context(), args[0], v)
			},
		},
		&cobra.Command{
			Use:   "delete <path>",
			Short: "Remove the value at a path",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := knowledge.Open(cmd.Context(), a.cfg.Knowledge)
				if err != nil {
					return err
				}
				defer store.Close()
				return store.Delete(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}
