package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "inspect and edit the persisted change queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list queued changesets in dispatch order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			return render(e.Changesets())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "drop [id]",
		Short: "discard a changeset without pushing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			if err := e.Drop(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("dropped changeset %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "discard every queued changeset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			n, err := e.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("purged %d changesets\n", n)
			return nil
		},
	})
	return cmd
}
