package main

import (
	"fmt"
	"net/http"

	transport "github.com/autom8ter/syncq/transport/http"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print a summary of the change queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			return render(e.Status())
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the admin api for the change queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			fmt.Printf("starting admin http server on %s\n", addr)
			return http.ListenAndServe(addr, transport.Handler(e))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
