package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/autom8ter/syncq"
	"github.com/ghodss/yaml"
	"github.com/spf13/cobra"
)

var (
	database       string
	provider       string
	providerParams string
	output         string
)

func main() {
	root := &cobra.Command{
		Use:   "syncq",
		Short: "inspect and administer a syncq change queue",
	}
	root.PersistentFlags().StringVar(&database, "database", "default", "remote database the queue belongs to")
	root.PersistentFlags().StringVar(&provider, "provider", "badger", "kv provider")
	root.PersistentFlags().StringVar(&providerParams, "provider-params", "{\"storage_path\": \"./tmp\"}", "provider params (json)")
	root.PersistentFlags().StringVarP(&output, "output", "o", "yaml", "output format (yaml|json)")
	root.AddCommand(queueCmd(), statusCmd(), serveCmd())
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// openEngine opens the queue without a remote service so nothing is dispatched
func openEngine(ctx context.Context) (*syncq.Engine, error) {
	params := map[string]any{}
	if err := json.Unmarshal([]byte(providerParams), &params); err != nil {
		return nil, fmt.Errorf("failed to parse provider params: %w", err)
	}
	return syncq.New(ctx, syncq.Config{
		Database: database,
		Provider: provider,
		Params:   params,
		LogLevel: "error",
	})
}

func render(v any) error {
	var (
		bits []byte
		err  error
	)
	switch output {
	case "json":
		bits, err = json.MarshalIndent(v, "", "  ")
	default:
		bits, err = yaml.Marshal(v)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(bits))
	return nil
}
