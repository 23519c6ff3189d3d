package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/comfygate/comfygate/internal/client"
)

var gatewayURL string

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gatewayURL, "gateway", "http://localhost:7821", "gateway base URL")
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			workers, err := client.New(gatewayURL).Health(ctx)
			if err != nil {
				return err
			}
			for _, w := range workers {
				line := fmt.Sprintf("worker %d: %s", w.ID, w.Status)
				if w.LoadStatus != "" {
					line += " (" + w.LoadStatus + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func buildGenerateCommand() *cobra.Command {
	var outDir string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "generate <graph.json>",
		Short: "Run one job graph to completion and save its outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read graph: %w", err)
			}

			c := client.New(gatewayURL)
			if wait > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), wait)
				err := c.WaitReady(ctx)
				cancel()
				if err != nil {
					return fmt.Errorf("no worker became ready: %w", err)
				}
			}

			res, err := c.Generate(context.Background(), json.RawMessage(graph))
			if err != nil {
				return err
			}

			for i, out := range res.Outputs {
				name := fmt.Sprintf("output-%d.%s", i, out.Format)
				path := filepath.Join(outDir, name)
				if err := os.WriteFile(path, out.Data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				fmt.Printf("%s (%s, %.1fs)\n", path, out.Kind, res.GenTime)
			}
			for key, value := range res.Metadata {
				fmt.Printf("%s: %s\n", key, value)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to save outputs into")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for a worker to come up first")
	return cmd
}

func buildFreeCommand() *cobra.Command {
	var unloadModels bool
	cmd := &cobra.Command{
		Use:   "free",
		Short: "Ask all workers to release memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return client.New(gatewayURL).Free(ctx, unloadModels, true)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolVar(&unloadModels, "unload-models", false, "also unload loaded models")
	return cmd
}
