package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:     "comfygate",
		Short:   "comfygate routes generation jobs across stateful inference workers",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(buildServeCommand())
	root.AddCommand(buildStatusCommand())
	root.AddCommand(buildGenerateCommand())
	root.AddCommand(buildFreeCommand())
	return root
}
