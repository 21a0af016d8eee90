// Package main is the entry point for the task router. It serves the HTTP
// API, runs single tasks from the command line, and validates configuration.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "taskrouter",
		Short: "Route research tasks to tool providers",
		Long: `taskrouter dispatches search, scrape, crawl, screenshot and SEO tasks to
tool providers, enforcing per-provider quotas and circuit breakers and
falling back to alternate providers when the preferred one is unusable.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envFile == "" {
				return nil
			}
			// Variables already set in the environment win over the file.
			if err := godotenv.Load(opts.envFile); err != nil {
				return fmt.Errorf("loading env file: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/taskrouter.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading configuration")

	root.AddCommand(serveCmd(opts))
	root.AddCommand(execCmd(opts))
	root.AddCommand(validateCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
