package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dskow/taskrouter/internal/config"
)

func validateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the resolved provider table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), opts.configPath, cfg)
			return nil
		},
	}
}

func printSummary(out io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(out, "%s: OK\n", path)
	fmt.Fprintf(out, "bridge: %s  default provider: %s  budget: %s\n\n",
		cfg.Bridge.Mode, cfg.Router.DefaultProvider, cfg.Budget.Backend)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tENABLED\tRPM\tRPH\tRPD\tBREAKER\tTIMEOUT\tFALLBACKS")
	for _, name := range cfg.ProviderNames() {
		rl := cfg.ProviderRateLimit(name)
		cb := cfg.ProviderBreaker(name)
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\t%d/%d/%s\t%s\t%s\n",
			name,
			cfg.Providers[name].IsEnabled(),
			rl.RequestsPerMinute, rl.RequestsPerHour, rl.RequestsPerDay,
			cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout(),
			cfg.ProviderTimeout(name),
			orDash(strings.Join(cfg.Fallbacks[name], ",")),
		)
	}
	w.Flush()

	if len(cfg.Routing) > 0 {
		types := make([]string, 0, len(cfg.Routing))
		for t := range cfg.Routing {
			types = append(types, t)
		}
		sort.Strings(types)
		fmt.Fprintln(out, "\nrouting overrides:")
		for _, t := range types {
			fmt.Fprintf(out, "  %s -> %s\n", t, cfg.Routing[t])
		}
	}

	for _, warning := range cfg.Warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
