package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/lkarlslund/rewriteproxy/pkg/config"
	"github.com/lkarlslund/rewriteproxy/pkg/rewrite"
	"github.com/spf13/cobra"
)

var configPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect proxy configuration",
	}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the config, then print the rules it defines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			printConfigSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	checkCmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Config file path (.json, .yaml, .yml or .toml)")
	configCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "config:  %s (%s)\n", cfg.Path, config.FormatForPath(cfg.Path))
	fmt.Fprintf(w, "backend: %s\n", cfg.BackendURL)

	fmt.Fprintf(w, "\nrouting rules: %d\n", len(cfg.RoutingRules))
	for _, model := range cfg.RoutingModels() {
		rule := cfg.RoutingRules[model]
		if rule.Malformed != "" {
			fmt.Fprintf(w, "  %s: inactive (%s)\n", model, rule.Malformed)
			continue
		}
		fmt.Fprintf(w, "  %s (threshold %g)\n", model, rule.Threshold)
		for _, tier := range rule.Tiers {
			fmt.Fprintf(w, "    <= %d tokens -> %s\n", int(float64(tier.ContextLength)*rule.Threshold), tier.Model)
		}
	}

	fmt.Fprintf(w, "\nrewrite rules: %d\n", len(cfg.RewriteRules))
	for _, model := range cfg.RewriteModels() {
		fmt.Fprintf(w, "  %s\n", model)
		for _, a := range cfg.RewriteRules[model] {
			if a.Kind == rewrite.ForceStreamFalse {
				fmt.Fprintf(w, "    %s\n", a.Kind)
				continue
			}
			fmt.Fprintf(w, "    %s %s = %s\n", a.Kind, a.Target, truncate(string(a.Value), 60))
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
