package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/rewriteproxy/pkg/logutil"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "rewriteproxy",
	Short: "Model routing and request rewriting proxy for OpenAI-compatible backends",
	Long: "rewriteproxy sits in front of an OpenAI-compatible server. It maps virtual model names\n" +
		"to backend models by prompt size, rewrites chat completion bodies per model and\n" +
		"relays everything else unchanged.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, logfmt, json)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(logLevel, logFormat); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
}
