package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	procdisp "github.com/procdisp/golang"
)

var (
	cfgFile string
	debug   bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:     "procdisp",
	Short:   "Dispatch calls to a pool of worker processes",
	Version: procdisp.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case debug:
			return procdisp.SetLogLevel("debug")
		case quiet:
			return procdisp.SetLogLevel("error")
		}
		return nil
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "procdisp version %s\n", procdisp.Version)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "procdisp.yaml", "pool config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log errors")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(versionCmd)
}
