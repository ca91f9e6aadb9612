// Command stormlsp is a standalone driver for the language server engine:
// it lists configured servers, prints capabilities, and runs one-shot
// document requests against a real server. Useful for debugging server
// configs without a host editor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "stormlsp",
		Short:         "Language server engine driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (TOML or YAML)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServersCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCapabilitiesCmd())
	root.AddCommand(newHoverCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stormlsp:", err)
		os.Exit(1)
	}
}

// newLogger builds the CLI logger: human-readable, debug level with -v.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !flagVerbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}
