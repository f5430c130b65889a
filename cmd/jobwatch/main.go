package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/jobwatch/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jobwatch",
	Short: "Live job status relay and watcher",
	Long:  "jobwatch relays job status frames from producers to watchers over server-sent events.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	cli.AddGlobalFlags(rootCmd)

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("jobwatch version %s\n", version))

	rootCmd.AddCommand(cli.NewServeCmd())
	rootCmd.AddCommand(cli.NewCreateCmd())
	rootCmd.AddCommand(cli.NewPublishCmd())
	rootCmd.AddCommand(cli.NewGetCmd())
	rootCmd.AddCommand(cli.NewWatchCmd())
}
