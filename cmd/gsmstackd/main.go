// Command gsmstackd runs the GSM/GPRS mobile-side NS/BSSGP protocol stack
// as a standalone daemon: one process owning THE CORE's single-threaded
// FSM and timer wheel, fed by UDP and FR/GRE transport goroutines, with an
// optional Prometheus /metrics endpoint and a read-only gRPC debug service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gsmstackd",
		Short: "gsmstack - GSM/GPRS mobile-side NS/BSSGP protocol stack",
		Long:  "A standalone daemon implementing the GPRS Network Service and BSSGP flow-control layers over UDP and FR/GRE transports.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional, flags override)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		runCmd(),
		versionCmd(),
		debugCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// version is stamped at build time via -ldflags "-X main.version=...";
// it defaults to "dev" for local builds.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print gsmstackd's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("gsmstackd %s\n", version)
			return nil
		},
	}
}
