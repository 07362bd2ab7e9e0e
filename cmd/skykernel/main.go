// Package main is the skykernel command: it hosts the kernel over a websocket
// bridge and offers a few client-side tools for talking to a running host.
//
// Usage:
//
//	skykernel serve --port 8000 --module-dir ./modules
//	skykernel call --module <id> --method secureUpload --data '{"filename":"a.txt","fileData":"aGk="}'
//	skykernel index ./modules --check
//	skykernel status --api http://127.0.0.1:8000
//	skykernel version
//
// Configuration comes from the environment (see internal/infrastructure/config);
// flags override it.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	timeout time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "skykernel",
	Short: "Module kernel host",
	Long: `skykernel hosts a kernel that routes nonce-correlated queries between
pages and content-addressed modules.

Available subcommands:
  serve   - Run the kernel host
  call    - Call a module through a running host
  index   - List the modules in a directory and their IDs
  status  - Show module state of a running host
  reload  - Reload a module on a running host
  version - Print the kernel distribution and version`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
