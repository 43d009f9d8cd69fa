// Package cli implements the Kiln command-line interface using Cobra.
// serve runs the daemon in the foreground; every other command talks to a
// running daemon over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln — schedule video generation under a VRAM budget",
	Long: `Kiln runs concurrent video-generation jobs under a fixed VRAM budget,
with priorities, batches, retries, a similarity cache, and signed webhooks.

Start the daemon with 'kiln serve', then submit work from any shell:

  kiln submit "a slow pan over dunes at dusk" --duration 4 --resolution 720p
  kiln batch submit -f batch.toml
  kiln ps`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var rootAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&rootAddr, "addr", "",
		"Daemon address (default from config, e.g. http://127.0.0.1:5456)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
