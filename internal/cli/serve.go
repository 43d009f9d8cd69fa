package cli

import (
	"context"

	"github.com/kiln-media/kiln/internal/daemon"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().Int64Var(&serveVRAM, "vram", 0, "Total VRAM budget in MB (overrides config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "State directory (overrides config)")
	serveCmd.Flags().BoolVar(&serveSimulate, "simulate", false, "Finish generations at test cadence instead of realtime pacing")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost     string
	servePort     int
	serveVRAM     int64
	serveDataDir  string
	serveSimulate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Kiln scheduler daemon",
	Long:  `Start the HTTP API and the VRAM-budgeted scheduler at localhost:5456.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Flag overrides must land before construction: the scheduler
	// consumes the VRAM budget when it is built, not when it runs.
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveVRAM > 0 {
		cfg.Scheduler.TotalVRAMMB = serveVRAM
	}
	if serveDataDir != "" {
		cfg.Storage.DataDir = serveDataDir
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	d.Simulate = serveSimulate

	return d.Serve(context.Background())
}
