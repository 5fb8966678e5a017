package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/playpen-dev/playpen/internal/config"
	"github.com/playpen-dev/playpen/internal/daemon"
	"github.com/playpen-dev/playpen/internal/logging"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "playpen",
	Short: "Playpen - ephemeral sandboxed agent sessions",
	Long: `Playpen orchestrates ephemeral sandboxed execution environments for
AI agents, backed by containers or cloned VMs.

Run the daemon:
  playpen start
  playpen status

Manage sessions:
  playpen create mysession --backend container -v ~/code/app:/workspace:rw
  playpen sessions
  playpen query mysession "run the tests"
  playpen recycle mysession`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initLogging() {
	if debug {
		// Propagate to subsystems that check the environment directly.
		os.Setenv("PLAYPEN_DEBUG", "1")
	}

	home, err := config.EnsureHome()
	if err != nil {
		_ = logging.Initialize(debug, "")
		return
	}
	_ = logging.Initialize(debug, daemon.LogPath(home))
}
