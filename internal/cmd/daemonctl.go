package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/playpen-dev/playpen/internal/config"
	"github.com/playpen-dev/playpen/internal/daemon"
)

var (
	startHost   string
	startPort   int
	startReload bool
	stopTimeout time.Duration
	statusJSON  bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the playpen daemon in the background",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the playpen daemon",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the playpen daemon",
	RunE:  runRestart,
}

func init() {
	startCmd.Flags().StringVar(&startHost, "host", "", "bind address (overrides config)")
	startCmd.Flags().IntVar(&startPort, "port", 0, "listen port (overrides config)")
	startCmd.Flags().BoolVar(&startReload, "reload", false, "stop a running daemon first")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 0, "graceful shutdown timeout (overrides config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, restartCmd)
}

func daemonPaths() (pidPath, logPath string, err error) {
	home, err := config.EnsureHome()
	if err != nil {
		return "", "", err
	}
	return daemon.Path(home), daemon.LogPath(home), nil
}

// serveArgs builds the argument list for the background serve process.
func serveArgs(host string, port int) []string {
	args := []string{"serve"}
	if host != "" {
		args = append(args, "--host", host)
	}
	if port != 0 {
		args = append(args, "--port", fmt.Sprintf("%d", port))
	}
	if debug {
		args = append(args, "--debug")
	}
	return args
}

func runStart(cmd *cobra.Command, args []string) error {
	pidPath, logPath, err := daemonPaths()
	if err != nil {
		return err
	}

	if startReload {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := daemon.Stop(pidPath, cfg.Daemon.GracefulTimeout); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
			return err
		}
	}

	if err := daemon.Start(pidPath, logPath, serveArgs(startHost, startPort)...); err != nil {
		return err
	}

	record, err := daemon.Status(pidPath)
	if err != nil {
		return err
	}
	fmt.Printf("Daemon running (pid %d) on %s:%d\n", record.PID, record.Host, record.Port)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath, _, err := daemonPaths()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	timeout := cfg.Daemon.GracefulTimeout
	if cmd.Flags().Changed("timeout") {
		timeout = stopTimeout
	}
	if err := daemon.Stop(pidPath, timeout); err != nil {
		return err
	}
	fmt.Println("Daemon stopped.")
	return nil
}

// statusReport is the structured form of 'playpen status --json'.
type statusReport struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Address string `json:"address,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

func buildStatusReport(record daemon.PIDFile, now time.Time) statusReport {
	return statusReport{
		Running: true,
		PID:     record.PID,
		Address: fmt.Sprintf("%s:%d", record.Host, record.Port),
		Uptime:  now.Sub(record.StartedAt).Round(time.Second).String(),
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidPath, _, err := daemonPaths()
	if err != nil {
		return err
	}

	record, err := daemon.Status(pidPath)
	if err != nil {
		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(statusReport{})
		}
		fmt.Println("Daemon is not running.")
		return nil
	}

	report := buildStatusReport(record, time.Now())
	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tADDRESS\tUPTIME")
	fmt.Fprintf(w, "%d\t%s\t%s\n", report.PID, report.Address, report.Uptime)
	return w.Flush()
}

func runRestart(cmd *cobra.Command, args []string) error {
	pidPath, logPath, err := daemonPaths()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := daemon.Restart(pidPath, logPath, cfg.Daemon.GracefulTimeout, serveArgs("", 0)...); err != nil {
		return err
	}
	fmt.Println("Daemon restarted.")
	return nil
}
