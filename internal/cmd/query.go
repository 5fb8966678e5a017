package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/playpen-dev/playpen/internal/session"
)

var (
	queryTimeout    int
	queryWorkingDir string
	queryFork       bool
)

var queryCmd = &cobra.Command{
	Use:   "query <name> <prompt>",
	Short: "Send a unit of work to a running session",
	Long: `Relay a prompt to the named session's agent and print the result.

The daemon enforces the timeout: if it elapses, the outcome of the work
inside the session is unknown.`,
	Args: cobra.ExactArgs(2),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 0, "timeout in seconds (0 = server default)")
	queryCmd.Flags().StringVar(&queryWorkingDir, "dir", "", "working directory inside the session")
	queryCmd.Flags().BoolVar(&queryFork, "fork", false, "fork the agent conversation for this query")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var resp session.QueryResponse
	err = client.do(http.MethodPost, "/api/sessions/"+args[0]+"/query", session.QueryRequest{
		Prompt:         args[1],
		WorkingDir:     queryWorkingDir,
		TimeoutSeconds: queryTimeout,
		ForkSession:    queryFork,
	}, &resp)
	if err != nil {
		return err
	}

	if resp.Output != "" {
		fmt.Println(resp.Output)
	}
	if !resp.Success {
		return fmt.Errorf("query failed (exit %d): %s", resp.ExitCode, resp.Error)
	}
	if len(resp.FilesModified) > 0 {
		fmt.Printf("\nModified files:\n")
		for _, f := range resp.FilesModified {
			fmt.Printf("  %s\n", f)
		}
	}
	fmt.Printf("\nDone in %.1fs.\n", resp.DurationSeconds)
	return nil
}
