package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var recycleCmd = &cobra.Command{
	Use:   "recycle <name>",
	Short: "Tear down a session and free its name",
	Long: `Stop the session's sandbox, destroy it, revoke its tokens, and
remove it from the registry. Recycling an already-gone session succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecycle,
}

func init() {
	rootCmd.AddCommand(recycleCmd)
}

func runRecycle(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := client.do(http.MethodDelete, "/api/sessions/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Printf("Session %s recycled.\n", args[0])
	return nil
}
