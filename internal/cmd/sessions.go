package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/playpen-dev/playpen/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [name]",
	Short: "List sessions, or show one in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		var sess session.Session
		if err := client.do(http.MethodGet, "/api/sessions/"+args[0], nil, &sess); err != nil {
			return err
		}
		return printSessionDetail(sess)
	}

	var out struct {
		Sessions []session.Session `json:"sessions"`
	}
	if err := client.do(http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return err
	}

	if len(out.Sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBACKEND\tSTATE\tADDRESS\tCREATED")
	for _, s := range out.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.Name, s.Backend, s.State, s.NetworkAddress,
			s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func printSessionDetail(s session.Session) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", s.Name)
	fmt.Fprintf(w, "Backend:\t%s\n", s.Backend)
	fmt.Fprintf(w, "State:\t%s\n", s.State)
	fmt.Fprintf(w, "Image:\t%s\n", s.Image)
	fmt.Fprintf(w, "Handle:\t%s\n", s.ResourceHandle)
	fmt.Fprintf(w, "Address:\t%s\n", s.NetworkAddress)
	fmt.Fprintf(w, "Created:\t%s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
	if s.LastHealthCheckAt != nil {
		fmt.Fprintf(w, "Last health check:\t%s\n", s.LastHealthCheckAt.Format("2006-01-02 15:04:05"))
	}
	for _, v := range s.Volumes {
		fmt.Fprintf(w, "Volume:\t%s\n", v.Spec())
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", s.LastError)
	}
	return w.Flush()
}
