package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/playpen-dev/playpen/internal/lifecycle"
)

var (
	createBackend  string
	createVolumes  []string
	createNetworks []string
	createSecrets  []string
	createImage    string
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new sandboxed session",
	Long: `Create a session: provision a sandbox, harden it, inject secrets,
and wait for it to become ready.

Examples:
  playpen create mysession
  playpen create mysession --backend vm
  playpen create mysession -v ~/code/app:/workspace:rw --network npm,github
  playpen create mysession --secret anthropic_api_key`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createBackend, "backend", "container", "backend engine (container or vm)")
	createCmd.Flags().StringSliceVarP(&createVolumes, "volume", "v", nil, "volume binding host[:target][:ro|rw] (repeatable)")
	createCmd.Flags().StringSliceVar(&createNetworks, "network", nil, "egress allowlist entries or presets (default from config)")
	createCmd.Flags().StringSliceVar(&createSecrets, "secret", nil, "secret names to inject (repeatable)")
	createCmd.Flags().StringVar(&createImage, "image", "", "override the configured base image or template")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var res lifecycle.CreateResult
	err = client.do(http.MethodPost, "/api/create", lifecycle.CreateRequest{
		Name:     args[0],
		Backend:  createBackend,
		Volumes:  createVolumes,
		Networks: createNetworks,
		Secrets:  createSecrets,
		Image:    createImage,
	}, &res)
	if err != nil {
		return err
	}

	fmt.Printf("Session %s is running (%s backend).\n", res.Session.Name, res.Session.Backend)
	fmt.Printf("Address: %s\n", res.Session.NetworkAddress)
	fmt.Printf("Token:   %s (expires %s)\n", res.Token.ID, res.Token.ExpiresAt.Format("2006-01-02 15:04:05"))
	fmt.Println("\nThe token is shown only once; store it now.")
	return nil
}
