package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/playpen-dev/playpen/internal/config"
	"github.com/playpen-dev/playpen/internal/daemon"
)

// apiClient talks to the local daemon's control plane with the admin token.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	host, port := cfg.Server.Host, cfg.Server.Port
	if path, _, err := daemonPaths(); err == nil {
		if record, err := daemon.Status(path); err == nil {
			host, port = record.Host, record.Port
		}
	}

	return &apiClient{
		base:  fmt.Sprintf("http://%s:%d", host, port),
		token: cfg.Server.AdminToken,
		// Queries can legitimately run for minutes; the daemon enforces
		// the real budget.
		http: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// do sends one JSON request and decodes the response into out (when out is
// non-nil). Non-2xx responses become errors carrying the server's kind tag.
func (c *apiClient) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (is it running? try 'playpen start'): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Kind  string `json:"kind"`
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Kind)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
