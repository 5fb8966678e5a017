package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playpen-dev/playpen/internal/audit"
	"github.com/playpen-dev/playpen/internal/backend"
	"github.com/playpen-dev/playpen/internal/config"
	"github.com/playpen-dev/playpen/internal/lifecycle"
	"github.com/playpen-dev/playpen/internal/mount"
	"github.com/playpen-dev/playpen/internal/proxy"
	"github.com/playpen-dev/playpen/internal/registry"
	"github.com/playpen-dev/playpen/internal/secret"
	"github.com/playpen-dev/playpen/internal/session"
)

const adminToken = "test-admin-token"

// stubDriver is a minimal always-healthy engine for control-plane tests.
type stubDriver struct{ kind session.Backend }

func (d stubDriver) Kind() session.Backend { return d.kind }
func (d stubDriver) Create(ctx context.Context, spec backend.CreateSpec) (string, error) {
	return backend.InstanceName(spec.Name), nil
}
func (d stubDriver) Start(ctx context.Context, handle string, volumes []session.VolumeBinding) error {
	return nil
}
func (d stubDriver) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	return nil
}
func (d stubDriver) Destroy(ctx context.Context, handle string) error { return nil }
func (d stubDriver) Exec(ctx context.Context, handle string, cmd []string, stdin io.Reader) (backend.ExecResult, error) {
	return backend.ExecResult{ExitCode: 0}, nil
}
func (d stubDriver) Inspect(ctx context.Context, handle string) (backend.Info, error) {
	return backend.Info{Handle: handle, Running: true}, nil
}
func (d stubDriver) List(ctx context.Context) ([]backend.Info, error) { return nil, nil }
func (d stubDriver) HealthCheck(ctx context.Context, handle string) error {
	return nil
}

func newTestPlane(t *testing.T) (*httptest.Server, *registry.Store) {
	t.Helper()
	srv, store, _ := newTestPlaneWithAudit(t)
	return srv, store
}

func newTestPlaneWithAudit(t *testing.T) (*httptest.Server, *registry.Store, string) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.AdminToken = adminToken
	cfg.Daemon.GracefulTimeout = time.Second
	cfg.Query.TimeoutCeilingSeconds = 300
	cfg.Query.DefaultTimeoutSeconds = 60
	cfg.Query.RateLimitPerMinute = 30
	cfg.Session.StartTimeout = 100 * time.Millisecond
	cfg.Session.TokenTTL = time.Hour
	cfg.Session.APIPort = 8377
	cfg.Session.PortRangeMin = 42500
	cfg.Session.PortRangeMax = 42520
	cfg.Backends.Container.Image = "playpen-agent:latest"
	cfg.Networks = []string{"npm"}

	store, err := registry.NewStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	auditLog, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	resolver := secret.NewResolver(t.TempDir())
	validator, err := mount.NewValidator(nil)
	require.NoError(t, err)

	drivers := map[session.Backend]backend.Driver{
		session.BackendContainer: stubDriver{kind: session.BackendContainer},
	}
	orch := lifecycle.New(cfg, store, drivers, resolver, validator, auditLog)
	orch.Probe = func(ctx context.Context, address string) error { return nil }

	s := New(cfg, orch, proxy.New(cfg, store, auditLog), store, auditLog)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, store, auditPath
}

func doReq(t *testing.T, method, url, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var fields map[string]json.RawMessage
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &fields)
	}
	return resp, fields
}

func createSession(t *testing.T, base, name string) lifecycle.CreateResult {
	t.Helper()
	resp, fields := doReq(t, http.MethodPost, base+"/api/create", adminToken,
		lifecycle.CreateRequest{Name: name, Backend: "container"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res lifecycle.CreateResult
	require.NoError(t, json.Unmarshal(fields["session"], &res.Session))
	require.NoError(t, json.Unmarshal(fields["token"], &res.Token))
	return res
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv, _ := newTestPlane(t)

	resp, fields := doReq(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"ok"`, string(fields["status"]))
}

func TestCreateEndpoint(t *testing.T) {
	srv, _ := newTestPlane(t)

	res := createSession(t, srv.URL, "demo")
	assert.Equal(t, session.StateRunning, res.Session.State)
	assert.NotEmpty(t, res.Token.ID)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodPost, srv.URL+"/api/create", adminToken,
			lifecycle.CreateRequest{Name: "demo", Backend: "container"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.JSONEq(t, `"name_in_use"`, string(fields["kind"]))
	})

	t.Run("invalid spec is 422", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodPost, srv.URL+"/api/create", adminToken,
			lifecycle.CreateRequest{Name: "Bad Name", Backend: "container"})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.JSONEq(t, `"invalid_spec"`, string(fields["kind"]))
	})
}

func TestAuthRejections(t *testing.T) {
	srv, _ := newTestPlane(t)

	t.Run("missing token", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodGet, srv.URL+"/api/sessions", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.JSONEq(t, `"policy_violation"`, string(fields["kind"]))
	})

	t.Run("unknown token", func(t *testing.T) {
		resp, _ := doReq(t, http.MethodGet, srv.URL+"/api/sessions", "bogus", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestSessionTokenScoping(t *testing.T) {
	srv, store := newTestPlane(t)

	res := createSession(t, srv.URL, "alpha")
	createSession(t, srv.URL, "beta")

	t.Run("inspect own session allowed", func(t *testing.T) {
		resp, _ := doReq(t, http.MethodGet, srv.URL+"/api/sessions/alpha", res.Token.ID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("inspect another session forbidden", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodGet, srv.URL+"/api/sessions/beta", res.Token.ID, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.JSONEq(t, `"policy_violation"`, string(fields["kind"]))
	})

	t.Run("create forbidden for session tokens", func(t *testing.T) {
		resp, _ := doReq(t, http.MethodPost, srv.URL+"/api/create", res.Token.ID,
			lifecycle.CreateRequest{Name: "gamma", Backend: "container"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("revoked token is unauthorized", func(t *testing.T) {
		require.NoError(t, store.RevokeSessionTokens(context.Background(), "alpha"))
		resp, _ := doReq(t, http.MethodGet, srv.URL+"/api/sessions/alpha", res.Token.ID, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestTokenInvalidOnceSessionLeavesRunning(t *testing.T) {
	srv, store := newTestPlane(t)
	res := createSession(t, srv.URL, "alpha")

	require.NoError(t, store.UpdateState(context.Background(), "alpha", session.StateUnhealthy, "probe failed"))

	resp, fields := doReq(t, http.MethodGet, srv.URL+"/api/sessions/alpha", res.Token.ID, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `"policy_violation"`, string(fields["kind"]))

	t.Run("admin still sees the session", func(t *testing.T) {
		resp, _ := doReq(t, http.MethodGet, srv.URL+"/api/sessions/alpha", adminToken, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAuthFailuresAreAudited(t *testing.T) {
	srv, _, auditPath := newTestPlaneWithAudit(t)

	resp, _ := doReq(t, http.MethodGet, srv.URL+"/api/sessions", "bogus", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"category":"policy"`)
	assert.Contains(t, string(data), "unknown token")
}

func TestGetAndListEndpoints(t *testing.T) {
	srv, _ := newTestPlane(t)
	createSession(t, srv.URL, "demo")

	t.Run("get", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodGet, srv.URL+"/api/sessions/demo", adminToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `"running"`, string(fields["state"]))
	})

	t.Run("get unknown is 404", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodGet, srv.URL+"/api/sessions/nope", adminToken, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.JSONEq(t, `"not_found"`, string(fields["kind"]))
	})

	t.Run("list", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodGet, srv.URL+"/api/sessions", adminToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var sessions []session.Session
		require.NoError(t, json.Unmarshal(fields["sessions"], &sessions))
		require.Len(t, sessions, 1)
		assert.Equal(t, "demo", sessions[0].Name)
	})
}

func TestQueryEndpoint(t *testing.T) {
	srv, store := newTestPlane(t)
	res := createSession(t, srv.URL, "demo")

	// Stand in for the in-session API and point the registry at it.
	sessionAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(session.QueryResponse{Success: true, Output: "done"})
	}))
	defer sessionAPI.Close()
	addr := strings.TrimPrefix(sessionAPI.URL, "http://")
	require.NoError(t, store.UpdateRuntime(context.Background(), "demo", res.Session.ResourceHandle, addr, 0))

	t.Run("admin token", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodPost, srv.URL+"/api/sessions/demo/query", adminToken,
			session.QueryRequest{Prompt: "hi"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `"done"`, string(fields["output"]))
	})

	t.Run("session token", func(t *testing.T) {
		resp, _ := doReq(t, http.MethodPost, srv.URL+"/api/sessions/demo/query", res.Token.ID,
			session.QueryRequest{Prompt: "hi"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("over-ceiling timeout is 422", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodPost, srv.URL+"/api/sessions/demo/query", adminToken,
			session.QueryRequest{Prompt: "hi", TimeoutSeconds: 9999})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.JSONEq(t, `"invalid_spec"`, string(fields["kind"]))
	})

	t.Run("unreachable session is 503", func(t *testing.T) {
		sessionAPI.Close()
		resp, fields := doReq(t, http.MethodPost, srv.URL+"/api/sessions/demo/query", adminToken,
			session.QueryRequest{Prompt: "hi"})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.JSONEq(t, `"unreachable"`, string(fields["kind"]))
	})

	t.Run("non-running session is 400", func(t *testing.T) {
		require.NoError(t, store.UpdateState(context.Background(), "demo", session.StateUnhealthy, "probe failed"))
		resp, fields := doReq(t, http.MethodPost, srv.URL+"/api/sessions/demo/query", adminToken,
			session.QueryRequest{Prompt: "hi"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.JSONEq(t, `"not_running"`, string(fields["kind"]))
	})
}

func TestDeleteEndpoint(t *testing.T) {
	srv, _ := newTestPlane(t)
	res := createSession(t, srv.URL, "demo")

	t.Run("session token may recycle itself", func(t *testing.T) {
		resp, fields := doReq(t, http.MethodDelete, srv.URL+"/api/sessions/demo", res.Token.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `"recycled"`, string(fields["status"]))
	})

	t.Run("recycle is idempotent via admin", func(t *testing.T) {
		resp, _ := doReq(t, http.MethodDelete, srv.URL+"/api/sessions/demo", adminToken, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("name freed", func(t *testing.T) {
		createSession(t, srv.URL, "demo")
	})
}
