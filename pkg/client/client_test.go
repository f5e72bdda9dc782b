package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KockaAdmiralac/Lux/internal/auth"
	"github.com/KockaAdmiralac/Lux/internal/controller"
	"github.com/KockaAdmiralac/Lux/internal/scheduler"
	"github.com/KockaAdmiralac/Lux/internal/server"
	"github.com/KockaAdmiralac/Lux/internal/service"
	luxtls "github.com/KockaAdmiralac/Lux/internal/tls"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

type stubController struct {
	reloaded map[string]any
}

func (s *stubController) Status() []service.Status {
	return []service.Status{{Name: "db", State: protocol.StateRunning, PID: 7}}
}

func (s *stubController) StatusOf(name string) (service.Status, error) {
	if name != "db" {
		return service.Status{}, fmt.Errorf("%w: %s", controller.ErrUnknownService, name)
	}
	return s.Status()[0], nil
}

func (s *stubController) Waiting(name string) (scheduler.WaitStatus, bool) {
	return scheduler.WaitStatus{}, false
}

func (s *stubController) Blocked() []scheduler.WaitStatus {
	return []scheduler.WaitStatus{{Service: "web", Unmet: []string{"ghost"}, Unregistered: []string{"ghost"}}}
}

func (s *stubController) StartAll() []controller.Result {
	return []controller.Result{{Service: "db", Err: protocol.SignalRunning}}
}

func (s *stubController) Do(name string, a protocol.Action) error {
	if _, err := s.StatusOf(name); err != nil {
		return err
	}
	if a == protocol.ActionStart {
		return protocol.SignalRunning
	}
	return nil
}

func (s *stubController) Reload(name string, cfg map[string]any) error {
	s.reloaded = cfg
	return nil
}

func newTestServer(t *testing.T, ctrl server.Controller) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(server.NewRouter(ctrl, nil, "/api").Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, base string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: base})
	require.NoError(t, err)
	return c
}

func TestClient_Queries(t *testing.T) {
	ts := newTestServer(t, &stubController{})
	c := newClient(t, ts.URL+"/api")
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	sts, err := c.Services(ctx)
	require.NoError(t, err)
	require.Len(t, sts, 1)
	assert.Equal(t, 7, sts[0].PID)

	st, err := c.Service(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateRunning, st.State)

	ws, err := c.Waiting(ctx, "db")
	require.NoError(t, err)
	assert.Nil(t, ws)

	blocked, err := c.Blocked(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, []string{"ghost"}, blocked[0].Unregistered)

	results, err := c.StartAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []StartResult{{Service: "db", Error: "running"}}, results)

	_, err = c.Usage(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClient_Lifecycle(t *testing.T) {
	stub := &stubController{}
	ts := newTestServer(t, stub)
	c := newClient(t, ts.URL+"/api")
	ctx := context.Background()

	require.NoError(t, c.Do(ctx, "db", protocol.ActionStop))

	err := c.Do(ctx, "db", protocol.ActionStart)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.SignalRunning))

	err = c.Do(ctx, "nope", protocol.ActionStop)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "unknown service")

	require.NoError(t, c.Reload(ctx, "db", map[string]any{"workers": 2}))
	assert.Equal(t, map[string]any{"workers": float64(2)}, stub.reloaded)
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()

	c := newClient(t, base)
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Services(context.Background())
	assert.Error(t, err)
}

func TestClient_TLS(t *testing.T) {
	dir := t.TempDir()
	cfg := luxtls.Config{Enabled: true, Dir: dir, AutoGenerate: true, DNSNames: []string{"localhost"}}
	tlsCfg, err := luxtls.Setup(cfg)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	ts := httptest.NewUnstartedServer(server.NewRouter(&stubController{}, nil, "/api").Handler())
	ts.TLS = tlsCfg
	ts.StartTLS()
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL + "/api", TLS: &TLSClientConfig{CACert: cfg.CAFile(), ServerName: "localhost"}})
	require.NoError(t, err)
	sts, err := c.Services(context.Background())
	require.NoError(t, err)
	assert.Len(t, sts, 1)

	_, err = New(Config{TLS: &TLSClientConfig{CACert: filepath.Join(dir, "missing.crt")}})
	assert.Error(t, err)
}

func TestAPIError(t *testing.T) {
	assert.Equal(t, "HTTP 502", (&APIError{StatusCode: 502}).Error())
	assert.Nil(t, (&APIError{StatusCode: 500}).Unwrap())
	assert.True(t, errors.Is(&APIError{StatusCode: 409, Signal: protocol.SignalStopped}, protocol.SignalStopped))
}

func TestClient_Auth(t *testing.T) {
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	a, err := auth.New(auth.Config{Users: []auth.User{{Username: "ops", PasswordHash: hash, Role: auth.RoleOperator}}})
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(server.NewRouter(&stubController{}, nil, "/api").WithAuth(a).Handler())
	defer ts.Close()
	ctx := context.Background()

	anon := newClient(t, ts.URL+"/api")
	assert.False(t, anon.IsReachable(ctx))
	_, err = anon.Services(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c, err := New(Config{BaseURL: ts.URL + "/api", Username: "ops", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, c.IsReachable(ctx))

	tok, err := c.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Type)
	c.password = "forgotten"
	require.NoError(t, c.Do(ctx, "db", protocol.ActionStop), "the token is used after login")

	bad, err := New(Config{BaseURL: ts.URL + "/api", Username: "ops", Password: "nope"})
	require.NoError(t, err)
	_, err = bad.Login(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
