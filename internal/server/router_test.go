package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KockaAdmiralac/Lux/internal/auth"
	"github.com/KockaAdmiralac/Lux/internal/controller"
	"github.com/KockaAdmiralac/Lux/internal/metrics"
	"github.com/KockaAdmiralac/Lux/internal/scheduler"
	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

type call struct {
	name   string
	action protocol.Action
	config map[string]any
}

type fakeController struct {
	mu       sync.Mutex
	services map[string]service.Status
	waiting  map[string]scheduler.WaitStatus
	results  []controller.Result
	errs     map[protocol.Action]error
	calls    []call
}

func newFake() *fakeController {
	return &fakeController{
		services: map[string]service.Status{
			"db":  {Name: "db", State: protocol.StateRunning, Version: "1.0.0"},
			"web": {Name: "web", State: protocol.StateConnecting, Version: "0.2.0", Dependencies: []string{"db", "ghost"}},
		},
		waiting: map[string]scheduler.WaitStatus{
			"web": {Service: "web", Unmet: []string{"ghost"}, Unregistered: []string{"ghost"}},
		},
		errs: map[protocol.Action]error{},
	}
}

func (f *fakeController) Status() []service.Status {
	return []service.Status{f.services["db"], f.services["web"]}
}

func (f *fakeController) StatusOf(name string) (service.Status, error) {
	st, ok := f.services[name]
	if !ok {
		return service.Status{}, fmt.Errorf("%w: %s", controller.ErrUnknownService, name)
	}
	return st, nil
}

func (f *fakeController) Waiting(name string) (scheduler.WaitStatus, bool) {
	ws, ok := f.waiting[name]
	return ws, ok
}

func (f *fakeController) Blocked() []scheduler.WaitStatus {
	return []scheduler.WaitStatus{f.waiting["web"]}
}

func (f *fakeController) StartAll() []controller.Result { return f.results }

func (f *fakeController) Do(name string, a protocol.Action) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, action: a})
	f.mu.Unlock()
	if _, err := f.StatusOf(name); err != nil {
		return err
	}
	return f.errs[a]
}

func (f *fakeController) Reload(name string, cfg map[string]any) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, action: protocol.ActionReload, config: cfg})
	f.mu.Unlock()
	return f.errs[protocol.ActionReload]
}

type fakeUsage map[string]metrics.Usage

func (u fakeUsage) All() map[string]metrics.Usage { return u }

func setupRouter(t *testing.T, base string, ctrl Controller, usage UsageSource) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctrl, usage, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListServices(t *testing.T) {
	h := setupRouter(t, "/api", newFake(), nil)
	rec := doReq(t, h, http.MethodGet, "/api/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sts []service.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sts))
	require.Len(t, sts, 2)
	assert.Equal(t, "db", sts[0].Name)
	assert.Equal(t, protocol.StateConnecting, sts[1].State)
}

func TestServiceStatus(t *testing.T) {
	h := setupRouter(t, "", newFake(), nil)

	rec := doReq(t, h, http.MethodGet, "/services/web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st service.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, []string{"db", "ghost"}, st.Dependencies)

	rec = doReq(t, h, http.MethodGet, "/services/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/services/Bad.Name", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaiting(t *testing.T) {
	h := setupRouter(t, "/api", newFake(), nil)

	rec := doReq(t, h, http.MethodGet, "/api/services/web/waiting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp WaitingResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Waiting)
	require.NotNil(t, resp.Status)
	assert.Equal(t, []string{"ghost"}, resp.Status.Unregistered)

	rec = doReq(t, h, http.MethodGet, "/api/services/db/waiting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = WaitingResp{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Waiting)
	assert.Nil(t, resp.Status)

	rec = doReq(t, h, http.MethodGet, "/api/services/nope/waiting", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlocked(t *testing.T) {
	h := setupRouter(t, "/api", newFake(), nil)
	rec := doReq(t, h, http.MethodGet, "/api/blocked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ws []scheduler.WaitStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	require.Len(t, ws, 1)
	assert.Equal(t, "web", ws[0].Service)
}

func TestStartAll(t *testing.T) {
	f := newFake()
	f.results = []controller.Result{
		{Service: "db"},
		{Service: "web", Err: protocol.SignalRunning},
	}
	h := setupRouter(t, "/api", f, nil)
	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []StartResult{{Service: "db"}, {Service: "web", Error: "running"}}, out)
}

func TestAction(t *testing.T) {
	f := newFake()
	f.errs[protocol.ActionPause] = protocol.SignalNotRunning
	f.errs[protocol.ActionUpdate] = controller.ErrClosed
	f.errs[protocol.ActionReset] = errors.New("boom")
	h := setupRouter(t, "/api", f, nil)

	rec := doReq(t, h, http.MethodPost, "/api/services/db/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/services/db/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var e errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "notRunning", e.Signal)

	rec = doReq(t, h, http.MethodPost, "/api/services/db/update", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/services/db/reset", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/services/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Handshake verbs are not lifecycle operations.
	for _, verb := range []string{"connect", "ping", "explode"} {
		rec = doReq(t, h, http.MethodPost, "/api/services/db/"+verb, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, verb)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.calls, 5)
	assert.Equal(t, call{name: "db", action: protocol.ActionStop}, f.calls[0])
}

func TestReloadWithConfig(t *testing.T) {
	f := newFake()
	h := setupRouter(t, "/api", f, nil)

	rec := doReq(t, h, http.MethodPost, "/api/services/db/reload", map[string]any{"config": map[string]any{"port": 5432}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/services/db/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/services/db/reload", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.calls, 2)
	assert.Equal(t, map[string]any{"port": float64(5432)}, f.calls[0].config)
	assert.Equal(t, call{name: "db", action: protocol.ActionReload}, f.calls[1])
}

func TestUsage(t *testing.T) {
	rec := doReq(t, setupRouter(t, "", newFake(), nil), http.MethodGet, "/usage", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	u := fakeUsage{"db": {Service: "db", PID: 42, MemoryRSS: 1024}}
	rec = doReq(t, setupRouter(t, "", newFake(), u), http.MethodGet, "/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]metrics.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int32(42), got["db"].PID)
}

func TestMetricsRoute(t *testing.T) {
	rec := doReq(t, setupRouter(t, "/api", newFake(), nil), http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv := NewServer(addr, setupRouter(t, "/api", newFake(), nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/services")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestAuthenticatedRouter(t *testing.T) {
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	a, err := auth.New(auth.Config{Users: []auth.User{
		{Username: "ops", PasswordHash: hash, Role: auth.RoleOperator},
		{Username: "ro", PasswordHash: hash, Role: auth.RoleViewer},
	}})
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)
	ctrl := newFake()
	h := NewRouter(ctrl, nil, "/api").WithAuth(a).Handler()

	rec := doReq(t, h, http.MethodGet, "/api/services", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/login", auth.LoginRequest{Username: "ro", Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tok auth.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	send := func(method, path, bearer string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+bearer)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/api/services", tok.Value))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/services/db/stop", tok.Value))

	req := httptest.NewRequest(http.MethodPost, "/api/services/db/stop", nil)
	req.SetBasicAuth("ops", "pw")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
