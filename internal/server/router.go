package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KockaAdmiralac/Lux/internal/auth"
	"github.com/KockaAdmiralac/Lux/internal/controller"
	"github.com/KockaAdmiralac/Lux/internal/metrics"
	"github.com/KockaAdmiralac/Lux/internal/scheduler"
	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Controller is the part of the supervisor the admin API drives.
type Controller interface {
	Status() []service.Status
	StatusOf(name string) (service.Status, error)
	Waiting(name string) (scheduler.WaitStatus, bool)
	Blocked() []scheduler.WaitStatus
	StartAll() []controller.Result
	Do(name string, a protocol.Action) error
	Reload(name string, cfg map[string]any) error
}

// UsageSource reports the latest resource samples per service.
type UsageSource interface {
	All() map[string]metrics.Usage
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints:
//
//	GET  {basePath}/services
//	GET  {basePath}/services/:name
//	GET  {basePath}/services/:name/waiting
//	GET  {basePath}/blocked
//	GET  {basePath}/usage
//	GET  {basePath}/metrics
//	POST {basePath}/start
//	POST {basePath}/services/:name/:action   body (reload only): {"config": {...}}
//	POST {basePath}/login                    only with authentication
type Router struct {
	ctrl     Controller
	usage    UsageSource
	auth     *auth.Service
	basePath string
}

// NewRouter constructs a Router. usage may be nil, in which case /usage
// answers 404.
func NewRouter(ctrl Controller, usage UsageSource, basePath string) *Router {
	return &Router{ctrl: ctrl, usage: usage, basePath: sanitizeBase(basePath)}
}

// WithAuth requires every request except login to be authenticated by a.
func (r *Router) WithAuth(a *auth.Service) *Router {
	r.auth = a
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/login", r.auth.LoginHandler)
		group.Use(r.auth.GinAuth())
	}
	group.GET("/services", r.handleList)
	group.GET("/services/:name", r.handleStatus)
	group.GET("/services/:name/waiting", r.handleWaiting)
	group.POST("/services/:name/:action", r.handleAction)
	group.GET("/blocked", r.handleBlocked)
	group.POST("/start", r.handleStartAll)
	group.GET("/usage", r.handleUsage)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer wraps handler in an http.Server listening on addr. tlsCfg may be
// nil for plain HTTP.
func NewServer(addr string, handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is done and then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// --- Handlers ---

type errorResp struct {
	Error  string `json:"error"`
	Signal string `json:"signal,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StartResult is one entry of the POST /start response.
type StartResult struct {
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

// WaitingResp answers GET /services/:name/waiting.
type WaitingResp struct {
	Waiting bool                  `json:"waiting"`
	Status  *scheduler.WaitStatus `json:"status,omitempty"`
}

type actionReq struct {
	Config map[string]any `json:"config"`
}

// writeError maps controller errors onto status codes.
func writeError(c *gin.Context, err error) {
	var sig protocol.Signal
	switch {
	case errors.Is(err, controller.ErrUnknownService):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.As(err, &sig):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error(), Signal: string(sig)})
	case errors.Is(err, protocol.ErrUnknownAction):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, controller.ErrClosed):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

// name returns the validated :name parameter, answering 400 when it is not
// a service name.
func name(c *gin.Context) (string, bool) {
	n := c.Param("name")
	if !isServiceName(n) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: " + n})
		return "", false
	}
	return n, true
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.Status())
}

func (r *Router) handleStatus(c *gin.Context) {
	n, ok := name(c)
	if !ok {
		return
	}
	st, err := r.ctrl.StatusOf(n)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleWaiting(c *gin.Context) {
	n, ok := name(c)
	if !ok {
		return
	}
	if _, err := r.ctrl.StatusOf(n); err != nil {
		writeError(c, err)
		return
	}
	ws, waiting := r.ctrl.Waiting(n)
	if !waiting {
		writeJSON(c, http.StatusOK, WaitingResp{})
		return
	}
	writeJSON(c, http.StatusOK, WaitingResp{Waiting: true, Status: &ws})
}

func (r *Router) handleBlocked(c *gin.Context) {
	blocked := r.ctrl.Blocked()
	if blocked == nil {
		blocked = []scheduler.WaitStatus{}
	}
	writeJSON(c, http.StatusOK, blocked)
}

func (r *Router) handleStartAll(c *gin.Context) {
	results := r.ctrl.StartAll()
	out := make([]StartResult, 0, len(results))
	for _, res := range results {
		sr := StartResult{Service: res.Service}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		out = append(out, sr)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleAction(c *gin.Context) {
	n, ok := name(c)
	if !ok {
		return
	}
	a, ok := protocol.ParseAction(c.Param("action"))
	if !ok || !a.IsLifecycle() {
		writeError(c, protocol.ErrUnknownAction)
		return
	}

	var err error
	if a == protocol.ActionReload && c.Request.ContentLength != 0 {
		var req actionReq
		if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + bindErr.Error()})
			return
		}
		err = r.ctrl.Reload(n, req.Config)
	} else {
		err = r.ctrl.Do(n, a)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUsage(c *gin.Context) {
	if r.usage == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "usage collection disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.usage.All())
}
