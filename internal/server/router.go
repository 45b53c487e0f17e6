package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/frpvisor/internal/clientconf"
	"github.com/loykin/frpvisor/internal/errs"
	"github.com/loykin/frpvisor/internal/metrics"
	"github.com/loykin/frpvisor/internal/process"
	"github.com/loykin/frpvisor/internal/ratelimit"
	"github.com/loykin/frpvisor/internal/store"
	"github.com/loykin/frpvisor/internal/supervisor"
)

// Router provides embeddable HTTP handlers for operating managed clients.
// Endpoints (relative to basePath):
//
//	GET   /clients                          status listing, reconciled in one probe
//	POST  /clients                          register a client
//	GET   /clients/:id
//	PATCH /clients/:id                      name, config_path, enabled, always_on
//	POST  /clients/:id/start                query: clear_log=true
//	POST  /clients/:id/stop
//	POST  /clients/:id/restart              query: force=true&clear_log=true
//	POST  /clients/:id/restart-limit/reset
//	GET   /alerts                           query: limit=N
//	POST  /alerts/:id/resolve
//
// /metrics and /healthz are served at the root.
type Router struct {
	deps     Deps
	basePath string
}

// Deps are the engine components the router drives.
type Deps struct {
	Store       store.Store
	Loop        *supervisor.Loop
	Launcher    *process.Launcher
	AllowedDirs []string
	// Sweep, when set, is reported by /healthz.
	Sweep *supervisor.RotationSweep
	// Metrics mounts the Prometheus handler at /metrics.
	Metrics bool
	Logger  *slog.Logger
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	g.GET("/healthz", r.handleHealth)
	if r.deps.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/clients", r.handleList)
	group.POST("/clients", r.handleCreate)
	group.GET("/clients/:id", r.handleGet)
	group.PATCH("/clients/:id", r.handleUpdate)
	group.POST("/clients/:id/start", r.handleStart)
	group.POST("/clients/:id/stop", r.handleStop)
	group.POST("/clients/:id/restart", r.handleRestart)
	group.POST("/clients/:id/restart-limit/reset", r.handleResetLimit)
	group.GET("/alerts", r.handleAlerts)
	group.POST("/alerts/:id/resolve", r.handleResolveAlert)
	return g
}

// --- Handlers ---

type errorResp struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	OK       bool            `json:"ok"`
	Rotation *rotationHealth `json:"rotation,omitempty"`
}

type rotationHealth struct {
	LastRun *time.Time `json:"last_run,omitempty"`
	Rotated int        `json:"rotated"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := healthResp{OK: true}
	if sw := r.deps.Sweep; sw != nil {
		last, n := sw.LastRun()
		rh := &rotationHealth{Rotated: n}
		if !last.IsZero() {
			rh.LastRun = &last
		}
		if next := sw.Next(); !next.IsZero() {
			rh.NextRun = &next
		}
		resp.Rotation = rh
	}
	writeJSON(c, http.StatusOK, resp)
}

// clientView is a status row plus the client's restart limiter record.
type clientView struct {
	supervisor.ClientReport
	Restarts ratelimit.Record `json:"restarts"`
}

type clientBody struct {
	Name       *string `json:"name"`
	ConfigPath *string `json:"config_path"`
	Enabled    *bool   `json:"enabled"`
	AlwaysOn   *bool   `json:"always_on"`
}

func (r *Router) handleList(c *gin.Context) {
	reports, err := r.deps.Loop.Report(c.Request.Context(), r.deps.Store)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]clientView, 0, len(reports))
	for _, rep := range reports {
		out = append(out, r.view(rep))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rep, err := r.deps.Loop.ReportOne(c.Request.Context(), r.deps.Store, id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.view(rep))
}

func (r *Router) handleCreate(c *gin.Context) {
	var body clientBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Kind: errs.KindValidation})
		return
	}
	if body.Name == nil || body.ConfigPath == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name and config_path required", Kind: errs.KindValidation})
		return
	}
	cl := store.Client{Enabled: true}
	if err := r.apply(&cl, body); err != nil {
		writeError(c, err)
		return
	}
	saved, err := r.deps.Store.SaveClient(c.Request.Context(), cl)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, saved)
}

func (r *Router) handleUpdate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body clientBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Kind: errs.KindValidation})
		return
	}
	ctx := c.Request.Context()
	cl, err := r.deps.Store.GetClient(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := r.apply(&cl, body); err != nil {
		writeError(c, err)
		return
	}
	saved, err := r.deps.Store.SaveClient(ctx, cl)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, saved)
}

func (r *Router) apply(cl *store.Client, body clientBody) error {
	if body.Name != nil {
		if !isSafeName(*body.Name) {
			return errs.Validation("save client", "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators")
		}
		cl.Name = *body.Name
	}
	if body.ConfigPath != nil {
		p, err := clientconf.Confine(*body.ConfigPath, r.deps.AllowedDirs)
		if err != nil {
			return err
		}
		cl.ConfigPath = p
	}
	if body.Enabled != nil {
		cl.Enabled = *body.Enabled
	}
	if body.AlwaysOn != nil {
		cl.AlwaysOn = *body.AlwaysOn
	}
	return nil
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	cl, err := r.deps.Store.GetClient(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !cl.Enabled {
		writeError(c, errs.Validation("start", "client "+cl.Name+" is disabled"))
		return
	}
	res, err := r.deps.Launcher.Start(ctx, id, cl.ConfigPath, queryBool(c, "clear_log"))
	writeResult(c, res, err)
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := r.deps.Launcher.Stop(c.Request.Context(), id)
	writeResult(c, res, err)
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := r.deps.Loop.ManualRestart(c.Request.Context(), r.deps.Store, id, queryBool(c, "force"), queryBool(c, "clear_log"))
	writeResult(c, res, err)
}

func (r *Router) handleResetLimit(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := r.deps.Store.GetClient(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	r.deps.Launcher.Limiter().Reset(strconv.FormatInt(id, 10))
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleAlerts(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer", Kind: errs.KindValidation})
			return
		}
		limit = n
	}
	alerts, err := r.deps.Store.ListAlerts(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, alerts)
}

func (r *Router) handleResolveAlert(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := r.deps.Store.ResolveAlert(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) view(rep supervisor.ClientReport) clientView {
	v := clientView{ClientReport: rep}
	if lim := r.deps.Launcher.Limiter(); lim != nil {
		v.Restarts = lim.Snapshot(strconv.FormatInt(rep.ID, 10))
	}
	return v
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		lg := r.deps.Logger
		if lg == nil {
			lg = slog.Default()
		}
		lg.Debug("http request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(began))
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id", Kind: errs.KindValidation})
		return 0, false
	}
	return id, true
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(c.Query(key)))
	return err == nil && v
}

func writeResult(c *gin.Context, res process.Result, err error) {
	if err != nil {
		code := statusFor(err)
		writeJSON(c, code, struct {
			process.Result
			Kind errs.Kind `json:"kind"`
		}{Result: res, Kind: errs.KindOf(err)})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error(), Kind: errs.KindOf(err)})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindPortConflict:
		return http.StatusConflict
	case errs.KindRestartLimit:
		return http.StatusTooManyRequests
	case errs.KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
