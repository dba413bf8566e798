// Package server is the IPC transport between the UI and the host: a gin
// router bound to loopback.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/hostd/internal/credential"
	"github.com/loykin/hostd/internal/health"
	"github.com/loykin/hostd/internal/host"
	"github.com/loykin/hostd/internal/logger"
	"github.com/loykin/hostd/internal/process"
	"github.com/loykin/hostd/internal/store"
	"github.com/loykin/hostd/internal/supervisor"
)

// Host is the subset of *host.Host the router serves.
type Host interface {
	BackendStatus() host.BackendStatus
	CheckBackendHealth(ctx context.Context) health.Result
	RestartBackend(ctx context.Context) error
	BackendStats(ctx context.Context) (process.Stats, error)

	SaveRecord(ctx context.Context, kind string, payload []byte) (int64, error)
	ListRecords(ctx context.Context, limit, offset int) ([]store.Record, error)
	GetRecord(ctx context.Context, id int64) (store.Record, error)
	DeleteRecord(ctx context.Context, id int64) (bool, error)
	MarkSynced(ctx context.Context, ids ...int64) (int64, error)

	GetSetting(ctx context.Context, key string) (store.Setting, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) (bool, error)
	ListSettings(ctx context.Context) ([]store.Setting, error)

	SecureGet(account string) (string, error)
	SecureSet(account, secret string) error
	SecureDelete(account string) error
	SecureInfo() (credential.Info, error)

	Subscribe() (<-chan supervisor.Event, func())
}

var _ Host = (*host.Host)(nil)

const keepAliveInterval = 15 * time.Second

// Router provides the IPC endpoints under basePath:
//
//	GET    /backend               status
//	GET    /backend/health        live probe
//	POST   /backend/restart
//	GET    /backend/stats
//	GET    /records?limit=&offset=
//	POST   /records               {kind, payload}
//	POST   /records/synced        {ids}
//	GET    /records/:id
//	DELETE /records/:id
//	GET    /settings
//	GET    /settings/:key
//	PUT    /settings/:key         {value}
//	DELETE /settings/:key
//	GET    /secure                active strategy
//	GET    /secure/:account
//	PUT    /secure/:account       {secret}
//	DELETE /secure/:account
//	GET    /events                server-sent events
//
// /metrics is mounted at the root when a metrics handler is given.
type Router struct {
	host     Host
	basePath string
	metrics  http.Handler
	log      *slog.Logger
}

type Option func(*Router)

func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

func NewRouter(h Host, basePath string, opts ...Option) *Router {
	r := &Router{host: h, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	r.log = logger.OrDefault(r.log).With("component", "server")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)

	group.GET("/backend", r.handleBackendStatus)
	group.GET("/backend/health", r.handleBackendHealth)
	group.POST("/backend/restart", r.handleBackendRestart)
	group.GET("/backend/stats", r.handleBackendStats)

	group.GET("/records", r.handleListRecords)
	group.POST("/records", r.handleSaveRecord)
	group.POST("/records/synced", r.handleMarkSynced)
	group.GET("/records/:id", r.handleGetRecord)
	group.DELETE("/records/:id", r.handleDeleteRecord)

	group.GET("/settings", r.handleListSettings)
	group.GET("/settings/:key", r.handleGetSetting)
	group.PUT("/settings/:key", r.handleSetSetting)
	group.DELETE("/settings/:key", r.handleDeleteSetting)

	group.GET("/secure", r.handleSecureInfo)
	group.GET("/secure/:account", r.handleSecureGet)
	group.PUT("/secure/:account", r.handleSecureSet)
	group.DELETE("/secure/:account", r.handleSecureDelete)

	group.GET("/events", r.handleEvents)
	return g
}

// --- Backend ---

func (r *Router) handleBackendStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.host.BackendStatus())
}

func (r *Router) handleBackendHealth(c *gin.Context) {
	res := r.host.CheckBackendHealth(c.Request.Context())
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleBackendRestart(c *gin.Context) {
	if err := r.host.RestartBackend(c.Request.Context()); err != nil {
		r.writeError(c, "restart_backend", err)
		return
	}
	writeJSON(c, http.StatusOK, r.host.BackendStatus())
}

func (r *Router) handleBackendStats(c *gin.Context) {
	st, err := r.host.BackendStats(c.Request.Context())
	if err != nil {
		r.writeError(c, "backend_stats", err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// --- Records ---

type saveRecordReq struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type saveRecordResp struct {
	ID int64 `json:"id"`
}

type markSyncedReq struct {
	IDs []int64 `json:"ids"`
}

type countResp struct {
	Count int64 `json:"count"`
}

func (r *Router) handleListRecords(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "offset must be a non-negative integer"})
		return
	}
	recs, err := r.host.ListRecords(c.Request.Context(), limit, offset)
	if err != nil {
		r.writeError(c, "list_records", err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleSaveRecord(c *gin.Context) {
	var req saveRecordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, err := r.host.SaveRecord(c.Request.Context(), req.Kind, req.Payload)
	if err != nil {
		r.writeError(c, "save_record", err)
		return
	}
	writeJSON(c, http.StatusCreated, saveRecordResp{ID: id})
}

func (r *Router) handleMarkSynced(c *gin.Context) {
	var req markSyncedReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	n, err := r.host.MarkSynced(c.Request.Context(), req.IDs...)
	if err != nil {
		r.writeError(c, "mark_synced", err)
		return
	}
	writeJSON(c, http.StatusOK, countResp{Count: n})
}

func (r *Router) handleGetRecord(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid record id"})
		return
	}
	rec, err := r.host.GetRecord(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, "get_record", err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleDeleteRecord(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid record id"})
		return
	}
	deleted, err := r.host.DeleteRecord(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, "delete_record", err)
		return
	}
	if !deleted {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- Settings ---

type settingReq struct {
	Value *string `json:"value"`
}

func (r *Router) handleListSettings(c *gin.Context) {
	all, err := r.host.ListSettings(c.Request.Context())
	if err != nil {
		r.writeError(c, "list_settings", err)
		return
	}
	writeJSON(c, http.StatusOK, all)
}

func (r *Router) handleGetSetting(c *gin.Context) {
	key := c.Param("key")
	if !isSafeKey(key) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	st, err := r.host.GetSetting(c.Request.Context(), key)
	if err != nil {
		r.writeError(c, "get_setting", err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleSetSetting(c *gin.Context) {
	key := c.Param("key")
	if !isSafeKey(key) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	var req settingReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "body must be {\"value\": string}"})
		return
	}
	if err := r.host.SetSetting(c.Request.Context(), key, *req.Value); err != nil {
		r.writeError(c, "set_setting", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeleteSetting(c *gin.Context) {
	key := c.Param("key")
	if !isSafeKey(key) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	if _, err := r.host.DeleteSetting(c.Request.Context(), key); err != nil {
		r.writeError(c, "delete_setting", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- Credentials ---

type secretReq struct {
	Secret *string `json:"secret"`
}

type secretResp struct {
	Account string `json:"account"`
	Secret  string `json:"secret"`
}

func (r *Router) handleSecureInfo(c *gin.Context) {
	info, err := r.host.SecureInfo()
	if err != nil {
		r.writeError(c, "secure_info", err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleSecureGet(c *gin.Context) {
	account := c.Param("account")
	if !isSafeKey(account) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid account"})
		return
	}
	secret, err := r.host.SecureGet(account)
	if err != nil {
		r.writeError(c, "secure_get", err)
		return
	}
	c.Header("Cache-Control", "no-store")
	writeJSON(c, http.StatusOK, secretResp{Account: account, Secret: secret})
}

func (r *Router) handleSecureSet(c *gin.Context) {
	account := c.Param("account")
	if !isSafeKey(account) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid account"})
		return
	}
	var req secretReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Secret == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "body must be {\"secret\": string}"})
		return
	}
	if err := r.host.SecureSet(account, *req.Secret); err != nil {
		r.writeError(c, "secure_set", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSecureDelete(c *gin.Context) {
	account := c.Param("account")
	if !isSafeKey(account) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid account"})
		return
	}
	if err := r.host.SecureDelete(account); err != nil {
		r.writeError(c, "secure_delete", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- Events ---

func (r *Router) handleEvents(c *gin.Context) {
	events, cancel := r.host.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case <-ctx.Done():
			return false
		}
	})
}
