package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/hostd/internal/credential"
	"github.com/loykin/hostd/internal/host"
	"github.com/loykin/hostd/internal/store"
	"github.com/loykin/hostd/internal/supervisor"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// writeError maps internal errors to coarse, user-facing messages. Details go
// to the log, not to the UI.
func (r *Router) writeError(c *gin.Context, op string, err error) {
	code, msg := classify(err)
	if code >= http.StatusInternalServerError {
		r.log.Error("request failed", "op", op, "path", c.FullPath(), "error", err)
	} else {
		r.log.Debug("request rejected", "op", op, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: msg})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, host.ErrNotBooted), errors.Is(err, host.ErrClosed):
		return http.StatusServiceUnavailable, "host not ready"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, credential.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrInvalidPayload):
		return http.StatusBadRequest, "payload must be a JSON document"
	case errors.Is(err, store.ErrInvalidKey), errors.Is(err, credential.ErrEmptyKey):
		return http.StatusBadRequest, "invalid key"
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict, "backend is already starting"
	case errors.Is(err, supervisor.ErrNoRuntimeFound),
		errors.Is(err, supervisor.ErrSpawnFailed),
		errors.Is(err, supervisor.ErrBackendUnhealthyTimeout),
		errors.Is(err, supervisor.ErrStopped):
		return http.StatusServiceUnavailable, "backend unavailable"
	case store.IsWriteError(err):
		return http.StatusInternalServerError, "could not save local record"
	case errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable, "local storage closed"
	}
	var se *store.StorageError
	if errors.As(err, &se) {
		return http.StatusInternalServerError, "could not load local record"
	}
	return http.StatusInternalServerError, "internal error"
}
