// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/validation"
	"notification-dispatcher/internal/dispatch"
	"notification-dispatcher/internal/queue"
	"notification-dispatcher/internal/sessions"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UserHeader carries the caller's user id, set by the authenticating proxy.
const UserHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*dispatch.SubmitResult, error)
	TaskStatus(jobID string) (queue.JobStatus, error)
}

type Registrar interface {
	Register(ctx context.Context, userID int64, device, token string) (*sessions.RegisterResult, error)
	Logout(ctx context.Context, userID int64, token string) (int64, error)
}

type SocketEndpoint interface {
	Serve(w http.ResponseWriter, r *http.Request, userID int64)
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	dispatcher Dispatcher
	registrar  Registrar
	sockets    SocketEndpoint
	readiness  map[string]Pinger

	submitSchema   *validation.Validator
	registerSchema *validation.Validator
	logoutSchema   *validation.Validator

	logger logger.Logger
}

func NewHandler(dispatcher Dispatcher, registrar Registrar, sockets SocketEndpoint, readiness map[string]Pinger, log logger.Logger) *Handler {
	return &Handler{
		dispatcher:     dispatcher,
		registrar:      registrar,
		sockets:        sockets,
		readiness:      readiness,
		submitSchema:   validation.MustValidator(validation.SubmitNotificationSchema),
		registerSchema: validation.MustValidator(validation.RegisterSessionSchema),
		logoutSchema:   validation.MustValidator(validation.LogoutSessionSchema),
		logger:         log.WithFields(map[string]interface{}{"component": "api"}),
	}
}

// Routes returns the service mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/notifications", h.submitNotification)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.taskStatus)
	mux.HandleFunc("POST /api/v1/sessions", h.registerSession)
	mux.HandleFunc("POST /api/v1/sessions/logout", h.logout)
	mux.HandleFunc("GET /ws/notifications", h.socket)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("GET /ready", h.ready)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (h *Handler) submitNotification(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SubmitRequest
	if !h.decode(w, r, h.submitSchema, &req) {
		return
	}

	result, err := h.dispatcher.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *Handler) taskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.dispatcher.TaskStatus(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type registerRequest struct {
	Device    string `json:"device"`
	PushToken string `json:"push_token"`
}

func (h *Handler) registerSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if !h.decode(w, r, h.registerSchema, &req) {
		return
	}

	result, err := h.registrar.Register(r.Context(), userID, req.Device, req.PushToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

type logoutRequest struct {
	PushToken string `json:"push_token"`
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req logoutRequest
	if !h.decode(w, r, h.logoutSchema, &req) {
		return
	}

	n, err := h.registrar.Logout(r.Context(), userID, req.PushToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deactivated": n})
}

func (h *Handler) socket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	h.sockets.Serve(w, r, userID)
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.readiness))
	status := http.StatusOK
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":  status == http.StatusOK,
		"checks": checks,
	})
}

// decode validates the body against schema, then unmarshals it into out.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, schema *validation.Validator, out interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, apperrors.NewInvalidRequestError("request body too large or unreadable"))
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	if result := schema.ValidateBytes(body); !result.Valid {
		stdErr := apperrors.NewInvalidRequestError(result.String()).
			WithMetadata("errors", result.Errors)
		h.writeError(w, r, stdErr)
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		h.writeError(w, r, apperrors.NewInvalidRequestError(err.Error()))
		return false
	}
	return true
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: &apperrors.StandardError{
			Code:      apperrors.ErrCodeInvalidRequest,
			Message:   "Missing or invalid " + UserHeader + " header",
			Timestamp: time.Now().UTC(),
		}})
		return 0, false
	}
	return id, true
}

type errorBody struct {
	Error *apperrors.StandardError `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	stdErr := apperrors.Normalize(err)
	status := apperrors.HTTPStatus(stdErr.Code)

	fields := map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   string(stdErr.Code),
		"error":  err.Error(),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields)
	} else {
		h.logger.Debug("request rejected", fields)
	}
	writeJSON(w, status, errorBody{Error: stdErr})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
