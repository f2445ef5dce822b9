package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"groupcast/internal/channel"
	"groupcast/internal/metrics"
	"groupcast/internal/model"
	"groupcast/pkg/logx"
)

// API is the request surface served over HTTP.
type API interface {
	CreateSchedule(ctx context.Context, message, runAt string) (model.Schedule, error)
	ListSchedules(ctx context.Context, status string) ([]model.Schedule, error)
	CancelSchedule(ctx context.Context, id string) (model.Schedule, error)
	SendNow(ctx context.Context, message string) (model.DispatchResult, error)
	SessionStatus() channel.Status
	ListTargets() []model.Target
}

const maxBodyBytes = 1 << 20

type createScheduleRequest struct {
	Message string `json:"message"`
	RunAt   string `json:"runAt"`
}

type sendRequest struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error  string                `json:"error"`
	Kind   string                `json:"kind"`
	Result *model.DispatchResult `json:"result,omitempty"`
}

type handlers struct {
	api API
	log logx.Logger
}

// NewHandler builds the router. m may be nil, in which case /metrics is not served.
func NewHandler(api API, m *metrics.Metrics, token string, profiling bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{api: api, log: log}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(log, m))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(withAuth(token))

		r.Route("/schedules", h.scheduleRoutes)
		// Singular form used by the original web client.
		r.Route("/schedule", h.scheduleRoutes)
		r.Post("/send", h.send)
		r.Get("/session", h.session)
		r.Get("/targets", h.targets)
		if m != nil {
			r.Method(http.MethodGet, "/metrics", m.Handler())
		}
		if profiling {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *handlers) scheduleRoutes(r chi.Router) {
	r.Get("/", h.listSchedules)
	r.Post("/", h.createSchedule)
	r.Delete("/{id}", h.cancelSchedule)
}

func (h *handlers) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	sc, err := h.api.CreateSchedule(r.Context(), req.Message, req.RunAt)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sc)
}

func (h *handlers) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := h.api.ListSchedules(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	render.JSON(w, r, list)
}

func (h *handlers) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.api.CancelSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	render.JSON(w, r, sc)
}

func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.api.SendNow(r.Context(), req.Message)
	if err != nil {
		var partial *model.DispatchResult
		if len(res.Sent) > 0 || len(res.Failed) > 0 {
			partial = &res
		}
		h.fail(w, r, err, partial)
		return
	}
	render.JSON(w, r, res)
}

func (h *handlers) session(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.api.SessionStatus())
}

func (h *handlers) targets(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.api.ListTargets())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "invalid JSON body: " + err.Error(), Kind: "invalid_input"})
		return false
	}
	return true
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error, partial *model.DispatchResult) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error(), Kind: kind, Result: partial})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, model.ErrNotAuthenticated):
		return http.StatusServiceUnavailable, "not_authenticated"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func accessLog(log logx.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			took := time.Since(start)
			if m != nil {
				m.ObserveHTTP(r.Method, route, status, took)
			}
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("route", route),
				logx.Int("status", status),
				logx.Duration("took", took),
				logx.String("request_id", w.Header().Get("X-Request-Id")),
			)
		})
	}
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			got := strings.TrimSpace(strings.TrimPrefix(ah, p))
			if strings.HasPrefix(ah, p) && subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}
