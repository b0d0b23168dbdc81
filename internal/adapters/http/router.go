package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/kirillkom/kedb-orchestrator/internal/adapters/http/openapi"
	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
	"github.com/kirillkom/kedb-orchestrator/internal/observability/metrics"
)

const queryEndpoint = "/v1/query"

type RouterOptions struct {
	ServiceName string
	DefaultK    int
	MaxK        int

	Authenticator *Authenticator
	// AuditRoles may read any session; other callers only their own.
	AuditRoles []string

	RateLimitRPS            float64
	RateLimitBurst          int
	BackpressureMaxInFlight int
	BackpressureWait        time.Duration
	MaxBodyBytes            int64
	CORSAllowedOrigins      []string

	Metrics *metrics.HTTPServerMetrics
	// Health reports component state for /healthz, e.g. breaker states.
	Health func() map[string]string
	Logger *slog.Logger
}

type Router struct {
	queries  ports.QueryService
	sessions ports.SessionReader
	opts     RouterOptions
	validate *validator.Validate
}

func NewRouter(queries ports.QueryService, sessions ports.SessionReader, opts RouterOptions) *Router {
	if opts.ServiceName == "" {
		opts.ServiceName = "kedb-orchestrator"
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = 5
	}
	if opts.MaxK < opts.DefaultK {
		opts.MaxK = opts.DefaultK
	}
	if opts.Authenticator == nil {
		opts.Authenticator = NewAuthenticator(false, "", "")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		queries:  queries,
		sessions: sessions,
		opts:     opts,
		validate: validator.New(),
	}
}

// Handler assembles the middleware chain and routes. It fails only when the
// embedded contract is invalid.
func (rt *Router) Handler() (http.Handler, error) {
	doc, err := openapi.Load(context.Background())
	if err != nil {
		return nil, err
	}
	validateContract, err := openAPIValidationMiddleware(doc)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware)
	if rt.opts.Metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return rt.opts.Metrics.Middleware(rt.opts.ServiceName, next)
		})
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(rt.opts.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader, "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", rt.healthz)
	if rt.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.opts.Metrics.Handler())
	}
	r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openapi.Raw())
	})

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return rateLimitMiddleware(next, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)
		})
		r.Use(func(next http.Handler) http.Handler {
			return backpressureMiddleware(next, rt.opts.BackpressureMaxInFlight, rt.opts.BackpressureWait)
		})
		r.Use(rt.opts.Authenticator.Middleware)
		r.Use(func(next http.Handler) http.Handler {
			return maxBodyMiddleware(next, rt.opts.MaxBodyBytes)
		})
		r.Use(validateContract)

		r.Post(queryEndpoint, rt.query)
		r.Get("/v1/sessions/{session_id}", rt.getSession)
	})

	return r, nil
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"status": "ok"}
	if rt.opts.Health != nil {
		components := rt.opts.Health()
		payload["components"] = components
		for _, state := range components {
			if state == "open" {
				payload["status"] = "degraded"
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type queryFilters struct {
	Severities []string   `json:"severities" validate:"omitempty,max=5,dive,oneof=critical high medium low info"`
	Tags       []string   `json:"tags" validate:"omitempty,max=32,dive,required,max=128"`
	From       *time.Time `json:"from"`
	To         *time.Time `json:"to"`
}

type queryRequest struct {
	Query   string       `json:"query" validate:"required,max=4000"`
	K       int          `json:"k" validate:"gte=0,lte=100"`
	Filters queryFilters `json:"filters"`
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if err := rt.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, describeValidation(err))
		return
	}

	query, err := domain.NewQuery(req.Query, caller, domain.Filters{
		Severities: normalizeList(req.Filters.Severities),
		Tags:       normalizeList(req.Filters.Tags),
		From:       req.Filters.From,
		To:         req.Filters.To,
	}, req.K, rt.opts.DefaultK, rt.opts.MaxK)
	if err != nil {
		writeError(w, r, mapErrorToHTTPStatus(err), err.Error())
		return
	}

	resp, err := rt.queries.Query(r.Context(), query)
	if err != nil {
		status := mapErrorToHTTPStatus(err)
		if status >= http.StatusInternalServerError {
			rt.opts.Logger.Error("query_failed",
				"request_id", requestIDFromContext(r.Context()),
				"caller_id", caller.ID,
				"error", err,
			)
		}
		writeError(w, r, status, err.Error())
		return
	}
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordQuery(rt.opts.ServiceName, queryEndpoint, resp)
	}
	writeJSON(w, mapStatusToHTTPStatus(resp.Status), resp)
}

func (rt *Router) getSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	if rt.sessions == nil {
		writeError(w, r, http.StatusNotFound, "session store is not configured")
		return
	}

	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	session, err := rt.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, mapErrorToHTTPStatus(err), err.Error())
		return
	}
	switch {
	case rt.canAudit(caller):
		writeJSON(w, http.StatusOK, session)
	case session.Query.CallerID == caller.ID:
		writeJSON(w, http.StatusOK, session.CallerView())
	default:
		// Foreign sessions are indistinguishable from missing ones.
		writeError(w, r, http.StatusNotFound, "session not found")
	}
}

func (rt *Router) canAudit(caller domain.Caller) bool {
	return slices.ContainsFunc(rt.opts.AuditRoles, func(role string) bool {
		return caller.HasRole(strings.ToLower(role))
	})
}

func describeValidation(err error) string {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(f.Namespace()), f.Tag()))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func corsOrigins(origins []string) []string {
	out := normalizeOrigins(origins)
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	payload := map[string]string{"error": message}
	if id := requestIDFromContext(r.Context()); id != "" {
		payload["request_id"] = id
	}
	writeJSON(w, status, payload)
}
