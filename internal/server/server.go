// -------------------------------------------------------------------------------
// HTTP Server - Landing Page Routing
//
// Author: Alex Freidah
//
// HTTP server and chi router for the landing service. Serves landing payloads
// with cache validators and negotiated compression, redirects scans of
// inactive owners to the activation page, reports scan counts, and exposes
// the editor invalidation hook, health check, and Prometheus metrics.
// Activation URL, compression threshold, and editor credentials can be
// swapped at runtime without rebuilding the router.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/afreidah/qr-landing/internal/audit"
	"github.com/afreidah/qr-landing/internal/auth"
	"github.com/afreidah/qr-landing/internal/delivery"
	"github.com/afreidah/qr-landing/internal/storage"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

// maxIDLen bounds the id path segment. Longer ids are answered with 404
// without touching any tier.
const maxIDLen = 128

// -------------------------------------------------------------------------
// SERVER
// -------------------------------------------------------------------------

// LandingService is the lookup surface the HTTP layer depends on.
type LandingService interface {
	Lookup(ctx context.Context, id string, rc delivery.RequestContext) (delivery.Result, error)
	Invalidate(ctx context.Context, id string)
	ScanStats(ctx context.Context, id string) (delivery.ScanStats, error)
}

// Settings are the response parameters that may change on reload.
type Settings struct {
	ActivationURL    string
	CompressMinBytes int
}

// Options wires the server's collaborators.
type Options struct {
	Landing     LandingService
	Healthy     func() bool  // reports store health for /health; nil means always healthy
	Resolver    *IPResolver  // client address extraction; defaults to RemoteAddr only
	Limiter     *RateLimiter // nil disables rate limiting
	MetricsPath string       // empty disables the metrics endpoint
}

// Server handles HTTP requests for landing pages.
type Server struct {
	landing  LandingService
	healthy  func() bool
	resolver *IPResolver
	limiter  *RateLimiter

	settings   atomic.Pointer[Settings]
	editorAuth atomic.Pointer[auth.EditorAuth]

	router http.Handler
}

// New builds a server and its router.
func New(opts Options, settings Settings, editor *auth.EditorAuth) *Server {
	if opts.Healthy == nil {
		opts.Healthy = func() bool { return true }
	}
	if opts.Resolver == nil {
		opts.Resolver = NewIPResolver(nil)
	}
	s := &Server{
		landing:  opts.Landing,
		healthy:  opts.Healthy,
		resolver: opts.Resolver,
		limiter:  opts.Limiter,
	}
	s.SetSettings(settings)
	s.SetEditorAuth(editor)
	s.router = s.routes(opts.MetricsPath)
	return s
}

// SetSettings atomically replaces the reloadable response settings.
func (s *Server) SetSettings(st Settings) {
	s.settings.Store(&st)
}

// GetSettings returns the current response settings.
func (s *Server) GetSettings() Settings {
	return *s.settings.Load()
}

// SetEditorAuth atomically replaces the editor token verifier. A nil verifier
// disables the invalidation hook.
func (s *Server) SetEditorAuth(a *auth.EditorAuth) {
	s.editorAuth.Store(a)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes builds the chi router.
func (s *Server) routes(metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	if metricsPath != "" {
		r.Handle(metricsPath, promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Get("/l/{id}", s.handleLanding)
		r.Get("/l/{id}/stats", s.handleStats)
	})

	r.With(s.requireEditor).Post("/internal/landing/{id}/invalidate", s.handleInvalidate)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	return r
}

// -------------------------------------------------------------------------
// MIDDLEWARE
// -------------------------------------------------------------------------

// requestID adopts a sane inbound X-Request-Id or mints one, stores it on the
// context, and echoes it on the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := audit.FromHeader(r.Header.Get(audit.RequestIDHeader))
		w.Header().Set(audit.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), id)))
	})
}

// instrument records request count, latency, and inflight gauge. The route
// label is the matched chi pattern so ids never become label values.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		telemetry.InflightRequests.Inc()
		defer telemetry.InflightRequests.Dec()

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		telemetry.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// requireEditor rejects requests without a valid editor bearer token.
func (s *Server) requireEditor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := s.editorAuth.Load()
		if a == nil {
			writeError(w, http.StatusForbidden, "editor_disabled", "Editor hook is not configured")
			return
		}
		if err := a.Authenticate(r); err != nil {
			audit.Log(r.Context(), "editor.auth_failure",
				slog.String("path", r.URL.Path),
				slog.String("remote", s.resolver.ClientIP(r)),
				slog.String("error", err.Error()),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="qr-landing"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing editor token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// -------------------------------------------------------------------------
// HANDLERS
// -------------------------------------------------------------------------

// handleLanding serves GET /l/{id}.
func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	clientIP := s.resolver.ClientIP(r)

	ctx, span := telemetry.StartSpan(r.Context(), "HTTP GET /l/{id}",
		append(telemetry.RequestAttributes(r.Method, r.URL.Path, id, clientIP),
			attribute.String("http.request_id", audit.RequestID(r.Context())))...,
	)
	defer span.End()

	if !validID(id) {
		span.SetAttributes(attribute.Int("http.status_code", http.StatusNotFound))
		writeError(w, http.StatusNotFound, "not_found", "Landing page not found")
		return
	}

	res, err := s.landing.Lookup(ctx, id, delivery.RequestContext{
		UserAgent:     r.UserAgent(),
		SourceAddress: clientIP,
		IfNoneMatch:   r.Header.Get("If-None-Match"),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		slog.ErrorContext(ctx, "Landing lookup failed",
			"id", id,
			"request_id", audit.RequestID(ctx),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	var status int
	switch res.Outcome {
	case delivery.OutcomeNotFound:
		status = http.StatusNotFound
		writeError(w, status, "not_found", "Landing page not found")

	case delivery.OutcomeOwnerInactive:
		status = http.StatusFound
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, activationRedirect(s.GetSettings().ActivationURL, id), status)

	default:
		status = s.writeLanding(ctx, w, r, res)
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	slog.DebugContext(ctx, "Landing served",
		"id", id,
		"outcome", res.Outcome.String(),
		"tier", string(res.Tier),
		"status", status,
	)
}

// writeLanding writes a found payload, honoring If-None-Match and
// Accept-Encoding. Returns the status written.
func (s *Server) writeLanding(ctx context.Context, w http.ResponseWriter, r *http.Request, res delivery.Result) int {
	h := w.Header()
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(res.MaxAge.Seconds())))
	h.Set("ETag", res.ETag)
	h.Set("Vary", "Accept-Encoding")
	h.Set("X-Cache", string(res.Tier))

	if res.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return http.StatusNotModified
	}

	body := res.Payload.Body
	coding := codingIdentity
	if len(body) >= s.GetSettings().CompressMinBytes {
		coding = negotiateEncoding(r.Header.Get("Accept-Encoding"))
	}
	if enc := encoderFor(coding); enc != nil {
		encoded, err := res.Payload.Variant(coding, enc)
		if err != nil {
			slog.WarnContext(ctx, "Response encoding failed, sending identity",
				"id", res.Payload.Record.ID,
				"encoding", coding,
				"error", err,
			)
			coding = codingIdentity
		} else {
			body = encoded
			h.Set("Content-Encoding", coding)
		}
	}

	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	telemetry.ResponseBytes.WithLabelValues(coding).Observe(float64(len(body)))
	return http.StatusOK
}

// handleStats serves GET /l/{id}/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		writeError(w, http.StatusNotFound, "not_found", "Landing page not found")
		return
	}

	stats, err := s.landing.ScanStats(r.Context(), id)
	if errors.Is(err, storage.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Landing page not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Scan stats lookup failed",
			"id", id,
			"request_id", audit.RequestID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, stats)
}

// handleInvalidate serves POST /internal/landing/{id}/invalidate.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		writeError(w, http.StatusNotFound, "not_found", "Landing page not found")
		return
	}

	s.landing.Invalidate(r.Context(), id)
	audit.Log(r.Context(), "landing.invalidate",
		slog.String("id", id),
		slog.String("remote", s.resolver.ClientIP(r)),
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth always answers 200 so the instance stays in rotation while the
// store is down; the body reflects store state for monitoring.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if s.healthy() {
		_, _ = w.Write([]byte("ok"))
	} else {
		_, _ = w.Write([]byte("degraded"))
	}
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// validID rejects empty and oversized ids.
func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen
}

// activationRedirect appends the scanned id to the activation URL as the qr
// query parameter, preserving any existing query.
func activationRedirect(base, id string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("qr", id)
	u.RawQuery = q.Encode()
	return u.String()
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
