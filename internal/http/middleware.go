package httpapi

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/observability"
)

type contextKey string

const (
	requestKey contextKey = "request"
	actorKey   contextKey = "actor"
)

// requestInfo collects per-request log fields. Inner handlers fill it in;
// the access log reads it once the request is done.
type requestInfo struct {
	id      string
	actorID string
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.requestMiddleware)
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.accessLogMiddleware)
}

func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{id: r.Header.Get("X-Request-ID")}
		if info.id == "" {
			info.id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", info.id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey, info)))
	})
}

// logFields returns the request id and, once authenticated, the actor id.
func logFields(ctx context.Context) []any {
	info, ok := ctx.Value(requestKey).(*requestInfo)
	if !ok {
		return nil
	}
	fields := []any{"request_id", info.id}
	if info.actorID != "" {
		fields = append(fields, "actor_id", info.actorID)
	}
	return fields
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route, code := routeTemplate(r), strconv.Itoa(ww.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		args := append([]any{
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
		}, logFields(r.Context())...)
		s.logger.Info("http_request", args...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", append([]any{"error", rec}, logFields(r.Context())...)...)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "INTERNAL"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects requests without a valid bearer token and stores
// the authenticated actor in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.auth.FromRequest(r, false)
		if err != nil {
			s.logger.Debug("authentication failed", append([]any{"error", err}, logFields(r.Context())...)...)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "UNAUTHENTICATED"})
			return
		}
		setActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func setActor(ctx context.Context, actor access.Actor) {
	if info, ok := ctx.Value(requestKey).(*requestInfo); ok {
		info.actorID = actor.ID
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the metrics wrapper.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func actorFromContext(ctx context.Context) access.Actor {
	a, _ := ctx.Value(actorKey).(access.Actor)
	return a
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
