package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"escrowflow/auth"
)

type contextKeyCaller struct{}
type contextKeyRequestID struct{}

// CallerFrom returns the verified caller stored by requireAuth. The zero
// Caller means the request never passed the middleware.
func CallerFrom(ctx context.Context) auth.Caller {
	caller, _ := ctx.Value(contextKeyCaller{}).(auth.Caller)
	return caller
}

// RequestIDFrom returns the request id assigned by the requestID middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID{}).(string)
	return id
}

// requestID tags every request with a fresh id, echoed in the response header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyRequestID{}, id)))
	})
}

// measureRequests records handler latency on every route, labeled by the chi
// route pattern and the status class so the cardinality stays bounded.
func (s *Server) measureRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, statusClass(ww.Status()), start)
	})
}

func statusClass(code int) string {
	if code == 0 {
		// Handler never wrote a header; net/http sends 200.
		code = http.StatusOK
	}
	return fmt.Sprintf("%dxx", code/100)
}

// requireAuth verifies the bearer token and stashes the caller identity.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}

		caller, err := s.authService.VerifyToken(tokenString)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("auth: reject token for %s %s: %v", r.Method, r.URL.Path, err)
			}
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or expired token"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyCaller{}, caller)))
	})
}
