package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/auth"
	"github.com/vespid/control-plane/internal/org"
	"github.com/vespid/control-plane/internal/store"
)

type ctxKey int

const (
	ctxKeyAuth ctxKey = iota
)

// HeaderAccessToken carries a passively minted access token back to clients
// that authenticated with the refresh cookie only.
const HeaderAccessToken = "X-Access-Token"

// HeaderOrgWarning carries accumulated org-context warning codes (warn mode).
const HeaderOrgWarning = "X-Org-Context-Warning"

// authenticateMiddleware resolves the caller's identity. It never rejects;
// routes that need identity call authCtx and fail there. A passively minted
// access token is surfaced immediately so it lands before the body.
func (s *Server) authenticateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := s.auth.Resolve(r.Context(), r)
		if ac != nil {
			if ac.FreshAccessToken != "" {
				w.Header().Set(HeaderAccessToken, ac.FreshAccessToken)
			}
			r = r.WithContext(context.WithValue(r.Context(), ctxKeyAuth, ac))
		}
		next.ServeHTTP(w, r)
	})
}

// authCtx returns the resolved identity or an UNAUTHORIZED failure.
func (s *Server) authCtx(r *http.Request) (*auth.Context, error) {
	ac, _ := r.Context().Value(ctxKeyAuth).(*auth.Context)
	if ac == nil || ac.User == nil {
		return nil, apierr.Unauthorized("authentication required")
	}
	return ac, nil
}

// orgCtx resolves the request's organization context from the route and the
// X-Org-Id header, enforcing minRole. Warning codes are written to the
// response header even when resolution fails.
func (s *Server) orgCtx(w http.ResponseWriter, r *http.Request, minRole string) (*auth.Context, *org.Context, error) {
	ac, err := s.authCtx(r)
	if err != nil {
		return nil, nil, err
	}
	warnings := org.NewWarnings()
	oc, err := s.orgs.Resolve(r.Context(), ac.User.ID, r.Header.Get(org.HeaderOrgID), mux.Vars(r)["orgId"], minRole, warnings)
	if h := warnings.Header(); h != "" {
		w.Header().Set(HeaderOrgWarning, h)
	}
	if err != nil {
		return nil, nil, err
	}
	return ac, oc, nil
}

// tenant builds the store tenant for a resolved org context.
func tenant(ac *auth.Context, oc *org.Context) store.Tenant {
	return store.Tenant{ActorUserID: ac.User.ID, OrgID: oc.OrganizationID}
}

// tenantForUser builds a tenant for operations scoped to the user only.
func tenantForUser(ac *auth.Context) store.Tenant {
	return store.Tenant{ActorUserID: ac.User.ID}
}

// serviceTokenMiddleware guards the internal surface: either the internal
// service token or the gateway token must match.
func (s *Server) serviceTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc := r.Header.Get("X-Service-Token")
		gw := r.Header.Get("X-Gateway-Token")
		ok := (s.internalToken != "" && svc == s.internalToken) ||
			(s.gatewayToken != "" && gw == s.gatewayToken)
		if !ok {
			s.fail(w, r, apierr.Unauthorized("invalid service token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.webBaseURL)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Org-Id, Stripe-Signature")
		w.Header().Set("Access-Control-Expose-Headers", HeaderAccessToken+", "+HeaderOrgWarning)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// observeMiddleware records request logs and Prometheus metrics per route.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		s.logger.Info("http request",
			"method", r.Method, "route", route, "status", rec.status,
			"durationMs", elapsed.Milliseconds())
	})
}
