package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"

	"libraryhub/internal/ratelimit"
	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/services/library/internal/app"
	"libraryhub/services/library/internal/security"
)

const maxJSONBody = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Recorder app.Recorder

	// Alerter is optional; it counts failed and throttled requests per client.
	Alerter *security.Alerter

	// Limiters are optional; a nil limiter disables throttling for its route.
	SignupLimiter  ratelimit.Limiter
	LoginLimiter   ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	CorsOrigins    []string
	MaxCoverBytes  int64

	// HSTSMaxAge and ContentSecurityPolicy feed the response security
	// headers; an empty policy uses util.DefaultContentSecurityPolicy.
	HSTSMaxAge            time.Duration
	ContentSecurityPolicy string
}

// Server exposes HTTP endpoints for the library service.
type Server struct {
	app            *app.App
	recorder       app.Recorder
	alerter        *security.Alerter
	router         *httprouter.Router
	validate       *validator.Validate
	signupLimiter  ratelimit.Limiter
	loginLimiter   ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	maxCoverBytes  int64
	headers        util.HeaderPolicy
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxCover := cfg.MaxCoverBytes
	if maxCover <= 0 {
		maxCover = 5 << 20
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	s := &Server{
		app:            cfg.App,
		recorder:       cfg.Recorder,
		alerter:        cfg.Alerter,
		router:         httprouter.New(),
		validate:       v,
		signupLimiter:  cfg.SignupLimiter,
		loginLimiter:   cfg.LoginLimiter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CorsOrigins,
		maxCoverBytes:  maxCover,
		headers:        util.HeaderPolicy{
			HSTSMaxAge:            cfg.HSTSMaxAge,
			ContentSecurityPolicy: cfg.ContentSecurityPolicy,
			TrustedProxies:        cfg.TrustedProxies,
		},
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("library",
		util.WithSecurityHeaders(s.headers, util.WithCORS(s.corsOrigins, s.withAudit(s.router)))))
}

func (s *Server) routes() {
	r := s.router
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, app.NotFound("not found"))
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
	})

	r.GET("/healthz", s.handleHealth)

	// users
	r.POST("/users/sign-up", s.rateLimited(s.signupLimiter, s.handleSignUp))
	r.POST("/users/login", s.rateLimited(s.loginLimiter, s.handleLogin))
	r.POST("/users/admin/login", s.rateLimited(s.loginLimiter, s.handleAdminLogin))
	r.POST("/users/logout", s.authenticated(domain.RoleUser, s.handleLogout))
	r.GET("/users/me", s.authenticated(domain.RoleUser, s.handleMe))
	r.GET("/users/me/loans", s.authenticated(domain.RoleUser, s.handleMyLoans))
	r.GET("/users", s.authenticated(domain.RoleStaff, s.handleListPatrons))
	r.POST("/users/create-staff-user", s.authenticated(domain.RoleAdmin, s.handleCreateStaffUser))
	r.PATCH("/users/:uid/status", s.authenticated(domain.RoleAdmin, s.handleSetUserStatus))

	// catalog
	r.POST("/books", s.authenticated(domain.RoleStaff, s.handleCreateBook))
	r.GET("/books", s.authenticated(domain.RoleUser, s.handleListBooks))
	r.GET("/books/fetch", s.authenticated(domain.RoleUser, s.handleFetchBook))
	r.PUT("/books/:isbn", s.authenticated(domain.RoleStaff, s.handleUpdateBook))
	r.GET("/books/copies/:isbn", s.authenticated(domain.RoleStaff, s.handleListCopies))
	r.POST("/books/generate-copies", s.authenticated(domain.RoleStaff, s.handleGenerateCopies))
	r.PATCH("/books/update-bk-copies-status", s.authenticated(domain.RoleStaff, s.handleBatchCopyStatus))
	r.PUT("/covers/:isbn", s.authenticated(domain.RoleStaff, s.handleUploadCover))
	r.GET("/covers/:isbn", s.authenticated(domain.RoleUser, s.handleCoverURL))

	// circulation
	r.POST("/books/loan-book", s.authenticated(domain.RoleStaff, s.handleLoanBook))
	r.POST("/books/loan-return", s.authenticated(domain.RoleStaff, s.handleLoanReturn))
	r.POST("/books/book-schedule/:isbn", s.authenticated(domain.RoleUser, s.handleScheduleBook))
	r.POST("/books/schedules/:id/expire", s.authenticated(domain.RoleStaff, s.handleExpireSchedule))

	// audit
	r.GET("/audit", s.authenticated(domain.RoleAdmin, s.handleListAudit))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// gate

type authHandler func(http.ResponseWriter, *http.Request, httprouter.Params, domain.Identity)

// authenticated resolves the bearer token and requires at least role min.
func (s *Server) authenticated(min domain.UserRole, next authHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, app.Unauthorized("Authentication credentials were not provided"))
			return
		}
		id, err := s.app.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		noteIdentity(r, id)
		if !id.Role.AtLeast(min) {
			writeError(w, r, app.Forbidden("You do not have permission to perform this action"))
			return
		}
		next(w, r, ps, id)
	}
}

func (s *Server) rateLimited(limiter ratelimit.Limiter, next httprouter.Handle) httprouter.Handle {
	if limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
		if !limiter.Allow(r.Context(), key) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
			return
		}
		next(w, r, ps)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// request decoding

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// decode reads a JSON body into dst and runs struct validation on it.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return app.Validation("request body is required")
		}
		return app.Validation("invalid JSON body")
	}
	return s.check(dst)
}

func (s *Server) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return app.Internal(err)
	}
	fields := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return app.Validation("request validation failed").WithDetails(map[string]any{"fields": fields})
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

// responses

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := app.AsError(err)
	if appErr.Kind == app.KindInternal {
		util.LoggerFromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, appErr.Kind.Status(), errorResponse{
		Code:    appErr.Kind.Code(),
		Message: appErr.Message,
		Details: appErr.Details,
	})
}
