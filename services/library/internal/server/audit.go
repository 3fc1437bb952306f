package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/services/library/internal/security"
)

const (
	eventUnidentified = "UNIDENTIFIED_EVENT"
	actorUnavailable  = "unavailable"
	maxAuditBody      = 8 << 10
)

type auditRoute struct {
	method  string
	pattern string
	event   string
}

// auditRoutes classifies requests by verb and path. Order matters: static
// segments are listed before parameterized ones sharing a prefix.
var auditRoutes = []auditRoute{
	{http.MethodPost, "/users/sign-up", "CREATE_USER"},
	{http.MethodPost, "/users/login", "LOGIN_USER"},
	{http.MethodPost, "/users/admin/login", "LOGIN_ADMIN_USER"},
	{http.MethodPost, "/users/logout", "LOGOUT_USER"},
	{http.MethodGet, "/users/me", "FETCH_USER"},
	{http.MethodGet, "/users/me/loans", "LIST_LOANS"},
	{http.MethodGet, "/users", "LIST_USERS"},
	{http.MethodPost, "/users/create-staff-user", "CREATE_STAFF_USER"},
	{http.MethodPatch, "/users/:uid/status", "UPDATE_USER_STATUS"},
	{http.MethodPost, "/books", "CREATE_BOOK"},
	{http.MethodGet, "/books", "LIST_BOOKS"},
	{http.MethodGet, "/books/fetch", "FETCH_BOOK"},
	{http.MethodPut, "/books/:isbn", "UPDATE_BOOK"},
	{http.MethodGet, "/books/copies/:isbn", "LIST_BK_COPIES"},
	{http.MethodPost, "/books/generate-copies", "CREATE_BK_COPIES"},
	{http.MethodPost, "/books/loan-book", "CHECKOUT"},
	{http.MethodPost, "/books/loan-return", "RETURN_BOOK"},
	{http.MethodPost, "/books/book-schedule/:isbn", "SCHEDULE_BOOK"},
	{http.MethodPost, "/books/schedules/:id/expire", "EXPIRE_SCHEDULE"},
	{http.MethodPatch, "/books/update-bk-copies-status", "UPDATE_BK_COPIES"},
	{http.MethodPut, "/covers/:isbn", "UPLOAD_COVER"},
	{http.MethodGet, "/covers/:isbn", "FETCH_COVER"},
	{http.MethodGet, "/audit", "LIST_AUDIT"},
}

func classifyEvent(method, path string) string {
	path = strings.TrimSuffix(path, "/")
	for _, rt := range auditRoutes {
		if rt.method == method && matchPattern(rt.pattern, path) {
			return rt.event
		}
	}
	return eventUnidentified
}

func matchPattern(pattern, path string) bool {
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(want) != len(got) {
		return false
	}
	for i, seg := range want {
		if strings.HasPrefix(seg, ":") {
			if got[i] == "" {
				return false
			}
			continue
		}
		if seg != got[i] {
			return false
		}
	}
	return true
}

// auditState is shared between the audit middleware and the handlers of one
// request so the gate can report who the caller was.
type auditState struct {
	identity *domain.Identity
}

type auditStateKey struct{}

func noteIdentity(r *http.Request, id domain.Identity) {
	if st, ok := r.Context().Value(auditStateKey{}).(*auditState); ok {
		st.identity = &id
	}
}

type auditDetails struct {
	Timestamp  time.Time      `json:"timestamp"`
	RequestURL string         `json:"request_url"`
	RequestID  string         `json:"request_id,omitempty"`
	ClientIP   string         `json:"client_ip,omitempty"`
	ActorEmail string         `json:"actor_email"`
	ActorRole  string         `json:"actor_role"`
	Latency    float64        `json:"latency"`
	StatusCode int            `json:"status_code"`
	Msg        string         `json:"msg"`
	Form       map[string]any `json:"form,omitempty"`
}

// auditWriter keeps the status and the head of the response body.
type auditWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *auditWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if room := maxAuditBody - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

func (w *auditWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// withAudit records one audit entry per request once the response is written.
func (s *Server) withAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.recorder == nil || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		form := captureForm(r)
		st := &auditState{}
		r = r.WithContext(context.WithValue(r.Context(), auditStateKey{}, st))
		aw := &auditWriter{ResponseWriter: w}
		next.ServeHTTP(aw, r)

		actor := s.resolveActor(r, st)
		status := aw.statusCode()
		event := classifyEvent(r.Method, r.URL.Path)
		clientIP := util.ClientIP(r, s.trustedProxies)
		details := auditDetails{
			Timestamp:  start.UTC(),
			RequestURL: r.URL.RequestURI(),
			RequestID:  util.RequestIDFromRequest(r),
			ClientIP:   clientIP,
			ActorEmail: actorUnavailable,
			ActorRole:  string(domain.RoleAnonymous),
			Latency:    time.Since(start).Seconds(),
			StatusCode: status,
			Msg:        responseMessage(aw.body.Bytes()),
			Form:       form,
		}
		actorID := actorUnavailable
		if actor != nil {
			actorID = actor.UserUID
			details.ActorEmail = actor.Email
			details.ActorRole = string(actor.Role)
		}
		raw, err := json.Marshal(details)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("audit details encode failed", "err", err)
			raw = []byte("{}")
		}
		s.recorder.Record(domain.AuditEntry{
			ID:        uuid.NewString(),
			ActorID:   actorID,
			Event:     event,
			Success:   status < http.StatusBadRequest,
			Details:   raw,
			AuditedAt: time.Now().UTC(),
		})
		s.observe(security.Observation{
			Event:     event,
			Success:   status < http.StatusBadRequest,
			Status:    status,
			ClientIP:  clientIP,
			RequestID: details.RequestID,
		})
	})
}

func (s *Server) observe(obs security.Observation) {
	if s.alerter == nil {
		return
	}
	s.alerter.Submit(obs)
}

// resolveActor prefers the identity seen by the gate, then the claims of the
// presented token without lifetime checks.
func (s *Server) resolveActor(r *http.Request, st *auditState) *domain.Identity {
	if st.identity != nil {
		return st.identity
	}
	token, ok := bearerToken(r)
	if !ok {
		return nil
	}
	if id, ok := s.app.InspectToken(token); ok {
		return &id
	}
	return nil
}

// captureForm reads a JSON body for the audit trail and restores it for the
// handler. Credential fields are removed.
func captureForm(r *http.Request) map[string]any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || len(buf) == 0 || len(buf) > maxJSONBody {
		return nil
	}
	var form map[string]any
	if err := json.Unmarshal(buf, &form); err != nil {
		return nil
	}
	stripCredentials(form)
	return form
}

func stripCredentials(form map[string]any) {
	for k, v := range form {
		if strings.Contains(strings.ToLower(k), "password") {
			delete(form, k)
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			stripCredentials(nested)
		case []any:
			for _, item := range nested {
				if m, ok := item.(map[string]any); ok {
					stripCredentials(m)
				}
			}
		}
	}
}

func responseMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}
