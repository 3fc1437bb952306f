package server

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"libraryhub/pkg/domain"
	"libraryhub/services/library/internal/app"
)

type signUpRequest struct {
	FullName string `json:"full_name" validate:"required,min=3,max=30"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=30"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type userStatusRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

type createdUserResponse struct {
	Message string `json:"message"`
	UserUID string `json:"user_uid"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	TokenType string      `json:"token_type"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      domain.User `json:"user"`
}

type userResponse struct {
	Message string      `json:"message"`
	User    domain.User `json:"user"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req signUpRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.app.SignUp(r.Context(), app.SignUpInput(req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdUserResponse{Message: "User created successfully", UserUID: user.UserUID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.login(w, r, s.app.Login)
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.login(w, r, s.app.AdminLogin)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, email, password string) (app.Session, error)) {
	var req loginRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := fn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	noteIdentity(r, domain.Identity{UserUID: sess.User.UserUID, Email: sess.User.Email, Role: sess.User.Role()})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		TokenType: "Bearer",
		ExpiresAt: sess.ExpiresAt,
		User:      sess.User,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	token, _ := bearerToken(r)
	if err := s.app.Logout(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "User logged out successfully"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id domain.Identity) {
	user, err := s.app.GetUser(r.Context(), id.UserUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleMyLoans(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id domain.Identity) {
	loans, err := s.app.MyLoans(r.Context(), id.UserUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(loans))
}

func (s *Server) handleListPatrons(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	users, err := s.app.ListPatrons(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(users))
}

func (s *Server) handleCreateStaffUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	var req signUpRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.app.CreateStaffUser(r.Context(), app.SignUpInput(req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdUserResponse{Message: "Staff user created successfully", UserUID: user.UserUID})
}

func (s *Server) handleSetUserStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params, id domain.Identity) {
	var req userStatusRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.app.SetUserActive(r.Context(), id, ps.ByName("uid"), *req.IsActive)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{Message: "User status updated", User: user})
}
