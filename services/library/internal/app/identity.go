package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"libraryhub/internal/usertoken"
	"libraryhub/internal/util"
	"libraryhub/pkg/auth"
	"libraryhub/pkg/domain"
	"libraryhub/pkg/store"
)

type SignUpInput struct {
	FullName string
	Email    string
	Password string
}

// Session is the result of a successful login.
type Session struct {
	User      domain.User
	Token     string
	ExpiresAt time.Time
}

type userSessionRevoker interface {
	RevokeUserSessions(userUID string, cutoff time.Time) error
}

// SignUp registers a patron account.
func (a *App) SignUp(ctx context.Context, in SignUpInput) (domain.User, error) {
	return a.createUser(ctx, in, util.PrefixUser, false, false)
}

// CreateStaffUser registers a staff account. Callers gate it to admins.
func (a *App) CreateStaffUser(ctx context.Context, in SignUpInput) (domain.User, error) {
	return a.createUser(ctx, in, util.PrefixStaff, true, false)
}

func (a *App) createUser(ctx context.Context, in SignUpInput, prefix string, staff, superuser bool) (domain.User, error) {
	fullName := strings.TrimSpace(in.FullName)
	if n := utf8.RuneCountInString(fullName); n < 3 || n > 30 {
		return domain.User{}, Validation("full_name must be between 3 and 30 characters")
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return domain.User{}, err
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.User{}, Validation(err.Error())
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, Internal(fmt.Errorf("hash password: %w", err))
	}
	now := a.clock()
	user := domain.User{
		UserUID:      util.NewRecordID(prefix),
		Email:        email,
		FullName:     fullName,
		PasswordHash: hash,
		IsStaff:      staff,
		IsSuperuser:  superuser,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = a.atomic(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(user); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return Conflict("User with this email already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", Validation("email is not a valid address")
	}
	return email, nil
}

// Login verifies credentials and opens a session.
func (a *App) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := a.checkCredentials(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return a.openSession(user)
}

// AdminLogin is Login restricted to admin accounts.
func (a *App) AdminLogin(ctx context.Context, email, password string) (Session, error) {
	user, err := a.checkCredentials(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	if user.Role() != domain.RoleAdmin {
		return Session{}, Forbidden("User is not an admin")
	}
	return a.openSession(user)
}

func (a *App) checkCredentials(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	var user domain.User
	err := a.atomic(ctx, func(tx store.Tx) error {
		u, ok, err := tx.GetUserByEmail(email)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidCredentials
		}
		user = u
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	if !auth.CheckPassword(password, user.PasswordHash) || !user.IsActive {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (a *App) openSession(user domain.User) (Session, error) {
	token, claims, err := a.sessions.NewSession(user)
	if err != nil {
		return Session{}, Internal(fmt.Errorf("issue token: %w", err))
	}
	return Session{User: user, Token: token, ExpiresAt: claims.ExpiresAt}, nil
}

// Logout revokes token until it expires.
func (a *App) Logout(_ context.Context, token string) error {
	if err := a.sessions.DeleteSession(token); err != nil {
		return Internal(fmt.Errorf("revoke token: %w", err))
	}
	return nil
}

// Authenticate resolves a bearer token to the caller identity. The account is
// re-read so deactivation and role changes apply to live tokens.
func (a *App) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	claims, err := a.sessions.Resolve(token)
	if err != nil {
		if errors.Is(err, usertoken.ErrInvalidToken) || errors.Is(err, store.ErrTokenRevoked) {
			return domain.Identity{}, Unauthorized("Invalid or expired token")
		}
		return domain.Identity{}, Internal(fmt.Errorf("resolve token: %w", err))
	}
	user, err := a.GetUser(ctx, claims.UserUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Identity{}, Unauthorized("Invalid or expired token")
		}
		return domain.Identity{}, err
	}
	if !user.IsActive {
		return domain.Identity{}, Unauthorized("Account is disabled")
	}
	return domain.Identity{UserUID: user.UserUID, Email: user.Email, Role: user.Role()}, nil
}

// InspectToken decodes token claims without lifetime checks, for attributing
// requests that failed authentication.
func (a *App) InspectToken(token string) (domain.Identity, bool) {
	claims, err := a.sessions.Inspect(token)
	if err != nil {
		return domain.Identity{}, false
	}
	return claims.Identity(), true
}

func (a *App) GetUser(ctx context.Context, uid string) (domain.User, error) {
	var user domain.User
	err := a.atomic(ctx, func(tx store.Tx) error {
		u, ok, err := tx.GetUser(uid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotFound
		}
		user = u
		return nil
	})
	return user, err
}

// ListPatrons returns all non-staff accounts.
func (a *App) ListPatrons(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	err := a.atomic(ctx, func(tx store.Tx) error {
		var err error
		users, err = tx.ListUsers(store.UserFilter{PatronsOnly: true})
		return err
	})
	return users, err
}

// MyLoans returns every loan of uid, newest first.
func (a *App) MyLoans(ctx context.Context, uid string) ([]domain.Loan, error) {
	var loans []domain.Loan
	err := a.atomic(ctx, func(tx store.Tx) error {
		var err error
		loans, err = tx.ListLoansByUser(uid)
		return err
	})
	return loans, err
}

// SetUserActive enables or disables an account. Disabling revokes the
// account's outstanding tokens.
func (a *App) SetUserActive(ctx context.Context, actor domain.Identity, uid string, active bool) (domain.User, error) {
	if !active && actor.UserUID == uid {
		return domain.User{}, Forbidden("Admins cannot disable their own account")
	}
	var user domain.User
	err := a.atomic(ctx, func(tx store.Tx) error {
		u, ok, err := tx.GetUser(uid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotFound
		}
		if err := tx.SetUserActive(uid, active); err != nil {
			return err
		}
		u.IsActive = active
		user = u
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	if !active {
		if revoker, ok := a.sessions.(userSessionRevoker); ok {
			if err := revoker.RevokeUserSessions(uid, a.clock()); err != nil {
				slog.Warn("revoke user sessions failed", "user_uid", uid, "err", err)
			}
		}
	}
	return user, nil
}

// EnsureSuperuser creates the bootstrap admin unless the email is taken.
func (a *App) EnsureSuperuser(ctx context.Context, email, password, fullName string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return false, Validation("superuser email and password are required")
	}
	if err := auth.ValidatePassword(password); err != nil {
		return false, Validation(err.Error())
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	now := a.clock()
	created, err := a.store.EnsureUser(ctx, domain.User{
		UserUID:      util.NewRecordID(util.PrefixAdmin),
		Email:        email,
		FullName:     strings.TrimSpace(fullName),
		PasswordHash: hash,
		IsStaff:      true,
		IsSuperuser:  true,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return false, fmt.Errorf("ensure superuser: %w", err)
	}
	return created, nil
}
