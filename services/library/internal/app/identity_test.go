package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"libraryhub/pkg/domain"
)

func TestSignUpAndLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.app.SignUp(ctx, SignUpInput{FullName: "Ada Reader", Email: " Ada@Lib.Test ", Password: "secret_123"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if user.Email != "ada@lib.test" || !strings.HasPrefix(user.UserUID, "USER-") || user.Role() != domain.RoleUser {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.PasswordHash == "" || user.PasswordHash == "secret_123" {
		t.Fatalf("password must be hashed")
	}

	_, err = env.app.SignUp(ctx, SignUpInput{FullName: "Ada Again", Email: "ada@lib.test", Password: "secret_123"})
	requireKind(t, err, ErrConflict)

	session, err := env.app.Login(ctx, "ADA@lib.test", "secret_123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Token == "" || session.User.UserUID != user.UserUID {
		t.Fatalf("unexpected session: %+v", session)
	}
	id, err := env.app.Authenticate(ctx, session.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserUID != user.UserUID || id.Role != domain.RoleUser {
		t.Fatalf("unexpected identity: %+v", id)
	}

	_, err = env.app.Login(ctx, "ada@lib.test", "wrong_pass1")
	requireKind(t, err, ErrUnauthorized)
	_, err = env.app.Login(ctx, "nobody@lib.test", "secret_123")
	requireKind(t, err, ErrUnauthorized)
}

func TestSignUpValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cases := []SignUpInput{
		{FullName: "Al", Email: "al@lib.test", Password: "secret_123"},
		{FullName: "Alan Reader", Email: "not-an-email", Password: "secret_123"},
		{FullName: "Alan Reader", Email: "al@lib.test", Password: "short"},
		{FullName: "Alan Reader", Email: "al@lib.test", Password: "has space 123"},
	}
	for _, in := range cases {
		_, err := env.app.SignUp(ctx, in)
		requireKind(t, err, ErrValidation)
	}
}

func TestAdminLoginRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.app.EnsureSuperuser(ctx, "root@lib.test", "short", "Root")
	requireKind(t, err, ErrValidation)
	_, err = env.app.EnsureSuperuser(ctx, "root@lib.test", "root pass 1", "Root")
	requireKind(t, err, ErrValidation)

	created, err := env.app.EnsureSuperuser(ctx, "root@lib.test", "root_pass1", "Root")
	if err != nil || !created {
		t.Fatalf("ensure superuser: created=%v err=%v", created, err)
	}
	created, err = env.app.EnsureSuperuser(ctx, "root@lib.test", "root_pass1", "Root")
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if _, err := env.app.SignUp(ctx, SignUpInput{FullName: "Pat Patron", Email: "pat@lib.test", Password: "patron_pw1"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	_, err = env.app.AdminLogin(ctx, "pat@lib.test", "patron_pw1")
	requireKind(t, err, ErrForbidden)

	session, err := env.app.AdminLogin(ctx, "root@lib.test", "root_pass1")
	if err != nil {
		t.Fatalf("admin login: %v", err)
	}
	id, err := env.app.Authenticate(ctx, session.Token)
	if err != nil || id.Role != domain.RoleAdmin {
		t.Fatalf("admin identity: %+v err=%v", id, err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.app.SignUp(ctx, SignUpInput{FullName: "Lou Out", Email: "lou@lib.test", Password: "logout_pw1"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	session, err := env.app.Login(ctx, "lou@lib.test", "logout_pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := env.app.Logout(ctx, session.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	_, err = env.app.Authenticate(ctx, session.Token)
	requireKind(t, err, ErrUnauthorized)

	id, ok := env.app.InspectToken(session.Token)
	if !ok || id.Email != "lou@lib.test" {
		t.Fatalf("inspect revoked token: %+v ok=%v", id, ok)
	}
	if _, ok := env.app.InspectToken("garbage"); ok {
		t.Fatalf("garbage token must not inspect")
	}
}

func TestStaffCreationAndPatronListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	staff, err := env.app.CreateStaffUser(ctx, SignUpInput{FullName: "Sam Staff", Email: "sam@lib.test", Password: "staff_pw1"})
	if err != nil {
		t.Fatalf("create staff: %v", err)
	}
	if !strings.HasPrefix(staff.UserUID, "STAFF-") || staff.Role() != domain.RoleStaff {
		t.Fatalf("unexpected staff: %+v", staff)
	}
	env.seedUser(t, "USER-AA-00000001", nil)

	patrons, err := env.app.ListPatrons(ctx)
	if err != nil {
		t.Fatalf("list patrons: %v", err)
	}
	if len(patrons) != 1 || patrons[0].UserUID != "USER-AA-00000001" {
		t.Fatalf("unexpected patrons: %+v", patrons)
	}
}

func TestDisablingAccountRevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.app.SignUp(ctx, SignUpInput{FullName: "Dee Active", Email: "dee@lib.test", Password: "active_pw1"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	session, err := env.app.Login(ctx, "dee@lib.test", "active_pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	env.clock.Set(time.Now().Add(time.Second))
	admin := domain.Identity{UserUID: "ADMIN-AA-00000001", Role: domain.RoleAdmin}

	user, err := env.app.SetUserActive(ctx, admin, session.User.UserUID, false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if user.IsActive {
		t.Fatalf("user should be inactive")
	}
	_, err = env.app.Authenticate(ctx, session.Token)
	requireKind(t, err, ErrUnauthorized)
	_, err = env.app.Login(ctx, "dee@lib.test", "active_pw1")
	requireKind(t, err, ErrUnauthorized)

	_, err = env.app.SetUserActive(ctx, admin, admin.UserUID, false)
	requireKind(t, err, ErrForbidden)
	_, err = env.app.SetUserActive(ctx, admin, "USER-ZZ-00000000", true)
	requireKind(t, err, ErrNotFound)
}
