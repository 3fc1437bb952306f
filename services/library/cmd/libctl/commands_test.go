package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"libraryhub/pkg/domain"
	"libraryhub/pkg/store"
	"libraryhub/services/library/internal/bootstrap"
	"libraryhub/services/library/internal/config"
)

const testConfig = `port: "8080"
databaseURL: "postgres://unused"
tokenSecret: "test-secret-0123456789abcdef012345"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testEnv(st *store.MemoryStore, out *bytes.Buffer, now time.Time) env {
	return env{
		open: func(ctx context.Context, cfg config.FileConfig) (*bootstrap.Runtime, error) {
			return bootstrap.OpenWithStore(ctx, cfg, st)
		},
		readPassword: func(string) (string, error) { return "Admin_pass1", nil },
		now:          func() time.Time { return now },
		out:          out,
	}
}

func execute(t *testing.T, e env, args ...string) error {
	t.Helper()
	cmd := newRootCmd(e)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestCreateAdminIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	var out bytes.Buffer
	e := testEnv(st, &out, time.Now())
	cfgPath := writeConfig(t)

	if err := execute(t, e, "create-admin", "--config", cfgPath, "--email", "Root@Lib.Test"); err != nil {
		t.Fatalf("create-admin: %v", err)
	}
	if !strings.Contains(out.String(), "created") {
		t.Fatalf("unexpected output: %q", out.String())
	}
	out.Reset()
	if err := execute(t, e, "create-admin", "--config", cfgPath, "--email", "root@lib.test"); err != nil {
		t.Fatalf("second create-admin: %v", err)
	}
	if !strings.Contains(out.String(), "already exists") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	_ = st.Atomic(context.Background(), func(tx store.Tx) error {
		u, ok, err := tx.GetUserByEmail("root@lib.test")
		if err != nil || !ok {
			t.Fatalf("admin missing: ok=%v err=%v", ok, err)
		}
		if u.Role() != domain.RoleAdmin {
			t.Fatalf("expected admin role, got %s", u.Role())
		}
		return nil
	})
}

func TestCreateAdminRequiresEmail(t *testing.T) {
	var out bytes.Buffer
	e := testEnv(store.NewMemoryStore(), &out, time.Now())
	if err := execute(t, e, "create-admin", "--config", writeConfig(t)); err == nil {
		t.Fatalf("expected missing email error")
	}
}

func TestSweepSchedulesExpiresBeforeCutoff(t *testing.T) {
	st := store.NewMemoryStore()
	created := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	err := st.Atomic(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateBook(domain.Book{ISBN: "9780000000901", Title: "Swept", LibraryBarcode: "BK-0000901", Available: true}); err != nil {
			return err
		}
		if err := tx.CreateCopies([]domain.BookCopy{{
			CopyBarcode: "COPY-BK-0000901-001", BookISBN: "9780000000901", Serial: 1, Status: domain.CopyReserved,
		}}); err != nil {
			return err
		}
		return tx.CreateSchedule(domain.Schedule{
			ScheduleID: "SC-AA-00000001", UserUID: "USER-AA-00000001", CopyBarcode: "COPY-BK-0000901-001",
			BookISBN: "9780000000901", Status: domain.ScheduleActive, CreatedAt: created, UpdatedAt: created,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var out bytes.Buffer
	e := testEnv(st, &out, created.Add(9*time.Hour))
	if err := execute(t, e, "sweep-schedules", "--config", writeConfig(t), "--cutoff", "2026-03-03T08:00:00Z"); err != nil {
		t.Fatalf("sweep with early cutoff: %v", err)
	}
	if !strings.Contains(out.String(), "Expired 0 schedule(s)") {
		t.Fatalf("unexpected output: %q", out.String())
	}
	out.Reset()
	if err := execute(t, e, "sweep-schedules", "--config", writeConfig(t)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out.String(), "Expired 1 schedule(s)") {
		t.Fatalf("unexpected output: %q", out.String())
	}
	_ = st.Atomic(context.Background(), func(tx store.Tx) error {
		c, _, _ := tx.GetCopy("COPY-BK-0000901-001")
		if c.Status != domain.CopyAvailable {
			t.Fatalf("expected released copy, got %s", c.Status)
		}
		return nil
	})
}

func TestSweepRejectsBadCutoff(t *testing.T) {
	var out bytes.Buffer
	e := testEnv(store.NewMemoryStore(), &out, time.Now())
	if err := execute(t, e, "sweep-schedules", "--config", writeConfig(t), "--cutoff", "yesterday"); err == nil {
		t.Fatalf("expected cutoff parse error")
	}
}

func TestCreateAdminRejectsWeakPassword(t *testing.T) {
	st := store.NewMemoryStore()
	var out bytes.Buffer
	e := testEnv(st, &out, time.Now())
	e.readPassword = func(string) (string, error) { return "short", nil }

	if err := execute(t, e, "create-admin", "--config", writeConfig(t), "--email", "root@lib.test"); err == nil {
		t.Fatalf("expected weak password to be rejected")
	}
	_ = st.Atomic(context.Background(), func(tx store.Tx) error {
		if _, ok, _ := tx.GetUserByEmail("root@lib.test"); ok {
			t.Fatalf("admin should not have been created")
		}
		return nil
	})
}
