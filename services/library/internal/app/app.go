package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libraryhub/pkg/storage"
	"libraryhub/pkg/store"
)

const (
	loanPeriod          = 7 * 24 * time.Hour
	finePerDay          = 100
	maxActiveLoans      = 3
	maxFineBalance      = 10
	defaultCoverURLTTL  = 15 * time.Minute
	defaultClearAt      = 18 * time.Hour
	defaultAuditListCap = 100
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore
	// Covers is optional; cover endpoints report Unavailable without it.
	Covers      storage.ObjectStore
	CoverURLTTL time.Duration
	// ScheduleClearAt is the daily time of day (offset from midnight UTC)
	// when unconsumed schedules are expired.
	ScheduleClearAt time.Duration
	Now             func() time.Time
}

// App is the core application service wiring together storage, sessions and
// the circulation rules.
type App struct {
	store       store.Store
	sessions    store.SessionStore
	covers      storage.ObjectStore
	coverURLTTL time.Duration
	clearAt     time.Duration
	now         func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.CoverURLTTL <= 0 {
		cfg.CoverURLTTL = defaultCoverURLTTL
	}
	if cfg.ScheduleClearAt <= 0 || cfg.ScheduleClearAt >= 24*time.Hour {
		cfg.ScheduleClearAt = defaultClearAt
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		covers:      cfg.Covers,
		coverURLTTL: cfg.CoverURLTTL,
		clearAt:     cfg.ScheduleClearAt,
		now:         cfg.Now,
	}, nil
}

func (a *App) clock() time.Time {
	return a.now().UTC()
}

// ClearAtLabel renders the daily schedule clearing time as HH:MM.
func (a *App) ClearAtLabel() string {
	return fmt.Sprintf("%02d:%02d", int(a.clearAt/time.Hour), int(a.clearAt%time.Hour/time.Minute))
}

// atomic runs fn in one transaction and maps store errors onto app errors.
func (a *App) atomic(ctx context.Context, fn func(store.Tx) error) error {
	err := a.store.Atomic(ctx, fn)
	if err == nil {
		return nil
	}
	var appErr *Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, store.ErrDuplicate):
		return &Error{Kind: KindConflict, Message: "Record conflicts with existing data", Err: err}
	case errors.Is(err, store.ErrStaleState):
		return &Error{Kind: KindConflict, Message: "Record was modified concurrently", Err: err}
	}
	return Internal(err)
}
