package store

import (
	"context"
	"errors"
	"time"

	"libraryhub/pkg/domain"
)

var (
	// ErrDuplicate is returned when an insert or update violates a unique key.
	ErrDuplicate = errors.New("duplicate record")
	// ErrStaleState is returned when a guarded transition finds the record in
	// another state than expected (or not at all).
	ErrStaleState = errors.New("record state changed")
)

// Store defines persistence for the circulation system. Every mutation runs
// inside Atomic; an error returned from fn rolls the whole unit back.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// EnsureUser inserts u unless its email is already registered.
	EnsureUser(ctx context.Context, u domain.User) (bool, error)

	// audit trail, written outside request transactions
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)

	Close() error
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	PatronsOnly bool
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// users
	CreateUser(u domain.User) error
	GetUser(uid string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	ListUsers(filter UserFilter) ([]domain.User, error)
	SetUserActive(uid string, active bool) error
	AddFine(uid string, amount int) error

	// books
	CreateBook(b domain.Book) error
	GetBook(isbn string) (domain.Book, bool, error)
	UpdateBook(b domain.Book) error
	ListBooks() ([]domain.Book, error)

	// copies
	CreateCopies(copies []domain.BookCopy) error
	GetCopy(barcode string) (domain.BookCopy, bool, error)
	ListCopies(isbn string) ([]domain.BookCopy, error)
	MaxCopySerial(isbn string) (int, error)
	FirstCopyWithStatus(isbn string, status domain.CopyStatus) (domain.BookCopy, bool, error)
	TransitionCopy(barcode string, from, to domain.CopyStatus) error
	SetCopyStatus(barcode string, status domain.CopyStatus) (bool, error)

	// loans
	CreateLoan(l domain.Loan) error
	GetLoan(loanID string) (domain.Loan, bool, error)
	CountActiveLoans(uid string) (int, error)
	ListLoansByUser(uid string) ([]domain.Loan, error)
	CloseLoan(loanID string, status domain.LoanStatus, returnedAt time.Time) error

	// schedules
	CreateSchedule(s domain.Schedule) error
	GetSchedule(scheduleID string) (domain.Schedule, bool, error)
	ActiveScheduleFor(uid, isbn string) (domain.Schedule, bool, error)
	ListActiveSchedulesBefore(cutoff time.Time) ([]domain.Schedule, error)
	TransitionSchedule(scheduleID string, from, to domain.ScheduleStatus) error
}
