package domain

import (
	"encoding/json"
	"time"
)

type CopyStatus string

const (
	CopyAvailable CopyStatus = "AVAILABLE"
	CopyReserved  CopyStatus = "RESERVED"
	CopyBorrowed  CopyStatus = "BORROWED"
	CopyInCheck   CopyStatus = "IN_CHECK"
	CopyLost      CopyStatus = "LOST"
	CopyDamaged   CopyStatus = "DAMAGED"
)

// Valid reports whether s is a known copy status.
func (s CopyStatus) Valid() bool {
	switch s {
	case CopyAvailable, CopyReserved, CopyBorrowed, CopyInCheck, CopyLost, CopyDamaged:
		return true
	}
	return false
}

type LoanStatus string

const (
	LoanActive       LoanStatus = "ACTIVE"
	LoanReturned     LoanStatus = "RETURNED"
	LoanReturnedLate LoanStatus = "RETURNED_LATE"
)

type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "ACTIVE"
	ScheduleConsumed ScheduleStatus = "CONSUMED"
	ScheduleExpired  ScheduleStatus = "EXPIRED"
)

// UserRole is the access tier derived from the staff and superuser flags.
type UserRole string

const (
	RoleAnonymous UserRole = "anonymous"
	RoleUser      UserRole = "user"
	RoleStaff     UserRole = "staff"
	RoleAdmin     UserRole = "admin"
)

// Rank orders roles so a route can require a minimum tier.
func (r UserRole) Rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleStaff:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// AtLeast reports whether r meets the min tier.
func (r UserRole) AtLeast(min UserRole) bool {
	return r.Rank() >= min.Rank()
}

type Book struct {
	ISBN           string    `json:"isbn"`
	Title          string    `json:"title"`
	Author         string    `json:"author"`
	Location       string    `json:"location"`
	Available      bool      `json:"available"`
	LibraryBarcode string    `json:"library_barcode"`
	CoverKey       string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type BookCopy struct {
	CopyBarcode string     `json:"copy_barcode"`
	BookISBN    string     `json:"book_isbn"`
	Serial      int        `json:"serial"`
	Status      CopyStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type User struct {
	UserUID      string    `json:"user_uid"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	IsStaff      bool      `json:"is_staff"`
	IsSuperuser  bool      `json:"is_superuser"`
	FineBalance  int       `json:"fine_balance"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role derives the access tier from the account flags.
func (u User) Role() UserRole {
	switch {
	case u.IsStaff && u.IsSuperuser:
		return RoleAdmin
	case u.IsStaff:
		return RoleStaff
	default:
		return RoleUser
	}
}

type Loan struct {
	LoanID       string     `json:"loan_id"`
	UserUID      string     `json:"user_uid"`
	CopyBarcode  string     `json:"copy_barcode"`
	Status       LoanStatus `json:"status"`
	CheckedOutAt time.Time  `json:"checked_out_at"`
	DueAt        time.Time  `json:"due_at"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
}

type Schedule struct {
	ScheduleID  string         `json:"schedule_id"`
	UserUID     string         `json:"user_uid"`
	CopyBarcode string         `json:"copy_barcode"`
	BookISBN    string         `json:"book_isbn"`
	Status      ScheduleStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type AuditEntry struct {
	ID        string          `json:"id"`
	ActorID   string          `json:"actor_id"`
	Event     string          `json:"event"`
	Success   bool            `json:"success"`
	Details   json.RawMessage `json:"details"`
	AuditedAt time.Time       `json:"audited_at"`
}

// Identity is the caller resolved by the access-control gate.
type Identity struct {
	UserUID string   `json:"user_uid"`
	Email   string   `json:"email"`
	Role    UserRole `json:"role"`
}
