package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"libraryhub/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	UserUID      string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	FullName     string `gorm:"not null"`
	PasswordHash string `gorm:"not null"`
	IsStaff      bool   `gorm:"not null"`
	IsSuperuser  bool   `gorm:"not null"`
	FineBalance  int    `gorm:"not null"`
	IsActive     bool   `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type BookModel struct {
	ISBN           string `gorm:"primaryKey"`
	Title          string `gorm:"uniqueIndex;not null"`
	Author         string `gorm:"not null"`
	Location       string
	Available      bool   `gorm:"not null"`
	LibraryBarcode string `gorm:"uniqueIndex;not null"`
	CoverKey       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type BookCopyModel struct {
	CopyBarcode string `gorm:"primaryKey"`
	BookISBN    string `gorm:"not null;uniqueIndex:idx_copy_book_serial,priority:1"`
	Serial      int    `gorm:"not null;uniqueIndex:idx_copy_book_serial,priority:2"`
	Status      string `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type LoanModel struct {
	LoanID       string    `gorm:"primaryKey"`
	UserUID      string    `gorm:"not null;index"`
	CopyBarcode  string    `gorm:"not null;index"`
	Status       string    `gorm:"not null;index"`
	CheckedOutAt time.Time `gorm:"not null"`
	DueAt        time.Time `gorm:"not null"`
	ReturnedAt   *time.Time
}

type ScheduleModel struct {
	ScheduleID  string `gorm:"primaryKey"`
	UserUID     string `gorm:"not null;index:idx_schedule_user_book,priority:1"`
	BookISBN    string `gorm:"not null;index:idx_schedule_user_book,priority:2"`
	CopyBarcode string `gorm:"not null;index"`
	Status      string `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type AuditModel struct {
	ID        string `gorm:"primaryKey"`
	ActorID   string `gorm:"not null;index"`
	Event     string `gorm:"not null;index"`
	Success   bool   `gorm:"not null"`
	Details   datatypes.JSON
	AuditedAt time.Time `gorm:"not null;index"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		UserUID:      u.UserUID,
		Email:        u.Email,
		FullName:     u.FullName,
		PasswordHash: u.PasswordHash,
		IsStaff:      u.IsStaff,
		IsSuperuser:  u.IsSuperuser,
		FineBalance:  u.FineBalance,
		IsActive:     u.IsActive,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		UserUID:      m.UserUID,
		Email:        m.Email,
		FullName:     m.FullName,
		PasswordHash: m.PasswordHash,
		IsStaff:      m.IsStaff,
		IsSuperuser:  m.IsSuperuser,
		FineBalance:  m.FineBalance,
		IsActive:     m.IsActive,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ISBN:           b.ISBN,
		Title:          b.Title,
		Author:         b.Author,
		Location:       b.Location,
		Available:      b.Available,
		LibraryBarcode: b.LibraryBarcode,
		CoverKey:       b.CoverKey,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ISBN:           m.ISBN,
		Title:          m.Title,
		Author:         m.Author,
		Location:       m.Location,
		Available:      m.Available,
		LibraryBarcode: m.LibraryBarcode,
		CoverKey:       m.CoverKey,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func copyToModel(c domain.BookCopy) BookCopyModel {
	return BookCopyModel{
		CopyBarcode: c.CopyBarcode,
		BookISBN:    c.BookISBN,
		Serial:      c.Serial,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func copyFromModel(m BookCopyModel) domain.BookCopy {
	return domain.BookCopy{
		CopyBarcode: m.CopyBarcode,
		BookISBN:    m.BookISBN,
		Serial:      m.Serial,
		Status:      domain.CopyStatus(m.Status),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func loanToModel(l domain.Loan) LoanModel {
	return LoanModel{
		LoanID:       l.LoanID,
		UserUID:      l.UserUID,
		CopyBarcode:  l.CopyBarcode,
		Status:       string(l.Status),
		CheckedOutAt: l.CheckedOutAt,
		DueAt:        l.DueAt,
		ReturnedAt:   l.ReturnedAt,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	return domain.Loan{
		LoanID:       m.LoanID,
		UserUID:      m.UserUID,
		CopyBarcode:  m.CopyBarcode,
		Status:       domain.LoanStatus(m.Status),
		CheckedOutAt: m.CheckedOutAt.UTC(),
		DueAt:        m.DueAt.UTC(),
		ReturnedAt:   utcPtr(m.ReturnedAt),
	}
}

func scheduleToModel(s domain.Schedule) ScheduleModel {
	return ScheduleModel{
		ScheduleID:  s.ScheduleID,
		UserUID:     s.UserUID,
		BookISBN:    s.BookISBN,
		CopyBarcode: s.CopyBarcode,
		Status:      string(s.Status),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func scheduleFromModel(m ScheduleModel) domain.Schedule {
	return domain.Schedule{
		ScheduleID:  m.ScheduleID,
		UserUID:     m.UserUID,
		BookISBN:    m.BookISBN,
		CopyBarcode: m.CopyBarcode,
		Status:      domain.ScheduleStatus(m.Status),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

func auditToModel(e domain.AuditEntry) AuditModel {
	details := datatypes.JSON(e.Details)
	if len(details) == 0 {
		details = datatypes.JSON("{}")
	}
	return AuditModel{
		ID:        e.ID,
		ActorID:   e.ActorID,
		Event:     e.Event,
		Success:   e.Success,
		Details:   details,
		AuditedAt: e.AuditedAt,
	}
}

func auditFromModel(m AuditModel) domain.AuditEntry {
	return domain.AuditEntry{
		ID:        m.ID,
		ActorID:   m.ActorID,
		Event:     m.Event,
		Success:   m.Success,
		Details:   json.RawMessage(m.Details),
		AuditedAt: m.AuditedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
