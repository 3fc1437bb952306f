package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/pkg/store"
)

// LoanResult is the outcome of IssueLoan.
type LoanResult struct {
	Loan         domain.Loan     `json:"loan"`
	BookCopy     domain.BookCopy `json:"book_copy"`
	WasScheduled bool            `json:"was_scheduled"`
}

// ReserveResult is the outcome of Reserve.
type ReserveResult struct {
	Message  string          `json:"message"`
	Note     string          `json:"note"`
	Schedule domain.Schedule `json:"schedule_info"`
}

// ReturnResult is the outcome of ReturnLoan.
type ReturnResult struct {
	Message   string      `json:"message"`
	DelayDays int         `json:"-"`
	Fine      int         `json:"-"`
	Loan      domain.Loan `json:"-"`
}

// Fined reports whether the copy came back after its due date. A return
// later on the due day itself is fined zero.
func (r ReturnResult) Fined() bool { return r.Loan.Status == domain.LoanReturnedLate }

// CopyStatusUpdate is one entry of a staff batch status change.
type CopyStatusUpdate struct {
	CopyBarcode string
	Status      domain.CopyStatus
}

// BatchResult is the outcome of BatchUpdateCopyStatus.
type BatchResult struct {
	Message          string   `json:"message"`
	NotFoundBarcodes []string `json:"not_found_barcodes"`
	NumNotFound      int      `json:"num_not_found"`
}

const (
	msgReturnFined    = "User loan cleared, you have also been fined for delay"
	msgReturnInCheck  = "User loan cleared, awaiting staff inspection"
	msgScheduleOK     = "Schedule has been successfully created"
	msgBatchCompleted = "Book copies status updated"
)

func checkEligible(tx store.Tx, user domain.User, denied *Error) error {
	if !user.IsActive || user.FineBalance >= maxFineBalance {
		return denied
	}
	active, err := tx.CountActiveLoans(user.UserUID)
	if err != nil {
		return err
	}
	if active >= maxActiveLoans {
		return denied
	}
	return nil
}

func requireBook(tx store.Tx, isbn string) error {
	_, ok, err := tx.GetBook(isbn)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBookNotFound
	}
	return nil
}

// IssueLoan lends a copy of isbn to uid. A copy the user has reserved is
// consumed first; otherwise the lowest-serial available copy is taken.
func (a *App) IssueLoan(ctx context.Context, uid, isbn string) (LoanResult, error) {
	var res LoanResult
	err := a.atomic(ctx, func(tx store.Tx) error {
		user, ok, err := tx.GetUser(uid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotFound
		}
		if err := checkEligible(tx, user, ErrLoanNotEligible); err != nil {
			return err
		}
		if err := requireBook(tx, isbn); err != nil {
			return err
		}

		now := a.clock().Truncate(time.Hour)
		sched, scheduled, err := tx.ActiveScheduleFor(uid, isbn)
		if err != nil {
			return err
		}
		var bookCopy domain.BookCopy
		if scheduled {
			c, found, err := tx.GetCopy(sched.CopyBarcode)
			if err != nil {
				return err
			}
			if !found {
				return NotFound("Scheduled book copy not found")
			}
			if c.Status != domain.CopyReserved {
				return Conflict("Scheduled book copy is not available")
			}
			if err := tx.TransitionCopy(c.CopyBarcode, domain.CopyReserved, domain.CopyBorrowed); err != nil {
				return err
			}
			if err := tx.TransitionSchedule(sched.ScheduleID, domain.ScheduleActive, domain.ScheduleConsumed); err != nil {
				return err
			}
			bookCopy = c
		} else {
			c, found, err := tx.FirstCopyWithStatus(isbn, domain.CopyAvailable)
			if err != nil {
				return err
			}
			if !found {
				return NotFound(fmt.Sprintf("There are no available copies of ISBN-%s currently and user does not have any active schedules", isbn))
			}
			if err := tx.TransitionCopy(c.CopyBarcode, domain.CopyAvailable, domain.CopyBorrowed); err != nil {
				return err
			}
			bookCopy = c
		}

		loan := domain.Loan{
			LoanID:       util.NewRecordID(util.PrefixLoan),
			UserUID:      uid,
			CopyBarcode:  bookCopy.CopyBarcode,
			Status:       domain.LoanActive,
			CheckedOutAt: now,
			DueAt:        now.Add(loanPeriod),
		}
		if err := tx.CreateLoan(loan); err != nil {
			return err
		}
		bookCopy.Status = domain.CopyBorrowed
		bookCopy.UpdatedAt = a.clock()
		res = LoanResult{Loan: loan, BookCopy: bookCopy, WasScheduled: scheduled}
		return nil
	})
	if err != nil {
		return LoanResult{}, err
	}
	return res, nil
}

// Reserve holds the lowest-serial available copy of isbn for uid.
func (a *App) Reserve(ctx context.Context, uid, isbn string) (ReserveResult, error) {
	var sched domain.Schedule
	err := a.atomic(ctx, func(tx store.Tx) error {
		user, ok, err := tx.GetUser(uid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotFound
		}
		if err := checkEligible(tx, user, ErrScheduleNotEligible); err != nil {
			return err
		}
		if err := requireBook(tx, isbn); err != nil {
			return err
		}
		c, found, err := tx.FirstCopyWithStatus(isbn, domain.CopyAvailable)
		if err != nil {
			return err
		}
		if !found {
			return NotFound(fmt.Sprintf("There are no available copies of ISBN-%s currently", isbn))
		}
		if err := tx.TransitionCopy(c.CopyBarcode, domain.CopyAvailable, domain.CopyReserved); err != nil {
			return err
		}
		now := a.clock()
		sched = domain.Schedule{
			ScheduleID:  util.NewRecordID(util.PrefixSchedule),
			UserUID:     uid,
			CopyBarcode: c.CopyBarcode,
			BookISBN:    isbn,
			Status:      domain.ScheduleActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.CreateSchedule(sched)
	})
	if err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{
		Message:  msgScheduleOK,
		Note:     fmt.Sprintf("All schedules that haven't been consumed will be cleared by %s", a.ClearAtLabel()),
		Schedule: sched,
	}, nil
}

// ReturnLoan closes loanID, moves the copy to IN_CHECK and charges a fine of
// finePerDay for every calendar day past the due date.
func (a *App) ReturnLoan(ctx context.Context, copyBarcode, loanID string) (ReturnResult, error) {
	var res ReturnResult
	err := a.atomic(ctx, func(tx store.Tx) error {
		loan, ok, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if !ok {
			return NotFound("Loan not found")
		}
		if loan.CopyBarcode != strings.TrimSpace(copyBarcode) {
			return Validation("Book-copy-barcode not the same as stated by loan")
		}
		if loan.Status != domain.LoanActive {
			return Conflict("This loan has already been returned")
		}
		c, found, err := tx.GetCopy(loan.CopyBarcode)
		if err != nil {
			return err
		}
		if !found {
			return ErrCopyNotFound
		}
		if c.Status != domain.CopyBorrowed {
			return Conflict("This book copy is not currently on loan")
		}
		if err := tx.TransitionCopy(c.CopyBarcode, domain.CopyBorrowed, domain.CopyInCheck); err != nil {
			return err
		}

		now := a.clock().Truncate(time.Hour)
		status := domain.LoanReturned
		days := 0
		if now.After(loan.DueAt) {
			status = domain.LoanReturnedLate
			days = calendarDaysBetween(loan.DueAt, now)
		}
		if err := tx.CloseLoan(loan.LoanID, status, now); err != nil {
			return err
		}
		fine := finePerDay * days
		if fine > 0 {
			if err := tx.AddFine(loan.UserUID, fine); err != nil {
				return err
			}
		}
		loan.Status = status
		loan.ReturnedAt = &now
		res = ReturnResult{Message: msgReturnInCheck, DelayDays: days, Fine: fine, Loan: loan}
		if res.Fined() {
			res.Message = msgReturnFined
		}
		return nil
	})
	if err != nil {
		return ReturnResult{}, err
	}
	return res, nil
}

// calendarDaysBetween counts UTC date boundaries crossed from a to b.
func calendarDaysBetween(a, b time.Time) int {
	a, b = a.UTC(), b.UTC()
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

var batchStatuses = map[domain.CopyStatus]bool{
	domain.CopyAvailable: true,
	domain.CopyLost:      true,
	domain.CopyDamaged:   true,
}

// BatchUpdateCopyStatus overrides the status of each listed copy. Unknown
// barcodes are reported, not treated as failures.
func (a *App) BatchUpdateCopyStatus(ctx context.Context, updates []CopyStatusUpdate) (BatchResult, error) {
	if len(updates) == 0 {
		return BatchResult{}, Validation("at least one copy status entry is required")
	}
	for _, u := range updates {
		if !batchStatuses[u.Status] {
			return BatchResult{}, Validation(fmt.Sprintf("status %q is not allowed; use AVAILABLE, LOST or DAMAGED", u.Status)).
				WithDetails(map[string]any{"copy_barcode": u.CopyBarcode})
		}
	}
	var notFound []string
	err := a.atomic(ctx, func(tx store.Tx) error {
		notFound = make([]string, 0)
		for _, u := range updates {
			found, err := tx.SetCopyStatus(strings.TrimSpace(u.CopyBarcode), u.Status)
			if err != nil {
				return err
			}
			if !found {
				notFound = append(notFound, u.CopyBarcode)
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Message: msgBatchCompleted, NotFoundBarcodes: notFound, NumNotFound: len(notFound)}, nil
}

// ExpireSchedule releases an ACTIVE schedule. Expiring an already expired
// schedule is a no-op; a consumed one is a conflict.
func (a *App) ExpireSchedule(ctx context.Context, scheduleID string) (domain.Schedule, error) {
	sched, _, err := a.expireSchedule(ctx, scheduleID)
	return sched, err
}

func (a *App) expireSchedule(ctx context.Context, scheduleID string) (domain.Schedule, bool, error) {
	var (
		sched   domain.Schedule
		changed bool
	)
	err := a.atomic(ctx, func(tx store.Tx) error {
		s, ok, err := tx.GetSchedule(scheduleID)
		if err != nil {
			return err
		}
		if !ok {
			return NotFound("Schedule not found")
		}
		sched = s
		switch s.Status {
		case domain.ScheduleExpired:
			return nil
		case domain.ScheduleConsumed:
			return Conflict("Schedule has already been consumed")
		}
		if err := tx.TransitionSchedule(s.ScheduleID, domain.ScheduleActive, domain.ScheduleExpired); err != nil {
			return err
		}
		c, found, err := tx.GetCopy(s.CopyBarcode)
		if err != nil {
			return err
		}
		// A held copy may have been overridden by staff since; only a
		// still-reserved copy goes back on the shelf.
		if found && c.Status == domain.CopyReserved {
			if err := tx.TransitionCopy(c.CopyBarcode, domain.CopyReserved, domain.CopyAvailable); err != nil {
				return err
			}
		}
		sched.Status = domain.ScheduleExpired
		sched.UpdatedAt = a.clock()
		changed = true
		return nil
	})
	if err != nil {
		return domain.Schedule{}, false, err
	}
	return sched, changed, nil
}

// ExpireStaleSchedules expires every ACTIVE schedule created before cutoff,
// one transaction per schedule, and returns how many were expired.
func (a *App) ExpireStaleSchedules(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []domain.Schedule
	err := a.atomic(ctx, func(tx store.Tx) error {
		var err error
		stale, err = tx.ListActiveSchedulesBefore(cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, s := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		_, changed, err := a.expireSchedule(ctx, s.ScheduleID)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				// consumed between listing and expiry
				continue
			}
			return expired, err
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// nextClearAt returns the first instant after now whose UTC time of day
// equals clearAt.
func nextClearAt(now time.Time, clearAt time.Duration) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next := midnight.Add(clearAt)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// RunScheduleSweeper expires unconsumed schedules every day at the
// configured clear time until ctx is canceled.
func (a *App) RunScheduleSweeper(ctx context.Context) error {
	for {
		next := nextClearAt(a.clock(), a.clearAt)
		timer := time.NewTimer(next.Sub(a.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		n, err := a.ExpireStaleSchedules(ctx, next)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("schedule sweep failed", "err", err)
			continue
		}
		slog.Info("schedule sweep completed", "expired", n, "cutoff", next)
	}
}
