package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"libraryhub/pkg/domain"
)

// MemoryStore is an in-process Store. Atomic runs fn against a copy of the
// state and swaps it in only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	audit []domain.AuditEntry
}

type memState struct {
	users     map[string]domain.User
	books     map[string]domain.Book
	copies    map[string]domain.BookCopy
	loans     map[string]domain.Loan
	schedules map[string]domain.Schedule
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		users:     map[string]domain.User{},
		books:     map[string]domain.Book{},
		copies:    map[string]domain.BookCopy{},
		loans:     map[string]domain.Loan{},
		schedules: map[string]domain.Schedule{},
	}}
}

func (s memState) clone() memState {
	return memState{
		users:     maps.Clone(s.users),
		books:     maps.Clone(s.books),
		copies:    maps.Clone(s.copies),
		loans:     maps.Clone(s.loans),
		schedules: maps.Clone(s.schedules),
	}
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryStore) EnsureUser(_ context.Context, u domain.User) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{state: m.state}
	if _, ok, _ := tx.GetUserByEmail(u.Email); ok {
		return false, nil
	}
	if err := tx.CreateUser(u); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(m.audit))
	for i := len(m.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	state memState
}

func duplicate(what, key string) error {
	return fmt.Errorf("%w: %s %q", ErrDuplicate, what, key)
}

func (t *memTx) CreateUser(u domain.User) error {
	if _, ok := t.state.users[u.UserUID]; ok {
		return duplicate("user_uid", u.UserUID)
	}
	if _, ok, _ := t.GetUserByEmail(u.Email); ok {
		return duplicate("email", u.Email)
	}
	t.state.users[u.UserUID] = u
	return nil
}

func (t *memTx) GetUser(uid string) (domain.User, bool, error) {
	u, ok := t.state.users[uid]
	return u, ok, nil
}

func (t *memTx) GetUserByEmail(email string) (domain.User, bool, error) {
	for _, u := range t.state.users {
		if u.Email == email {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (t *memTx) ListUsers(filter UserFilter) ([]domain.User, error) {
	out := make([]domain.User, 0, len(t.state.users))
	for _, u := range t.state.users {
		if filter.PatronsOnly && u.IsStaff {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserUID < out[j].UserUID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) SetUserActive(uid string, active bool) error {
	u, ok := t.state.users[uid]
	if !ok {
		return ErrStaleState
	}
	u.IsActive = active
	u.UpdatedAt = time.Now().UTC()
	t.state.users[uid] = u
	return nil
}

func (t *memTx) AddFine(uid string, amount int) error {
	u, ok := t.state.users[uid]
	if !ok {
		return ErrStaleState
	}
	u.FineBalance += amount
	u.UpdatedAt = time.Now().UTC()
	t.state.users[uid] = u
	return nil
}

func (t *memTx) CreateBook(b domain.Book) error {
	if _, ok := t.state.books[b.ISBN]; ok {
		return duplicate("isbn", b.ISBN)
	}
	for _, existing := range t.state.books {
		if existing.Title == b.Title {
			return duplicate("title", b.Title)
		}
		if existing.LibraryBarcode == b.LibraryBarcode {
			return duplicate("library_barcode", b.LibraryBarcode)
		}
	}
	t.state.books[b.ISBN] = b
	return nil
}

func (t *memTx) GetBook(isbn string) (domain.Book, bool, error) {
	b, ok := t.state.books[isbn]
	return b, ok, nil
}

func (t *memTx) UpdateBook(b domain.Book) error {
	existing, ok := t.state.books[b.ISBN]
	if !ok {
		return ErrStaleState
	}
	for isbn, other := range t.state.books {
		if isbn != b.ISBN && other.Title == b.Title {
			return duplicate("title", b.Title)
		}
	}
	b.LibraryBarcode = existing.LibraryBarcode
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	t.state.books[b.ISBN] = b
	return nil
}

func (t *memTx) ListBooks() ([]domain.Book, error) {
	out := make([]domain.Book, 0, len(t.state.books))
	for _, b := range t.state.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ISBN < out[j].ISBN
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) CreateCopies(copies []domain.BookCopy) error {
	for _, c := range copies {
		if _, ok := t.state.copies[c.CopyBarcode]; ok {
			return duplicate("copy_barcode", c.CopyBarcode)
		}
		for _, existing := range t.state.copies {
			if existing.BookISBN == c.BookISBN && existing.Serial == c.Serial {
				return duplicate("serial", fmt.Sprintf("%s/%d", c.BookISBN, c.Serial))
			}
		}
		t.state.copies[c.CopyBarcode] = c
	}
	return nil
}

func (t *memTx) GetCopy(barcode string) (domain.BookCopy, bool, error) {
	c, ok := t.state.copies[barcode]
	return c, ok, nil
}

func (t *memTx) ListCopies(isbn string) ([]domain.BookCopy, error) {
	out := make([]domain.BookCopy, 0)
	for _, c := range t.state.copies {
		if c.BookISBN == isbn {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (t *memTx) MaxCopySerial(isbn string) (int, error) {
	maxSerial := 0
	for _, c := range t.state.copies {
		if c.BookISBN == isbn && c.Serial > maxSerial {
			maxSerial = c.Serial
		}
	}
	return maxSerial, nil
}

func (t *memTx) FirstCopyWithStatus(isbn string, status domain.CopyStatus) (domain.BookCopy, bool, error) {
	copies, _ := t.ListCopies(isbn)
	for _, c := range copies {
		if c.Status == status {
			return c, true, nil
		}
	}
	return domain.BookCopy{}, false, nil
}

func (t *memTx) TransitionCopy(barcode string, from, to domain.CopyStatus) error {
	c, ok := t.state.copies[barcode]
	if !ok || c.Status != from {
		return ErrStaleState
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	t.state.copies[barcode] = c
	return nil
}

func (t *memTx) SetCopyStatus(barcode string, status domain.CopyStatus) (bool, error) {
	c, ok := t.state.copies[barcode]
	if !ok {
		return false, nil
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	t.state.copies[barcode] = c
	return true, nil
}

func (t *memTx) CreateLoan(l domain.Loan) error {
	if _, ok := t.state.loans[l.LoanID]; ok {
		return duplicate("loan_id", l.LoanID)
	}
	t.state.loans[l.LoanID] = l
	return nil
}

func (t *memTx) GetLoan(loanID string) (domain.Loan, bool, error) {
	l, ok := t.state.loans[loanID]
	return l, ok, nil
}

func (t *memTx) CountActiveLoans(uid string) (int, error) {
	n := 0
	for _, l := range t.state.loans {
		if l.UserUID == uid && l.Status == domain.LoanActive {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListLoansByUser(uid string) ([]domain.Loan, error) {
	out := make([]domain.Loan, 0)
	for _, l := range t.state.loans {
		if l.UserUID == uid {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CheckedOutAt.Equal(out[j].CheckedOutAt) {
			return strings.Compare(out[i].LoanID, out[j].LoanID) < 0
		}
		return out[i].CheckedOutAt.After(out[j].CheckedOutAt)
	})
	return out, nil
}

func (t *memTx) CloseLoan(loanID string, status domain.LoanStatus, returnedAt time.Time) error {
	l, ok := t.state.loans[loanID]
	if !ok || l.Status != domain.LoanActive {
		return ErrStaleState
	}
	at := returnedAt.UTC()
	l.Status = status
	l.ReturnedAt = &at
	t.state.loans[loanID] = l
	return nil
}

func (t *memTx) CreateSchedule(s domain.Schedule) error {
	if _, ok := t.state.schedules[s.ScheduleID]; ok {
		return duplicate("schedule_id", s.ScheduleID)
	}
	t.state.schedules[s.ScheduleID] = s
	return nil
}

func (t *memTx) GetSchedule(scheduleID string) (domain.Schedule, bool, error) {
	s, ok := t.state.schedules[scheduleID]
	return s, ok, nil
}

func (t *memTx) ActiveScheduleFor(uid, isbn string) (domain.Schedule, bool, error) {
	var found domain.Schedule
	ok := false
	for _, s := range t.state.schedules {
		if s.UserUID != uid || s.BookISBN != isbn || s.Status != domain.ScheduleActive {
			continue
		}
		if !ok || s.CreatedAt.Before(found.CreatedAt) {
			found, ok = s, true
		}
	}
	return found, ok, nil
}

func (t *memTx) ListActiveSchedulesBefore(cutoff time.Time) ([]domain.Schedule, error) {
	out := make([]domain.Schedule, 0)
	for _, s := range t.state.schedules {
		if s.Status == domain.ScheduleActive && s.CreatedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) TransitionSchedule(scheduleID string, from, to domain.ScheduleStatus) error {
	s, ok := t.state.schedules[scheduleID]
	if !ok || s.Status != from {
		return ErrStaleState
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	t.state.schedules[scheduleID] = s
	return nil
}
