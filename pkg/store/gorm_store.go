package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"libraryhub/pkg/domain"
)

const migrateLockID int64 = 51170117

// GormStore implements Store using GORM. Production runs on Postgres; any
// dialector with error translation works (tests use SQLite).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres database at dsn and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return OpenGormStore(postgres.Open(dsn))
}

// OpenGormStore opens the database behind dialector and runs auto-migrations.
func OpenGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if db.Dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// sqlite serializes writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &BookCopyModel{}, &LoanModel{}, &ScheduleModel{}, &AuditModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == "postgres" {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Atomic runs fn inside a database transaction.
func (s *GormStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

// EnsureUser inserts u unless the email is taken; it reports whether a row was created.
func (s *GormStore) EnsureUser(ctx context.Context, u domain.User) (bool, error) {
	model := userToModel(u)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, translateErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AppendAudit persists one audit entry.
func (s *GormStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	model := auditToModel(e)
	return translateErr(s.db.WithContext(ctx).Create(&model).Error)
}

// ListAudit returns the newest audit entries first.
func (s *GormStore) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	var models []AuditModel
	if err := s.db.WithContext(ctx).Order("audited_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(models))
	for _, m := range models {
		out = append(out, auditFromModel(m))
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

type gormTx struct {
	db *gorm.DB
}

func first[M any](db *gorm.DB, query string, args ...any) (M, bool, error) {
	var model M
	if err := db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model, false, nil
		}
		return model, false, err
	}
	return model, true, nil
}

// guarded reports ErrStaleState when a conditional update matched nothing.
func guarded(res *gorm.DB) error {
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (t *gormTx) CreateUser(u domain.User) error {
	model := userToModel(u)
	return translateErr(t.db.Create(&model).Error)
}

func (t *gormTx) GetUser(uid string) (domain.User, bool, error) {
	m, ok, err := first[UserModel](t.db, "user_uid = ?", uid)
	return userFromModel(m), ok, err
}

func (t *gormTx) GetUserByEmail(email string) (domain.User, bool, error) {
	m, ok, err := first[UserModel](t.db, "email = ?", email)
	return userFromModel(m), ok, err
}

func (t *gormTx) ListUsers(filter UserFilter) ([]domain.User, error) {
	var models []UserModel
	q := t.db.Order("created_at ASC")
	if filter.PatronsOnly {
		q = q.Where("is_staff = ?", false)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(models))
	for _, m := range models {
		out = append(out, userFromModel(m))
	}
	return out, nil
}

func (t *gormTx) SetUserActive(uid string, active bool) error {
	return guarded(t.db.Model(&UserModel{}).Where("user_uid = ?", uid).Updates(map[string]any{
		"is_active":  active,
		"updated_at": time.Now().UTC(),
	}))
}

func (t *gormTx) AddFine(uid string, amount int) error {
	return guarded(t.db.Model(&UserModel{}).Where("user_uid = ?", uid).Updates(map[string]any{
		"fine_balance": gorm.Expr("fine_balance + ?", amount),
		"updated_at":   time.Now().UTC(),
	}))
}

func (t *gormTx) CreateBook(b domain.Book) error {
	model := bookToModel(b)
	return translateErr(t.db.Create(&model).Error)
}

func (t *gormTx) GetBook(isbn string) (domain.Book, bool, error) {
	m, ok, err := first[BookModel](t.db, "isbn = ?", isbn)
	return bookFromModel(m), ok, err
}

func (t *gormTx) UpdateBook(b domain.Book) error {
	return guarded(t.db.Model(&BookModel{}).Where("isbn = ?", b.ISBN).Updates(map[string]any{
		"title":      b.Title,
		"author":     b.Author,
		"location":   b.Location,
		"available":  b.Available,
		"cover_key":  b.CoverKey,
		"updated_at": time.Now().UTC(),
	}))
}

func (t *gormTx) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := t.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Book, 0, len(models))
	for _, m := range models {
		out = append(out, bookFromModel(m))
	}
	return out, nil
}

func (t *gormTx) CreateCopies(copies []domain.BookCopy) error {
	if len(copies) == 0 {
		return nil
	}
	models := make([]BookCopyModel, 0, len(copies))
	for _, c := range copies {
		models = append(models, copyToModel(c))
	}
	return translateErr(t.db.Create(&models).Error)
}

func (t *gormTx) GetCopy(barcode string) (domain.BookCopy, bool, error) {
	m, ok, err := first[BookCopyModel](t.db, "copy_barcode = ?", barcode)
	return copyFromModel(m), ok, err
}

func (t *gormTx) ListCopies(isbn string) ([]domain.BookCopy, error) {
	var models []BookCopyModel
	if err := t.db.Where("book_isbn = ?", isbn).Order("serial ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.BookCopy, 0, len(models))
	for _, m := range models {
		out = append(out, copyFromModel(m))
	}
	return out, nil
}

func (t *gormTx) MaxCopySerial(isbn string) (int, error) {
	var maxSerial sql.NullInt64
	if err := t.db.Model(&BookCopyModel{}).Where("book_isbn = ?", isbn).Select("MAX(serial)").Row().Scan(&maxSerial); err != nil {
		return 0, err
	}
	return int(maxSerial.Int64), nil
}

func (t *gormTx) FirstCopyWithStatus(isbn string, status domain.CopyStatus) (domain.BookCopy, bool, error) {
	var model BookCopyModel
	err := t.db.Where("book_isbn = ? AND status = ?", isbn, string(status)).Order("serial ASC").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.BookCopy{}, false, nil
	}
	if err != nil {
		return domain.BookCopy{}, false, err
	}
	return copyFromModel(model), true, nil
}

func (t *gormTx) TransitionCopy(barcode string, from, to domain.CopyStatus) error {
	return guarded(t.db.Model(&BookCopyModel{}).
		Where("copy_barcode = ? AND status = ?", barcode, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": time.Now().UTC()}))
}

func (t *gormTx) SetCopyStatus(barcode string, status domain.CopyStatus) (bool, error) {
	res := t.db.Model(&BookCopyModel{}).
		Where("copy_barcode = ?", barcode).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *gormTx) CreateLoan(l domain.Loan) error {
	model := loanToModel(l)
	return translateErr(t.db.Create(&model).Error)
}

func (t *gormTx) GetLoan(loanID string) (domain.Loan, bool, error) {
	m, ok, err := first[LoanModel](t.db, "loan_id = ?", loanID)
	return loanFromModel(m), ok, err
}

func (t *gormTx) CountActiveLoans(uid string) (int, error) {
	var count int64
	if err := t.db.Model(&LoanModel{}).Where("user_uid = ? AND status = ?", uid, string(domain.LoanActive)).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (t *gormTx) ListLoansByUser(uid string) ([]domain.Loan, error) {
	var models []LoanModel
	if err := t.db.Where("user_uid = ?", uid).Order("checked_out_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		out = append(out, loanFromModel(m))
	}
	return out, nil
}

func (t *gormTx) CloseLoan(loanID string, status domain.LoanStatus, returnedAt time.Time) error {
	return guarded(t.db.Model(&LoanModel{}).
		Where("loan_id = ? AND status = ?", loanID, string(domain.LoanActive)).
		Updates(map[string]any{"status": string(status), "returned_at": returnedAt.UTC()}))
}

func (t *gormTx) CreateSchedule(s domain.Schedule) error {
	model := scheduleToModel(s)
	return translateErr(t.db.Create(&model).Error)
}

func (t *gormTx) GetSchedule(scheduleID string) (domain.Schedule, bool, error) {
	m, ok, err := first[ScheduleModel](t.db, "schedule_id = ?", scheduleID)
	return scheduleFromModel(m), ok, err
}

func (t *gormTx) ActiveScheduleFor(uid, isbn string) (domain.Schedule, bool, error) {
	var model ScheduleModel
	err := t.db.Where("user_uid = ? AND book_isbn = ? AND status = ?", uid, isbn, string(domain.ScheduleActive)).
		Order("created_at ASC").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Schedule{}, false, nil
	}
	if err != nil {
		return domain.Schedule{}, false, err
	}
	return scheduleFromModel(model), true, nil
}

func (t *gormTx) ListActiveSchedulesBefore(cutoff time.Time) ([]domain.Schedule, error) {
	var models []ScheduleModel
	if err := t.db.Where("status = ? AND created_at < ?", string(domain.ScheduleActive), cutoff.UTC()).
		Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Schedule, 0, len(models))
	for _, m := range models {
		out = append(out, scheduleFromModel(m))
	}
	return out, nil
}

func (t *gormTx) TransitionSchedule(scheduleID string, from, to domain.ScheduleStatus) error {
	return guarded(t.db.Model(&ScheduleModel{}).
		Where("schedule_id = ? AND status = ?", scheduleID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": time.Now().UTC()}))
}
