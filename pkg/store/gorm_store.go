package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"libraryloan/pkg/domain"
)

const migrateLockID int64 = 51874402

const openLoanIndexDDL = `CREATE UNIQUE INDEX IF NOT EXISTS loans_open_book_code_key
	ON loans (book_code) WHERE return_date IS NULL`

type GormStoreOptions struct {
	AutoMigrate bool
	LogLevel    string
}

type GormStoreOption func(*GormStoreOptions)

// WithAutoMigrate creates or updates the schema on open.
func WithAutoMigrate(enabled bool) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.AutoMigrate = enabled
	}
}

// WithLogLevel sets the gorm logger level: silent, error, warn or info.
func WithLogLevel(level string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogLevel = level
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and, when enabled, runs migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  parseGormLogLevel(opts.LogLevel),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.AutoMigrate {
		if err := withMigrationLock(db, migrate); err != nil {
			return nil, err
		}
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&BookModel{}, &MemberModel{}, &LoanModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(openLoanIndexDDL).Error; err != nil {
		return fmt.Errorf("ensure open loan index: %w", err)
	}
	return nil
}

func parseGormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info", "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
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

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ListAvailableBooks returns books without an open loan, ordered by code.
func (s *GormStore) ListAvailableBooks(ctx context.Context) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM loans l WHERE l.book_code = books.code AND l.return_date IS NULL)").
		Order("code ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// ListMemberSummaries returns every member with its open-loan count.
func (s *GormStore) ListMemberSummaries(ctx context.Context) ([]domain.MemberSummary, error) {
	var rows []memberSummaryRow
	if err := s.db.WithContext(ctx).
		Table("members AS m").
		Select("m.code, m.name, m.penalty_until, COUNT(l.id) AS borrowed").
		Joins("LEFT JOIN loans l ON l.member_code = m.code AND l.return_date IS NULL").
		Group("m.code, m.name, m.penalty_until").
		Order("m.code ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.MemberSummary, 0, len(rows))
	for _, r := range rows {
		res = append(res, domain.MemberSummary{
			Code:         r.Code,
			Name:         r.Name,
			PenaltyUntil: utcPtr(r.PenaltyUntil),
			Borrowed:     r.Borrowed,
		})
	}
	return res, nil
}

// ListLoans returns all loans, most recent id first.
func (s *GormStore) ListLoans(ctx context.Context) ([]domain.Loan, error) {
	var models []LoanModel
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		res = append(res, loanFromModel(m))
	}
	return res, nil
}

// WithinTx runs fn in a read-committed transaction. Row locks taken through
// Tx plus the partial unique index on open loans keep concurrent requests
// from breaking the borrow limit or the single-copy rule.
func (s *GormStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) forUpdate() *gorm.DB {
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) LockMember(code string) (domain.Member, bool, error) {
	var model MemberModel
	if err := t.forUpdate().First(&model, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Member{}, false, nil
		}
		return domain.Member{}, false, err
	}
	return memberFromModel(model), true, nil
}

func (t *gormTx) LockBook(code string) (domain.Book, bool, error) {
	var model BookModel
	if err := t.forUpdate().First(&model, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

func (t *gormTx) CountOpenLoansByMember(memberCode string) (int, error) {
	var count int64
	if err := t.db.Model(&LoanModel{}).
		Where("member_code = ? AND return_date IS NULL", memberCode).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (t *gormTx) HasOpenLoanForBook(bookCode string) (bool, error) {
	var count int64
	if err := t.db.Model(&LoanModel{}).
		Where("book_code = ? AND return_date IS NULL", bookCode).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *gormTx) FindOpenLoan(bookCode, memberCode string) (domain.Loan, bool, error) {
	var model LoanModel
	if err := t.forUpdate().
		Where("book_code = ? AND member_code = ? AND return_date IS NULL", bookCode, memberCode).
		Order("id ASC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

func (t *gormTx) InsertLoan(loan domain.Loan) (int64, error) {
	model := loanToModel(loan)
	model.ID = 0
	if err := t.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, ErrOpenLoanConflict
		}
		return 0, err
	}
	return model.ID, nil
}

func (t *gormTx) CloseLoan(id int64, returnedAt time.Time) error {
	res := t.db.Model(&LoanModel{}).
		Where("id = ? AND return_date IS NULL", id).
		Update("return_date", returnedAt.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLoanAlreadyClosed
	}
	return nil
}

func (t *gormTx) SetMemberPenalty(memberCode string, until time.Time) error {
	return t.db.Model(&MemberModel{}).
		Where("code = ?", memberCode).
		Update("penalty_until", until.UTC()).Error
}

// Seed upserts books and members. Existing penalties are overwritten with the
// supplied values.
func (s *GormStore) Seed(ctx context.Context, books []domain.Book, members []domain.Member) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range books {
			model := bookToModel(b)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"title", "author", "stock"}),
			}).Create(&model).Error; err != nil {
				return fmt.Errorf("seed book %s: %w", b.Code, err)
			}
		}
		for _, m := range members {
			model := memberToModel(m)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "penalty_until"}),
			}).Create(&model).Error; err != nil {
				return fmt.Errorf("seed member %s: %w", m.Code, err)
			}
		}
		return nil
	})
}
