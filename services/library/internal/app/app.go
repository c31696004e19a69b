package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"libraryloan/internal/util"
	"libraryloan/pkg/domain"
	"libraryloan/pkg/lending"
	"libraryloan/pkg/store"
)

// Config holds runtime configuration for the loan service.
type Config struct {
	DatabaseURL string
	AutoMigrate bool
	DBLogLevel  string
	// Store overrides the database-backed store (tests, local runs).
	Store store.Store
	// Now overrides the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// App orchestrates loan policy decisions against the store.
type App struct {
	store store.Store
	now   func() time.Time
}

// ReturnResult describes a completed return.
type ReturnResult struct {
	Loan         domain.Loan
	Penalized    bool
	PenaltyUntil *time.Time
}

// New constructs the application with a database-backed store unless
// cfg.Store is set.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL,
			store.WithAutoMigrate(cfg.AutoMigrate),
			store.WithLogLevel(cfg.DBLogLevel),
		)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gs
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{store: dataStore, now: now}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// Ready reports whether the store is reachable.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// CreateLoan lends bookCode to memberCode if the lending policy allows it.
func (a *App) CreateLoan(ctx context.Context, bookCode, memberCode string) (domain.Loan, error) {
	bookCode, memberCode, err := validateCodes(bookCode, memberCode)
	if err != nil {
		return domain.Loan{}, err
	}
	logger := util.LoggerFromContext(ctx)
	now := a.now()

	var created domain.Loan
	err = a.store.WithinTx(ctx, func(tx store.Tx) error {
		facts := lending.LoanFacts{Now: now}

		member, ok, err := tx.LockMember(memberCode)
		if err != nil {
			return storageErr("error checking member code", err)
		}
		if ok {
			facts.Member = &member
		}
		book, ok, err := tx.LockBook(bookCode)
		if err != nil {
			return storageErr("error checking book code", err)
		}
		if ok {
			facts.Book = &book
		}
		if facts.MemberOpenLoans, err = tx.CountOpenLoansByMember(memberCode); err != nil {
			return storageErr("error counting member loans", err)
		}
		if facts.BookHasOpenLoan, err = tx.HasOpenLoanForBook(bookCode); err != nil {
			return storageErr("error checking book loan status", err)
		}

		decision, err := lending.EvaluateLoanRequest(facts)
		if err != nil {
			return err
		}
		id, err := tx.InsertLoan(decision.Loan)
		if errors.Is(err, store.ErrOpenLoanConflict) {
			return lending.Violation(lending.ErrBookUnavailable)
		}
		if err != nil {
			return storageErr("error creating loan", err)
		}
		created = decision.Loan
		created.ID = id
		return nil
	})
	if err != nil {
		logDenied(logger, "loan.create", bookCode, memberCode, err)
		return domain.Loan{}, err
	}
	logger.Info("loan.create", "outcome", "approved", "loan_id", created.ID, "book_code", bookCode, "member_code", memberCode)
	return created, nil
}

// ReturnLoan closes the open loan of bookCode held by memberCode and applies
// the late-return penalty when due.
func (a *App) ReturnLoan(ctx context.Context, bookCode, memberCode string) (ReturnResult, error) {
	bookCode, memberCode, err := validateCodes(bookCode, memberCode)
	if err != nil {
		return ReturnResult{}, err
	}
	logger := util.LoggerFromContext(ctx)
	now := a.now()

	var res ReturnResult
	err = a.store.WithinTx(ctx, func(tx store.Tx) error {
		var open *domain.Loan
		loan, ok, err := tx.FindOpenLoan(bookCode, memberCode)
		if err != nil {
			return storageErr("error checking book loan", err)
		}
		if ok {
			open = &loan
		}

		decision, err := lending.EvaluateReturnRequest(open, now)
		if err != nil {
			return err
		}
		if err := tx.CloseLoan(decision.Loan.ID, *decision.Loan.ReturnDate); err != nil {
			if errors.Is(err, store.ErrLoanAlreadyClosed) {
				return &lending.NotFoundError{Entity: lending.EntityOpenLoan}
			}
			return storageErr("error updating loan", err)
		}
		res.Loan = decision.Loan
		if decision.Outcome == lending.OutcomeReturnWithPenalty {
			if err := tx.SetMemberPenalty(memberCode, *decision.PenaltyUntil); err != nil {
				return storageErr("error assigning member penalty", err)
			}
			res.Penalized = true
			res.PenaltyUntil = decision.PenaltyUntil
		}
		return nil
	})
	if err != nil {
		logDenied(logger, "loan.return", bookCode, memberCode, err)
		return ReturnResult{}, err
	}
	logger.Info("loan.return", "outcome", "returned", "loan_id", res.Loan.ID, "penalized", res.Penalized, "book_code", bookCode, "member_code", memberCode)
	return res, nil
}

// ListAvailableBooks returns books without an open loan.
func (a *App) ListAvailableBooks(ctx context.Context) ([]domain.Book, error) {
	books, err := a.store.ListAvailableBooks(ctx)
	if err != nil {
		return nil, storageErr("error listing books", err)
	}
	return books, nil
}

// ListMembers returns members with their open-loan counts.
func (a *App) ListMembers(ctx context.Context) ([]domain.MemberSummary, error) {
	members, err := a.store.ListMemberSummaries(ctx)
	if err != nil {
		return nil, storageErr("error listing members", err)
	}
	return members, nil
}

// ListLoans returns every loan, most recent first.
func (a *App) ListLoans(ctx context.Context) ([]domain.Loan, error) {
	loans, err := a.store.ListLoans(ctx)
	if err != nil {
		return nil, storageErr("error listing loans", err)
	}
	return loans, nil
}

func validateCodes(bookCode, memberCode string) (string, string, error) {
	bookCode = strings.TrimSpace(bookCode)
	memberCode = strings.TrimSpace(memberCode)
	var fields []FieldError
	if bookCode == "" {
		fields = append(fields, FieldError{Field: "book_code", Message: "book_code is required"})
	}
	if memberCode == "" {
		fields = append(fields, FieldError{Field: "member_code", Message: "member_code is required"})
	}
	if len(fields) > 0 {
		return "", "", &ValidationError{Fields: fields}
	}
	return bookCode, memberCode, nil
}

func logDenied(logger *slog.Logger, event, bookCode, memberCode string, err error) {
	var se *StorageError
	if errors.As(err, &se) {
		logger.Error(event, "outcome", "storage_error", "op", se.Op, "err", se.Err, "book_code", bookCode, "member_code", memberCode)
		return
	}
	logger.Warn(event, "outcome", "denied", "reason", err.Error(), "book_code", bookCode, "member_code", memberCode)
}
