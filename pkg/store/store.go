package store

import (
	"context"
	"errors"
	"time"

	"libraryloan/pkg/domain"
)

var (
	// ErrOpenLoanConflict is returned by Tx.InsertLoan when the book already
	// has an open loan at the storage level.
	ErrOpenLoanConflict = errors.New("book already has an open loan")
	// ErrLoanAlreadyClosed is returned by Tx.CloseLoan when no open loan with
	// the given id remains.
	ErrLoanAlreadyClosed = errors.New("loan already closed")
)

// Store defines persistence operations for books, members and loans.
type Store interface {
	// read-only projections
	ListAvailableBooks(ctx context.Context) ([]domain.Book, error)
	ListMemberSummaries(ctx context.Context) ([]domain.MemberSummary, error)
	ListLoans(ctx context.Context) ([]domain.Loan, error)

	// WithinTx runs fn inside a single store transaction. Any error returned
	// by fn rolls the transaction back and is returned unchanged.
	WithinTx(ctx context.Context, fn func(Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of reads and writes available inside WithinTx. Lock* reads
// hold the row until the transaction ends, serialising concurrent loan
// decisions on the same member or book.
type Tx interface {
	LockMember(code string) (domain.Member, bool, error)
	LockBook(code string) (domain.Book, bool, error)
	CountOpenLoansByMember(memberCode string) (int, error)
	HasOpenLoanForBook(bookCode string) (bool, error)
	FindOpenLoan(bookCode, memberCode string) (domain.Loan, bool, error)

	InsertLoan(loan domain.Loan) (int64, error)
	CloseLoan(id int64, returnedAt time.Time) error
	SetMemberPenalty(memberCode string, until time.Time) error
}
