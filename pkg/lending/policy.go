// Package lending holds the loan policy: pure decisions over facts supplied
// by the caller. Nothing here performs I/O or reads the clock.
package lending

import (
	"math"
	"time"

	"libraryloan/pkg/domain"
)

const (
	// BorrowLimit is the number of simultaneous open loans a member may hold.
	BorrowLimit = 2
	// LateThresholdDays is the elapsed-day count above which a return is late.
	LateThresholdDays = 7
	// PenaltyDuration is how long a late return blocks the member.
	PenaltyDuration = 3 * 24 * time.Hour
)

const day = 24 * time.Hour

type Outcome string

const (
	OutcomeApprove           Outcome = "approve"
	OutcomeReturnClean       Outcome = "return_clean"
	OutcomeReturnWithPenalty Outcome = "return_with_penalty"
)

// Decision is the result of a successful evaluation. Loan is the row to
// insert (approve) or the closed row (returns). PenaltyUntil is set only for
// OutcomeReturnWithPenalty.
type Decision struct {
	Outcome      Outcome
	Loan         domain.Loan
	PenaltyUntil *time.Time
}

// LoanFacts is the state a loan request is evaluated against. A nil Member
// or Book means the record does not exist.
type LoanFacts struct {
	Member          *domain.Member
	Book            *domain.Book
	MemberOpenLoans int
	BookHasOpenLoan bool
	Now             time.Time
}

// EvaluateLoanRequest decides whether a new loan may be created.
//
// Checks run in order and stop at the first failure:
//
//	member exists        -> *NotFoundError(member)
//	book exists          -> *NotFoundError(book)
//	penalty not active   -> *PenaltyError
//	open loans < limit   -> *ViolationError(ErrBorrowLimitExceeded)
//	book has no open loan -> *ViolationError(ErrBookUnavailable)
func EvaluateLoanRequest(f LoanFacts) (Decision, error) {
	if f.Member == nil {
		return Decision{}, &NotFoundError{Entity: EntityMember}
	}
	if f.Book == nil {
		return Decision{}, &NotFoundError{Entity: EntityBook}
	}
	if f.Member.PenalizedAt(f.Now) {
		return Decision{}, &PenaltyError{Until: *f.Member.PenaltyUntil}
	}
	if f.MemberOpenLoans >= BorrowLimit {
		return Decision{}, Violation(ErrBorrowLimitExceeded)
	}
	if f.BookHasOpenLoan {
		return Decision{}, Violation(ErrBookUnavailable)
	}
	return Decision{
		Outcome: OutcomeApprove,
		Loan: domain.Loan{
			BookCode:   f.Book.Code,
			MemberCode: f.Member.Code,
			LoanDate:   f.Now,
		},
	}, nil
}

// EvaluateReturnRequest decides how the open loan is closed. A nil loan means
// no open loan matched the request.
func EvaluateReturnRequest(open *domain.Loan, now time.Time) (Decision, error) {
	if open == nil || !open.Open() {
		return Decision{}, &NotFoundError{Entity: EntityOpenLoan}
	}
	closed := *open
	returned := now
	closed.ReturnDate = &returned

	if ElapsedDays(open.LoanDate, now) > LateThresholdDays {
		until := now.Add(PenaltyDuration)
		return Decision{
			Outcome:      OutcomeReturnWithPenalty,
			Loan:         closed,
			PenaltyUntil: &until,
		}, nil
	}
	return Decision{Outcome: OutcomeReturnClean, Loan: closed}, nil
}

// ElapsedDays returns the elapsed duration between from and to in whole days,
// rounding any partial day up. The order of the arguments does not matter.
func ElapsedDays(from, to time.Time) int {
	d := to.Sub(from)
	if d == math.MinInt64 {
		d = math.MaxInt64
	} else if d < 0 {
		d = -d
	}
	days := d / day
	if d%day != 0 {
		days++
	}
	return int(days)
}
