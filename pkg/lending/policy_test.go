package lending

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryloan/pkg/domain"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func member(code string, penaltyUntil *time.Time) *domain.Member {
	return &domain.Member{Code: code, Name: "Member " + code, PenaltyUntil: penaltyUntil}
}

func book(code string) *domain.Book {
	return &domain.Book{Code: code, Title: "Title " + code, Author: "Author", Stock: 1}
}

func ptr(t time.Time) *time.Time { return &t }

func TestEvaluateLoanRequestApprove(t *testing.T) {
	d, err := EvaluateLoanRequest(LoanFacts{
		Member: member("M001", nil),
		Book:   book("JK-45"),
		Now:    now,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeApprove, d.Outcome)
	assert.Equal(t, "JK-45", d.Loan.BookCode)
	assert.Equal(t, "M001", d.Loan.MemberCode)
	assert.Equal(t, now, d.Loan.LoanDate)
	assert.Nil(t, d.Loan.ReturnDate)
	assert.Nil(t, d.PenaltyUntil)
}

func TestEvaluateLoanRequestMemberNotFound(t *testing.T) {
	_, err := EvaluateLoanRequest(LoanFacts{Book: book("JK-45"), Now: now})

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, EntityMember, nf.Entity)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluateLoanRequestMemberCheckedBeforeBook(t *testing.T) {
	_, err := EvaluateLoanRequest(LoanFacts{Now: now})

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, EntityMember, nf.Entity)
}

func TestEvaluateLoanRequestBookNotFound(t *testing.T) {
	_, err := EvaluateLoanRequest(LoanFacts{Member: member("M001", nil), Now: now})

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, EntityBook, nf.Entity)
}

func TestEvaluateLoanRequestPenaltyActive(t *testing.T) {
	until := now.Add(24 * time.Hour)

	_, err := EvaluateLoanRequest(LoanFacts{
		Member: member("M002", ptr(until)),
		Book:   book("JK-45"),
		Now:    now,
	})

	var pe *PenaltyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, until, pe.Until)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Contains(t, err.Error(), until.Format(time.RFC3339))
}

func TestEvaluateLoanRequestPenaltyWinsOverOtherViolations(t *testing.T) {
	_, err := EvaluateLoanRequest(LoanFacts{
		Member:          member("M002", ptr(now.Add(time.Minute))),
		Book:            book("JK-45"),
		MemberOpenLoans: 5,
		BookHasOpenLoan: true,
		Now:             now,
	})

	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrPolicyViolation)
}

func TestEvaluateLoanRequestExpiredPenaltyIsIgnored(t *testing.T) {
	for name, until := range map[string]time.Time{
		"in the past":   now.Add(-time.Second),
		"exactly equal": now,
	} {
		t.Run(name, func(t *testing.T) {
			d, err := EvaluateLoanRequest(LoanFacts{
				Member: member("M002", ptr(until)),
				Book:   book("JK-45"),
				Now:    now,
			})

			require.NoError(t, err)
			assert.Equal(t, OutcomeApprove, d.Outcome)
		})
	}
}

func TestEvaluateLoanRequestBorrowLimit(t *testing.T) {
	for _, bookHasOpenLoan := range []bool{false, true} {
		for _, openLoans := range []int{BorrowLimit, BorrowLimit + 1} {
			_, err := EvaluateLoanRequest(LoanFacts{
				Member:          member("M001", nil),
				Book:            book("JK-45"),
				MemberOpenLoans: openLoans,
				BookHasOpenLoan: bookHasOpenLoan,
				Now:             now,
			})

			assert.ErrorIs(t, err, ErrPolicyViolation)
			assert.ErrorIs(t, err, ErrBorrowLimitExceeded)
		}
	}
}

func TestEvaluateLoanRequestBookUnavailable(t *testing.T) {
	for openLoans := 0; openLoans < BorrowLimit; openLoans++ {
		_, err := EvaluateLoanRequest(LoanFacts{
			Member:          member("M001", nil),
			Book:            book("JK-45"),
			MemberOpenLoans: openLoans,
			BookHasOpenLoan: true,
			Now:             now,
		})

		assert.ErrorIs(t, err, ErrPolicyViolation)
		assert.ErrorIs(t, err, ErrBookUnavailable)
		assert.False(t, errors.Is(err, ErrBorrowLimitExceeded))
	}
}

func TestEvaluateReturnRequestNoOpenLoan(t *testing.T) {
	_, err := EvaluateReturnRequest(nil, now)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, EntityOpenLoan, nf.Entity)
}

func TestEvaluateReturnRequestAlreadyReturned(t *testing.T) {
	returned := now.Add(-time.Hour)
	loan := &domain.Loan{ID: 1, BookCode: "JK-45", MemberCode: "M001", LoanDate: now.Add(-48 * time.Hour), ReturnDate: &returned}

	_, err := EvaluateReturnRequest(loan, now)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluateReturnRequestOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    Outcome
	}{
		{"one hour", time.Hour, OutcomeReturnClean},
		{"six and a half days", 6*day + 12*time.Hour, OutcomeReturnClean},
		{"exactly seven days", 7 * day, OutcomeReturnClean},
		{"seven days and a second", 7*day + time.Second, OutcomeReturnWithPenalty},
		{"ten days", 10 * day, OutcomeReturnWithPenalty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan := &domain.Loan{ID: 7, BookCode: "JK-45", MemberCode: "M001", LoanDate: now.Add(-tt.elapsed)}

			d, err := EvaluateReturnRequest(loan, now)

			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Outcome)
			require.NotNil(t, d.Loan.ReturnDate)
			assert.Equal(t, now, *d.Loan.ReturnDate)
			assert.Equal(t, int64(7), d.Loan.ID)
			assert.Nil(t, loan.ReturnDate, "input loan must not be mutated")
			if tt.want == OutcomeReturnWithPenalty {
				require.NotNil(t, d.PenaltyUntil)
				assert.Equal(t, now.Add(3*24*time.Hour), *d.PenaltyUntil)
			} else {
				assert.Nil(t, d.PenaltyUntil)
			}
		})
	}
}

func TestElapsedDays(t *testing.T) {
	assert.Equal(t, 0, ElapsedDays(now, now))
	assert.Equal(t, 1, ElapsedDays(now, now.Add(time.Nanosecond)))
	assert.Equal(t, 1, ElapsedDays(now, now.Add(day)))
	assert.Equal(t, 2, ElapsedDays(now, now.Add(day+time.Minute)))
	assert.Equal(t, 2, ElapsedDays(now.Add(day+time.Minute), now))
}

func TestElapsedDaysSaturatedDuration(t *testing.T) {
	// time.Sub saturates for spans beyond ~292 years
	ancient := time.Time{}
	assert.Greater(t, ElapsedDays(ancient, now), LateThresholdDays)
	assert.Greater(t, ElapsedDays(now, ancient), LateThresholdDays)
	assert.Greater(t, ElapsedDays(now, now.AddDate(400, 0, 0)), LateThresholdDays)
}

func TestEvaluateReturnRequestAncientLoanIsPenalized(t *testing.T) {
	d, err := EvaluateReturnRequest(&domain.Loan{ID: 1, BookCode: "JK-45", MemberCode: "M001"}, now)

	require.NoError(t, err)
	assert.Equal(t, OutcomeReturnWithPenalty, d.Outcome)
	require.NotNil(t, d.PenaltyUntil)
	assert.Equal(t, now.Add(PenaltyDuration), *d.PenaltyUntil)
}
