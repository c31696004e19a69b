package domain

import "time"

// Book is a catalogue entry. Availability is derived from open loans; Stock is
// informational only.
type Book struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Stock  int    `json:"stock"`
}

type Member struct {
	Code         string     `json:"code"`
	Name         string     `json:"name"`
	PenaltyUntil *time.Time `json:"penalty_until"`
}

// PenalizedAt reports whether the member is blocked from borrowing at now.
func (m Member) PenalizedAt(now time.Time) bool {
	return m.PenaltyUntil != nil && m.PenaltyUntil.After(now)
}

// MemberSummary is a member row together with its open-loan count.
type MemberSummary struct {
	Code         string     `json:"code"`
	Name         string     `json:"name"`
	PenaltyUntil *time.Time `json:"penalty_until"`
	Borrowed     int        `json:"borrowed"`
}

type Loan struct {
	ID         int64      `json:"id"`
	BookCode   string     `json:"book_code"`
	MemberCode string     `json:"member_code"`
	LoanDate   time.Time  `json:"loan_date"`
	ReturnDate *time.Time `json:"return_date"`
}

// Open reports whether the loan has not been returned yet.
func (l Loan) Open() bool {
	return l.ReturnDate == nil
}
