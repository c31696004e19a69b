package store

import (
	"time"

	"libraryloan/pkg/domain"
)

// GORM models used for persistence.
type BookModel struct {
	Code   string `gorm:"primaryKey"`
	Title  string `gorm:"not null"`
	Author string `gorm:"not null"`
	Stock  int    `gorm:"not null;default:0"`
}

func (BookModel) TableName() string { return "books" }

type MemberModel struct {
	Code         string `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	PenaltyUntil *time.Time
}

func (MemberModel) TableName() string { return "members" }

type LoanModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	BookCode   string    `gorm:"not null;index"`
	MemberCode string    `gorm:"not null;index"`
	LoanDate   time.Time `gorm:"not null"`
	ReturnDate *time.Time
}

func (LoanModel) TableName() string { return "loans" }

type memberSummaryRow struct {
	Code         string
	Name         string
	PenaltyUntil *time.Time
	Borrowed     int
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{Code: m.Code, Title: m.Title, Author: m.Author, Stock: m.Stock}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{Code: b.Code, Title: b.Title, Author: b.Author, Stock: b.Stock}
}

func memberFromModel(m MemberModel) domain.Member {
	return domain.Member{Code: m.Code, Name: m.Name, PenaltyUntil: utcPtr(m.PenaltyUntil)}
}

func memberToModel(m domain.Member) MemberModel {
	return MemberModel{Code: m.Code, Name: m.Name, PenaltyUntil: utcPtr(m.PenaltyUntil)}
}

func loanFromModel(m LoanModel) domain.Loan {
	return domain.Loan{
		ID:         m.ID,
		BookCode:   m.BookCode,
		MemberCode: m.MemberCode,
		LoanDate:   m.LoanDate.UTC(),
		ReturnDate: utcPtr(m.ReturnDate),
	}
}

func loanToModel(l domain.Loan) LoanModel {
	return LoanModel{
		ID:         l.ID,
		BookCode:   l.BookCode,
		MemberCode: l.MemberCode,
		LoanDate:   l.LoanDate.UTC(),
		ReturnDate: utcPtr(l.ReturnDate),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
