package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"libraryloan/pkg/domain"
)

// MemoryStore keeps books, members and loans in-process. Transactions are
// serialised by a single mutex and roll back by restoring a snapshot.
type MemoryStore struct {
	mu      sync.Mutex
	books   map[string]domain.Book
	members map[string]domain.Member
	loans   []domain.Loan
	nextID  int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[string]domain.Book),
		members: make(map[string]domain.Member),
		nextID:  1,
	}
}

// PutBook stores or replaces a book.
func (m *MemoryStore) PutBook(b domain.Book) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.Code] = b
}

// PutMember stores or replaces a member.
func (m *MemoryStore) PutMember(mem domain.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem.PenaltyUntil = utcPtr(mem.PenaltyUntil)
	m.members[mem.Code] = mem
}

// PutLoan stores a loan as-is and returns its id. A zero ID is assigned the
// next sequence value. Open-loan uniqueness is not checked.
func (m *MemoryStore) PutLoan(l domain.Loan) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == 0 {
		l.ID = m.nextID
	}
	if l.ID >= m.nextID {
		m.nextID = l.ID + 1
	}
	m.loans = append(m.loans, l)
	return l.ID
}

// Member returns a copy of the stored member.
func (m *MemoryStore) Member(code string) (domain.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[code]
	return mem, ok
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// ListAvailableBooks returns books without an open loan, ordered by code.
func (m *MemoryStore) ListAvailableBooks(context.Context) ([]domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lent := make(map[string]bool)
	for _, l := range m.loans {
		if l.Open() {
			lent[l.BookCode] = true
		}
	}
	res := make([]domain.Book, 0, len(m.books))
	for code, b := range m.books {
		if !lent[code] {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

// ListMemberSummaries returns every member with its open-loan count.
func (m *MemoryStore) ListMemberSummaries(context.Context) ([]domain.MemberSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	borrowed := make(map[string]int)
	for _, l := range m.loans {
		if l.Open() {
			borrowed[l.MemberCode]++
		}
	}
	res := make([]domain.MemberSummary, 0, len(m.members))
	for code, mem := range m.members {
		res = append(res, domain.MemberSummary{
			Code:         code,
			Name:         mem.Name,
			PenaltyUntil: mem.PenaltyUntil,
			Borrowed:     borrowed[code],
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

// ListLoans returns all loans, most recent id first.
func (m *MemoryStore) ListLoans(context.Context) ([]domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Loan, len(m.loans))
	copy(res, m.loans)
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

// WithinTx holds the store lock for the duration of fn.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make(map[string]domain.Member, len(m.members))
	for k, v := range m.members {
		members[k] = v
	}
	loans := make([]domain.Loan, len(m.loans))
	copy(loans, m.loans)
	nextID := m.nextID

	if err := fn(&memoryTx{m: m}); err != nil {
		m.members = members
		m.loans = loans
		m.nextID = nextID
		return err
	}
	return nil
}

// memoryTx operates on the store while WithinTx holds its lock.
type memoryTx struct {
	m *MemoryStore
}

func (t *memoryTx) LockMember(code string) (domain.Member, bool, error) {
	mem, ok := t.m.members[code]
	return mem, ok, nil
}

func (t *memoryTx) LockBook(code string) (domain.Book, bool, error) {
	b, ok := t.m.books[code]
	return b, ok, nil
}

func (t *memoryTx) CountOpenLoansByMember(memberCode string) (int, error) {
	n := 0
	for _, l := range t.m.loans {
		if l.MemberCode == memberCode && l.Open() {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) HasOpenLoanForBook(bookCode string) (bool, error) {
	for _, l := range t.m.loans {
		if l.BookCode == bookCode && l.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) FindOpenLoan(bookCode, memberCode string) (domain.Loan, bool, error) {
	for _, l := range t.m.loans {
		if l.BookCode == bookCode && l.MemberCode == memberCode && l.Open() {
			return l, true, nil
		}
	}
	return domain.Loan{}, false, nil
}

func (t *memoryTx) InsertLoan(loan domain.Loan) (int64, error) {
	if open, _ := t.HasOpenLoanForBook(loan.BookCode); open && loan.Open() {
		return 0, ErrOpenLoanConflict
	}
	loan.ID = t.m.nextID
	t.m.nextID++
	loan.LoanDate = loan.LoanDate.UTC()
	loan.ReturnDate = utcPtr(loan.ReturnDate)
	t.m.loans = append(t.m.loans, loan)
	return loan.ID, nil
}

func (t *memoryTx) CloseLoan(id int64, returnedAt time.Time) error {
	for i := range t.m.loans {
		if t.m.loans[i].ID != id {
			continue
		}
		if !t.m.loans[i].Open() {
			return ErrLoanAlreadyClosed
		}
		ts := returnedAt.UTC()
		t.m.loans[i].ReturnDate = &ts
		return nil
	}
	return ErrLoanAlreadyClosed
}

func (t *memoryTx) SetMemberPenalty(memberCode string, until time.Time) error {
	mem, ok := t.m.members[memberCode]
	if !ok {
		return nil
	}
	u := until.UTC()
	mem.PenaltyUntil = &u
	t.m.members[memberCode] = mem
	return nil
}
