package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryloan/pkg/domain"
	"libraryloan/pkg/lending"
	"libraryloan/pkg/store"
)

var clock = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newMemoryApp(t *testing.T) (*App, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.PutBook(domain.Book{Code: "JK-45", Title: "Harry Potter", Author: "J.K Rowling", Stock: 1})
	mem.PutBook(domain.Book{Code: "SHR-1", Title: "A Study in Scarlet", Author: "Arthur Conan Doyle", Stock: 1})
	mem.PutMember(domain.Member{Code: "M001", Name: "Angga"})
	mem.PutMember(domain.Member{Code: "M003", Name: "Putri"})
	a, err := New(Config{Store: mem, Now: func() time.Time { return clock }})
	require.NoError(t, err)
	return a, mem
}

func TestNewRequiresDatabaseURLWithoutStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewOpensPostgresFromDatabaseURL(t *testing.T) {
	_, err := New(Config{DatabaseURL: "postgres://library@127.0.0.1:1/library?sslmode=disable&connect_timeout=2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init postgres store")
}

type closeCountingStore struct {
	*store.MemoryStore
	closed int
}

func (s *closeCountingStore) Close() error {
	s.closed++
	return nil
}

func TestCloseReleasesStore(t *testing.T) {
	cs := &closeCountingStore{MemoryStore: store.NewMemoryStore()}
	a, err := New(Config{Store: cs})
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.Equal(t, 1, cs.closed)
}

func TestCreateLoanTrimsCodes(t *testing.T) {
	a, _ := newMemoryApp(t)

	loan, err := a.CreateLoan(context.Background(), "  JK-45 ", "\tM001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loan.ID)
	assert.Equal(t, "JK-45", loan.BookCode)
	assert.Equal(t, "M001", loan.MemberCode)
	assert.Equal(t, clock, loan.LoanDate)
	assert.True(t, loan.Open())
}

func TestValidationReportsEveryMissingField(t *testing.T) {
	a, _ := newMemoryApp(t)

	_, err := a.CreateLoan(context.Background(), "", "  ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []FieldError{
		{Field: "book_code", Message: "book_code is required"},
		{Field: "member_code", Message: "member_code is required"},
	}, verr.Fields)

	_, err = a.ReturnLoan(context.Background(), "JK-45", "")
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 1)
	assert.Equal(t, "member_code", verr.Fields[0].Field)
}

func TestReturnAppliesPenaltyFromReturnTime(t *testing.T) {
	a, mem := newMemoryApp(t)
	mem.PutLoan(domain.Loan{BookCode: "JK-45", MemberCode: "M001", LoanDate: clock.Add(-8 * 24 * time.Hour)})

	res, err := a.ReturnLoan(context.Background(), "JK-45", "M001")
	require.NoError(t, err)
	assert.True(t, res.Penalized)
	require.NotNil(t, res.PenaltyUntil)
	assert.Equal(t, clock.Add(lending.PenaltyDuration), *res.PenaltyUntil)
	require.NotNil(t, res.Loan.ReturnDate)
	assert.Equal(t, clock, *res.Loan.ReturnDate)

	m, ok := mem.Member("M001")
	require.True(t, ok)
	require.NotNil(t, m.PenaltyUntil)
	assert.Equal(t, clock.Add(lending.PenaltyDuration), *m.PenaltyUntil)

	_, err = a.CreateLoan(context.Background(), "SHR-1", "M001")
	var pe *lending.PenaltyError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, lending.ErrForbidden)
}

func TestReturnOnTimeLeavesMemberUnpenalized(t *testing.T) {
	a, mem := newMemoryApp(t)
	mem.PutLoan(domain.Loan{BookCode: "JK-45", MemberCode: "M001", LoanDate: clock.Add(-7 * 24 * time.Hour)})

	res, err := a.ReturnLoan(context.Background(), "JK-45", "M001")
	require.NoError(t, err)
	assert.False(t, res.Penalized)
	assert.Nil(t, res.PenaltyUntil)

	m, _ := mem.Member("M001")
	assert.Nil(t, m.PenaltyUntil)
}

func TestReturnWithoutOpenLoan(t *testing.T) {
	a, _ := newMemoryApp(t)

	_, err := a.ReturnLoan(context.Background(), "JK-45", "M003")
	var nf *lending.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, lending.EntityOpenLoan, nf.Entity)
}

func TestConcurrentBorrowsOfOneBook(t *testing.T) {
	a, mem := newMemoryApp(t)
	for _, code := range []string{"M010", "M011", "M012", "M013", "M014", "M015"} {
		mem.PutMember(domain.Member{Code: code, Name: code})
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		refused int
	)
	for _, code := range []string{"M010", "M011", "M012", "M013", "M014", "M015"} {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			_, err := a.CreateLoan(context.Background(), "JK-45", member)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, lending.ErrBookUnavailable):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(code)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 5, refused)
}

func TestConcurrentBorrowsRespectLimit(t *testing.T) {
	a, mem := newMemoryApp(t)
	for _, code := range []string{"B1", "B2", "B3", "B4", "B5"} {
		mem.PutBook(domain.Book{Code: code, Title: code, Author: "x", Stock: 1})
	}

	var wg sync.WaitGroup
	for _, code := range []string{"B1", "B2", "B3", "B4", "B5"} {
		wg.Add(1)
		go func(book string) {
			defer wg.Done()
			_, _ = a.CreateLoan(context.Background(), book, "M003")
		}(code)
	}
	wg.Wait()

	members, err := a.ListMembers(context.Background())
	require.NoError(t, err)
	for _, m := range members {
		if m.Code == "M003" {
			assert.Equal(t, lending.BorrowLimit, m.Borrowed)
		}
	}
}

// stubStore drives the app through store failures the memory store cannot
// produce on its own.
type stubStore struct {
	*store.MemoryStore
	tx *stubTx
}

func (s stubStore) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.MemoryStore.WithinTx(ctx, func(inner store.Tx) error {
		s.tx.Tx = inner
		return fn(s.tx)
	})
}

func (s stubStore) ListLoans(context.Context) ([]domain.Loan, error) {
	return nil, errors.New("pq: relation \"loans\" does not exist")
}

type stubTx struct {
	store.Tx
	insertErr  error
	closeErr   error
	countErr   error
	penaltyErr error
}

func (t *stubTx) InsertLoan(loan domain.Loan) (int64, error) {
	if t.insertErr != nil {
		return 0, t.insertErr
	}
	return t.Tx.InsertLoan(loan)
}

func (t *stubTx) CloseLoan(id int64, at time.Time) error {
	if t.closeErr != nil {
		return t.closeErr
	}
	return t.Tx.CloseLoan(id, at)
}

func (t *stubTx) CountOpenLoansByMember(code string) (int, error) {
	if t.countErr != nil {
		return 0, t.countErr
	}
	return t.Tx.CountOpenLoansByMember(code)
}

func (t *stubTx) SetMemberPenalty(code string, until time.Time) error {
	if t.penaltyErr != nil {
		return t.penaltyErr
	}
	return t.Tx.SetMemberPenalty(code, until)
}

func newStubApp(t *testing.T, tx *stubTx) (*App, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.PutBook(domain.Book{Code: "JK-45", Title: "Harry Potter", Author: "J.K Rowling", Stock: 1})
	mem.PutMember(domain.Member{Code: "M001", Name: "Angga"})
	a, err := New(Config{Store: stubStore{MemoryStore: mem, tx: tx}, Now: func() time.Time { return clock }})
	require.NoError(t, err)
	return a, mem
}

func TestInsertConflictFailsClosed(t *testing.T) {
	a, _ := newStubApp(t, &stubTx{insertErr: store.ErrOpenLoanConflict})

	_, err := a.CreateLoan(context.Background(), "JK-45", "M001")
	assert.ErrorIs(t, err, lending.ErrBookUnavailable)
	assert.ErrorIs(t, err, lending.ErrPolicyViolation)
}

func TestCloseRaceReportsNoOpenLoan(t *testing.T) {
	a, mem := newStubApp(t, &stubTx{closeErr: store.ErrLoanAlreadyClosed})
	mem.PutLoan(domain.Loan{BookCode: "JK-45", MemberCode: "M001", LoanDate: clock.Add(-time.Hour)})

	_, err := a.ReturnLoan(context.Background(), "JK-45", "M001")
	assert.ErrorIs(t, err, lending.ErrNotFound)
}

func TestStorageFailuresAreWrapped(t *testing.T) {
	driverErr := errors.New("connection reset by peer")

	a, _ := newStubApp(t, &stubTx{countErr: driverErr})
	_, err := a.CreateLoan(context.Background(), "JK-45", "M001")
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "error counting member loans", se.Op)
	assert.ErrorIs(t, err, driverErr)

	a, _ = newStubApp(t, &stubTx{insertErr: driverErr})
	_, err = a.CreateLoan(context.Background(), "JK-45", "M001")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "error creating loan", se.Op)

	_, err = a.ListLoans(context.Background())
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "error listing loans", se.Op)
}

func TestPenaltyFailureRollsBackReturn(t *testing.T) {
	a, mem := newStubApp(t, &stubTx{penaltyErr: errors.New("deadlock detected")})
	mem.PutLoan(domain.Loan{BookCode: "JK-45", MemberCode: "M001", LoanDate: clock.Add(-10 * 24 * time.Hour)})

	_, err := a.ReturnLoan(context.Background(), "JK-45", "M001")
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "error assigning member penalty", se.Op)

	loans, err := mem.ListLoans(context.Background())
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.True(t, loans[0].Open(), "loan must stay open when the penalty write fails")
}
