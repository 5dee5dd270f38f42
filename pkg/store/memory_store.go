package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"circulator/pkg/domain"
)

// MemoryStore keeps circulation state in-process. Transactions are
// serialized by one mutex and staged until commit, so a failed closure
// leaves no trace — the same commit-or-nothing contract the Postgres store
// gets from real transactions. Used by tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	books   map[string]domain.Book
	members map[string]domain.Member
	loans   map[string]domain.Loan
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[string]domain.Book),
		members: make(map[string]domain.Member),
		loans:   make(map[string]domain.Loan),
	}
}

// WithTx runs fn against a staged view. Writes apply to the base maps only
// when fn returns nil.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		base:    m,
		books:   make(map[string]domain.Book),
		members: make(map[string]domain.Member),
		loans:   make(map[string]domain.Loan),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, b := range tx.books {
		m.books[id] = b
	}
	for id, mem := range tx.members {
		m.members[id] = mem
	}
	for id, l := range tx.loans {
		m.loans[id] = l
	}
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// GetMember retrieves a member by ID.
func (m *MemoryStore) GetMember(_ context.Context, id string) (domain.Member, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	return mem, ok, nil
}

// GetLoan retrieves a loan by ID.
func (m *MemoryStore) GetLoan(_ context.Context, id string) (domain.Loan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	return cloneLoan(l), ok, nil
}

// ListLoansByMember returns the member's loans, newest first.
func (m *MemoryStore) ListLoansByMember(_ context.Context, memberID string) ([]domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Loan, 0)
	for _, l := range m.loans {
		if l.MemberID == memberID {
			res = append(res, cloneLoan(l))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].BorrowedAt.After(res[j].BorrowedAt) })
	return res, nil
}

// ListOpenLoans returns all loans still holding a copy, due first.
func (m *MemoryStore) ListOpenLoans(_ context.Context) ([]domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Loan, 0)
	for _, l := range m.loans {
		if l.Status.Open() {
			res = append(res, cloneLoan(l))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DueDate.Before(res[j].DueDate) })
	return res, nil
}

// CreateBook inserts a new book.
func (m *MemoryStore) CreateBook(_ context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.ID] = b
	return nil
}

// CreateMember inserts a new member.
func (m *MemoryStore) CreateMember(_ context.Context, mem domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[mem.ID] = mem
	return nil
}

// memTx stages writes on top of the base maps. The base mutex is already
// held for the duration of the transaction.
type memTx struct {
	base    *MemoryStore
	books   map[string]domain.Book
	members map[string]domain.Member
	loans   map[string]domain.Loan
}

func (t *memTx) BookForUpdate(_ context.Context, id string) (domain.Book, bool, error) {
	if b, ok := t.books[id]; ok {
		return b, true, nil
	}
	b, ok := t.base.books[id]
	return b, ok, nil
}

func (t *memTx) MemberForUpdate(_ context.Context, id string) (domain.Member, bool, error) {
	if m, ok := t.members[id]; ok {
		return m, true, nil
	}
	m, ok := t.base.members[id]
	return m, ok, nil
}

func (t *memTx) LoanForUpdate(_ context.Context, id string) (domain.Loan, bool, error) {
	if l, ok := t.loans[id]; ok {
		return cloneLoan(l), true, nil
	}
	l, ok := t.base.loans[id]
	return cloneLoan(l), ok, nil
}

func (t *memTx) SaveBook(_ context.Context, b domain.Book) error {
	t.books[b.ID] = b
	return nil
}

func (t *memTx) SaveMember(_ context.Context, m domain.Member) error {
	t.members[m.ID] = m
	return nil
}

func (t *memTx) SaveLoan(_ context.Context, l domain.Loan) error {
	t.loans[l.ID] = cloneLoan(l)
	return nil
}

func (t *memTx) CountOpenLoansByMember(_ context.Context, memberID string) (int, error) {
	count := 0
	for _, l := range t.visibleLoans() {
		if l.MemberID == memberID && l.Status.Open() {
			count++
		}
	}
	return count, nil
}

func (t *memTx) CountOpenLoansByBook(_ context.Context, bookID string) (int, error) {
	count := 0
	for _, l := range t.visibleLoans() {
		if l.BookID == bookID && l.Status.Open() {
			count++
		}
	}
	return count, nil
}

func (t *memTx) ListDueLoans(_ context.Context, before time.Time) ([]domain.Loan, error) {
	res := make([]domain.Loan, 0)
	for _, l := range t.visibleLoans() {
		if l.Status == domain.LoanActive && l.DueDate.Before(before) {
			res = append(res, cloneLoan(l))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DueDate.Before(res[j].DueDate) })
	return res, nil
}

// visibleLoans merges staged loans over committed ones.
func (t *memTx) visibleLoans() map[string]domain.Loan {
	merged := make(map[string]domain.Loan, len(t.base.loans)+len(t.loans))
	for id, l := range t.base.loans {
		merged[id] = l
	}
	for id, l := range t.loans {
		merged[id] = l
	}
	return merged
}

// cloneLoan copies the loan's pointer fields so callers cannot mutate
// stored state in place.
func cloneLoan(l domain.Loan) domain.Loan {
	out := l
	if l.ReturnedAt != nil {
		at := *l.ReturnedAt
		out.ReturnedAt = &at
	}
	if l.LateFee != nil {
		fee := *l.LateFee
		out.LateFee = &fee
	}
	if l.FeeDetail != nil {
		detail := make(map[string]any, len(l.FeeDetail))
		for k, v := range l.FeeDetail {
			detail[k] = v
		}
		out.FeeDetail = detail
	}
	return out
}
