package store

import (
	"context"
	"time"

	"circulator/pkg/domain"
)

// Store defines persistence for books, members and loans.
//
// Plain reads see committed state only. Every circulation mutation goes
// through WithTx so that book counters and loan transitions commit or roll
// back as one unit.
type Store interface {
	// WithTx runs fn inside a single transaction. If fn returns an error
	// nothing it did is observable, to this caller or any concurrent one.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	GetMember(ctx context.Context, id string) (domain.Member, bool, error)
	GetLoan(ctx context.Context, id string) (domain.Loan, bool, error)
	ListLoansByMember(ctx context.Context, memberID string) ([]domain.Loan, error)
	ListOpenLoans(ctx context.Context) ([]domain.Loan, error)

	// Seeding writes for the catalog/member collaborators. Full CRUD for
	// those aggregates lives outside circulation.
	CreateBook(ctx context.Context, b domain.Book) error
	CreateMember(ctx context.Context, m domain.Member) error
}

// Tx is the unit-of-work view handed to a WithTx closure. All repositories
// share the one transaction, so a handle can never be forgotten on a call.
//
// The ForUpdate reads take a row lock (SELECT ... FOR UPDATE); two
// transactions contending for the same book or loan serialize on it.
type Tx interface {
	BookForUpdate(ctx context.Context, id string) (domain.Book, bool, error)
	MemberForUpdate(ctx context.Context, id string) (domain.Member, bool, error)
	LoanForUpdate(ctx context.Context, id string) (domain.Loan, bool, error)

	SaveBook(ctx context.Context, b domain.Book) error
	SaveMember(ctx context.Context, m domain.Member) error
	SaveLoan(ctx context.Context, l domain.Loan) error

	// CountOpenLoansByMember counts this member's loans with an open status
	// (active or overdue), as seen by this transaction.
	CountOpenLoansByMember(ctx context.Context, memberID string) (int, error)

	// CountOpenLoansByBook counts open loans against a book. Used by the
	// soft-delete precondition.
	CountOpenLoansByBook(ctx context.Context, bookID string) (int, error)

	// ListDueLoans returns active loans whose due date is before the cutoff.
	// The overdue sweep marks these.
	ListDueLoans(ctx context.Context, before time.Time) ([]domain.Loan, error)
}
