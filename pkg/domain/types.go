package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan. Exactly one holds at a time.
type LoanStatus string

const (
	LoanActive       LoanStatus = "active"
	LoanReturned     LoanStatus = "returned"
	LoanOverdue      LoanStatus = "overdue"
	LoanReturnedLate LoanStatus = "returned_late"
	LoanLost         LoanStatus = "lost"
	LoanDamaged      LoanStatus = "damaged"
	LoanCancelled    LoanStatus = "cancelled"
)

// Open reports whether the status still has a copy checked out against
// inventory. Lost and damaged copies never come back, so they do not count.
func (s LoanStatus) Open() bool {
	return s == LoanActive || s == LoanOverdue
}

// Terminal reports whether the status ends the loan lifecycle.
func (s LoanStatus) Terminal() bool {
	switch s {
	case LoanReturned, LoanReturnedLate, LoanLost, LoanDamaged, LoanCancelled:
		return true
	}
	return false
}

// Book is the inventory side of circulation. TotalCopies and AvailableCopies
// move only through ReserveCopy, ReleaseCopy and AddCopies so that
// 0 <= AvailableCopies <= TotalCopies holds after every mutation.
type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	IsDeleted       bool      `json:"isDeleted"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// CopiesOnLoan is the number of copies currently checked out.
func (b *Book) CopiesOnLoan() int {
	return b.TotalCopies - b.AvailableCopies
}

// ReserveCopy claims one available copy for a new loan.
func (b *Book) ReserveCopy() error {
	if b.AvailableCopies == 0 {
		return ErrOutOfStock
	}
	if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
		return fmt.Errorf("%w: book %s has %d/%d copies", ErrInvariantViolation, b.ID, b.AvailableCopies, b.TotalCopies)
	}
	b.AvailableCopies--
	return nil
}

// ReleaseCopy puts a returned copy back on the shelf. Releasing when every
// copy is already in means a double release somewhere upstream.
func (b *Book) ReleaseCopy() error {
	if b.AvailableCopies >= b.TotalCopies {
		return fmt.Errorf("%w: release on book %s with %d/%d copies", ErrInvariantViolation, b.ID, b.AvailableCopies, b.TotalCopies)
	}
	if b.AvailableCopies < 0 {
		return fmt.Errorf("%w: book %s has %d available copies", ErrInvariantViolation, b.ID, b.AvailableCopies)
	}
	b.AvailableCopies++
	return nil
}

// AddCopies grows the inventory by n copies, all immediately available.
func (b *Book) AddCopies(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: copies to add must be positive, got %d", ErrInvalidArgument, n)
	}
	b.TotalCopies += n
	b.AvailableCopies += n
	return nil
}

// WriteOffCopy permanently removes one checked-out copy from the inventory
// after a loss or damage report. The available counter is untouched because
// the copy was out, not on the shelf.
func (b *Book) WriteOffCopy() error {
	if b.CopiesOnLoan() == 0 {
		return fmt.Errorf("%w: write-off on book %s with no copies on loan", ErrInvariantViolation, b.ID)
	}
	b.TotalCopies--
	return nil
}

// Member is referenced by circulation but owned elsewhere. The coordinator
// reads it for eligibility and touches OutstandingFees only to add or clear
// fees tied to a loan.
type Member struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	MembershipExpiresAt time.Time       `json:"membershipExpiresAt"`
	MaxBooksAllowed     int             `json:"maxBooksAllowed"`
	OutstandingFees     decimal.Decimal `json:"outstandingFees"`
	IsActive            bool            `json:"isActive"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// AddFee records a newly assessed fee against the member.
func (m *Member) AddFee(amount decimal.Decimal) {
	m.OutstandingFees = m.OutstandingFees.Add(amount)
}

// ClearFee settles a previously assessed fee. The balance never goes below
// zero even if bookkeeping drifted.
func (m *Member) ClearFee(amount decimal.Decimal) {
	m.OutstandingFees = m.OutstandingFees.Sub(amount)
	if m.OutstandingFees.IsNegative() {
		m.OutstandingFees = decimal.Zero
	}
}
