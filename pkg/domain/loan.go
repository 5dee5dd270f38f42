package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Loan is a single borrowing transaction. It references exactly one member
// and one book, fixed at creation. A loan is never deleted: it outlives the
// member and the book as circulation history.
type Loan struct {
	ID                 string           `json:"id"`
	MemberID           string           `json:"memberId"`
	BookID             string           `json:"bookId"`
	BorrowedAt         time.Time        `json:"borrowedAt"`
	DueDate            time.Time        `json:"dueDate"`
	ReturnedAt         *time.Time       `json:"returnedAt,omitempty"`
	Status             LoanStatus       `json:"status"`
	LateFee            *decimal.Decimal `json:"lateFee,omitempty"`
	IsFeePaid          bool             `json:"isFeePaid"`
	RenewalCount       int              `json:"renewalCount"`
	MaxRenewalsAllowed int              `json:"maxRenewalsAllowed"`
	LoanPeriod         time.Duration    `json:"-"`
	FeeDetail          map[string]any   `json:"feeDetail,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// NewLoan opens a loan starting at now. The due date is now plus the loan
// period.
func NewLoan(id, memberID, bookID string, now time.Time, period time.Duration, maxRenewals int) Loan {
	return Loan{
		ID:                 id,
		MemberID:           memberID,
		BookID:             bookID,
		BorrowedAt:         now,
		DueDate:            now.Add(period),
		Status:             LoanActive,
		RenewalCount:       0,
		MaxRenewalsAllowed: maxRenewals,
		LoanPeriod:         period,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// IsOverdue reports whether the loan is past due at the given instant.
// Returned loans are never overdue; lateness is frozen in the status.
func (l *Loan) IsOverdue(now time.Time) bool {
	if l.ReturnedAt != nil || l.Status.Terminal() {
		return false
	}
	return now.After(l.DueDate)
}

// DaysOverdue is the number of whole days the loan is past due at now,
// rounded up. Zero when the loan is not overdue.
func (l *Loan) DaysOverdue(now time.Time) int {
	if !l.IsOverdue(now) {
		return 0
	}
	return wholeDaysLate(l.DueDate, now)
}

// CanBeRenewed reports whether a renewal at now would be accepted, given
// the member's outstanding fee balance.
func (l *Loan) CanBeRenewed(now time.Time, outstandingFees decimal.Decimal) bool {
	if !l.Status.Open() {
		return false
	}
	if l.RenewalCount >= l.MaxRenewalsAllowed {
		return false
	}
	if l.IsOverdue(now) && outstandingFees.GreaterThan(MaxOutstandingFees) {
		return false
	}
	return true
}

// Renew extends the due date by one loan period and burns one renewal.
func (l *Loan) Renew(now time.Time, outstandingFees decimal.Decimal) error {
	if !l.Status.Open() {
		return ErrNotRenewable
	}
	if l.RenewalCount >= l.MaxRenewalsAllowed {
		return ErrRenewalLimitExceeded
	}
	if l.IsOverdue(now) && outstandingFees.GreaterThan(MaxOutstandingFees) {
		return ErrNotRenewable
	}
	l.RenewalCount++
	l.DueDate = l.DueDate.Add(l.period())
	l.Status = LoanActive
	l.UpdatedAt = now
	return nil
}

// Return closes the loan at now. A late return freezes the late fee into the
// loan; it does not keep growing afterwards.
func (l *Loan) Return(now time.Time) error {
	if l.ReturnedAt != nil || l.Status.Terminal() {
		return ErrAlreadyReturned
	}
	returnedAt := now
	l.ReturnedAt = &returnedAt
	if now.After(l.DueDate) {
		fee := CalculateLateFee(l.DueDate, now)
		l.LateFee = &fee
		l.Status = LoanReturnedLate
		l.FeeDetail = map[string]any{
			"reason":   "late_return",
			"daysLate": wholeDaysLate(l.DueDate, now),
			"dailyFee": DailyLateFee.String(),
		}
	} else {
		l.Status = LoanReturned
	}
	l.UpdatedAt = now
	return nil
}

// MarkLost closes the loan with a lost-book fee. The copy never comes back
// to inventory.
func (l *Loan) MarkLost(now time.Time) error {
	return l.closeWithFee(now, LoanLost, LostBookFee, "lost")
}

// MarkDamaged closes the loan with a damage fee. Same inventory rule as
// MarkLost.
func (l *Loan) MarkDamaged(now time.Time) error {
	return l.closeWithFee(now, LoanDamaged, DamagedBookFee, "damaged")
}

func (l *Loan) closeWithFee(now time.Time, status LoanStatus, fee decimal.Decimal, reason string) error {
	if l.ReturnedAt != nil || l.Status.Terminal() {
		return ErrAlreadyReturned
	}
	l.Status = status
	l.LateFee = &fee
	l.FeeDetail = map[string]any{"reason": reason, "fee": fee.String()}
	l.UpdatedAt = now
	return nil
}

// Cancel administratively voids a loan that was never renewed or returned.
func (l *Loan) Cancel(now time.Time) error {
	if l.Status.Terminal() {
		return ErrAlreadyReturned
	}
	if l.RenewalCount > 0 {
		return ErrNotCancellable
	}
	l.Status = LoanCancelled
	l.UpdatedAt = now
	return nil
}

// PayFee settles the assessed fee. Partial payments are not accepted; the
// amount must match the assessed fee exactly.
func (l *Loan) PayFee(amount decimal.Decimal, now time.Time) error {
	if l.LateFee == nil || l.LateFee.IsZero() {
		return ErrNoFeeOwed
	}
	if l.IsFeePaid {
		return ErrFeeAlreadyPaid
	}
	if !amount.Equal(*l.LateFee) {
		return fmt.Errorf("%w: owed %s, got %s", ErrInvalidAmount, l.LateFee.String(), amount.String())
	}
	l.IsFeePaid = true
	l.UpdatedAt = now
	return nil
}

// MarkOverdue persists the observed overdue state. Used only by the sweep;
// reads should prefer IsOverdue.
func (l *Loan) MarkOverdue(now time.Time) error {
	if !l.IsOverdue(now) {
		return ErrInvalidArgument
	}
	if l.Status != LoanActive {
		return nil
	}
	l.Status = LoanOverdue
	l.UpdatedAt = now
	return nil
}

func (l *Loan) period() time.Duration {
	if l.LoanPeriod > 0 {
		return l.LoanPeriod
	}
	return DefaultLoanPeriod
}
