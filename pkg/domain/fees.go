package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Circulation policy defaults. The coordinator can override loan period and
// renewal count per configuration; the fee schedule is fixed.
var (
	// DailyLateFee accrues per whole day a return is late.
	DailyLateFee = decimal.NewFromFloat(0.50)

	// LostBookFee is the flat replacement fee for a lost copy.
	LostBookFee = decimal.NewFromFloat(25.00)

	// DamagedBookFee is the flat fee for a copy returned in reported-damaged
	// condition.
	DamagedBookFee = decimal.NewFromFloat(10.00)

	// MaxOutstandingFees is the inclusive threshold above which a member may
	// not borrow. A balance of exactly 10.00 still borrows.
	MaxOutstandingFees = decimal.NewFromFloat(10.00)
)

const (
	// DefaultLoanPeriod is how long a copy is out before it is due.
	DefaultLoanPeriod = 14 * 24 * time.Hour

	// DefaultMaxRenewals is how many times a loan can be extended.
	DefaultMaxRenewals = 2
)

// CalculateLateFee is the fee for returning at returnedAt against dueDate.
// Zero when the return is on or before the due date. Partial days count as
// a full day.
func CalculateLateFee(dueDate, returnedAt time.Time) decimal.Decimal {
	days := wholeDaysLate(dueDate, returnedAt)
	if days == 0 {
		return decimal.Zero
	}
	return DailyLateFee.Mul(decimal.NewFromInt(int64(days)))
}

// wholeDaysLate rounds the lateness up to whole days, never below zero.
func wholeDaysLate(dueDate, at time.Time) int {
	if !at.After(dueDate) {
		return 0
	}
	late := at.Sub(dueDate)
	days := int(late / (24 * time.Hour))
	if late%(24*time.Hour) > 0 {
		days++
	}
	return days
}
