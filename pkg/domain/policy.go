package domain

import "time"

// CanBorrowBooks evaluates borrow eligibility against a snapshot of the
// member and their current open-loan count. Pure; no clock access.
func CanBorrowBooks(m Member, activeLoans int, now time.Time) bool {
	if !m.IsActive {
		return false
	}
	if !m.MembershipExpiresAt.After(now) {
		return false
	}
	if m.OutstandingFees.GreaterThan(MaxOutstandingFees) {
		return false
	}
	if activeLoans >= m.MaxBooksAllowed {
		return false
	}
	return true
}

// CanRenew evaluates renewal eligibility for a loan held by a member.
func CanRenew(l Loan, m Member, now time.Time) bool {
	return l.CanBeRenewed(now, m.OutstandingFees)
}
