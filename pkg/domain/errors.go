package domain

import "errors"

// Business-rule failures. They are terminal: callers must not retry them.
var (
	// ErrOutOfStock indicates the book has no available copies to lend.
	ErrOutOfStock = errors.New("no copies available")

	// ErrMemberIneligible indicates the member may not borrow right now
	// (inactive, expired membership, fees over the threshold, or at the
	// borrow limit).
	ErrMemberIneligible = errors.New("member not eligible to borrow")

	// ErrRenewalLimitExceeded indicates the loan has used up all renewals.
	ErrRenewalLimitExceeded = errors.New("renewal limit exceeded")

	// ErrNotRenewable indicates the loan is not in a renewable state.
	ErrNotRenewable = errors.New("loan not renewable")

	// ErrAlreadyReturned indicates the loan already reached a terminal state.
	ErrAlreadyReturned = errors.New("loan already closed")

	// ErrNotCancellable indicates the loan was renewed or closed and can no
	// longer be administratively cancelled.
	ErrNotCancellable = errors.New("loan not cancellable")

	// ErrNoFeeOwed indicates a payment was attempted on a loan without a fee.
	ErrNoFeeOwed = errors.New("no fee owed on loan")

	// ErrInvalidAmount indicates a payment amount that does not match the
	// assessed fee exactly.
	ErrInvalidAmount = errors.New("payment amount does not match fee")

	// ErrFeeAlreadyPaid indicates the loan fee was already settled.
	ErrFeeAlreadyPaid = errors.New("fee already paid")

	// ErrBookOnLoan indicates a book cannot be deleted while copies are out.
	ErrBookOnLoan = errors.New("book has copies on loan")
)

// ErrNotFound indicates a referenced book, member or loan does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidArgument indicates bad input rejected before any transaction.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrInvariantViolation signals an internal consistency bug, such as an
// available-copies counter that would go negative or exceed the total.
// It always aborts the surrounding transaction and is never corrected
// silently.
var ErrInvariantViolation = errors.New("inventory invariant violation")
