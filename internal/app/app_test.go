package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"circulator/pkg/domain"
	"circulator/pkg/queue"
	"circulator/pkg/store"
)

var epoch = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// testClock is a settable clock for deterministic overdue and fee tests.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// noticeSpy records published notices.
type noticeSpy struct {
	mu      sync.Mutex
	notices []queue.Notice
}

func (s *noticeSpy) Publish(_ context.Context, n queue.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return nil
}

func (s *noticeSpy) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.notices))
	for _, n := range s.notices {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	app    *App
	store  *store.MemoryStore
	clock  *testClock
	spy    *noticeSpy
	book   domain.Book
	member domain.Member
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: epoch}
	spy := &noticeSpy{}
	mem := store.NewMemoryStore()
	a, err := New(Config{Store: mem, Notices: spy, Now: clock.Now})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	book, err := a.CreateBook(ctx, "The Mythical Man-Month", 2)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	member, err := a.CreateMember(ctx, "Ada", 3, epoch.Add(365*24*time.Hour))
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	return &fixture{app: a, store: mem, clock: clock, spy: spy, book: book, member: member, ctx: ctx}
}

// mustCheckInventory asserts the cross-aggregate invariant: the book's
// copies-on-loan counter equals its open loan count.
func (f *fixture) mustCheckInventory(t *testing.T, bookID string) {
	t.Helper()
	book, ok, err := f.store.GetBook(f.ctx, bookID)
	if err != nil || !ok {
		t.Fatalf("get book: ok=%v err=%v", ok, err)
	}
	if book.AvailableCopies < 0 || book.AvailableCopies > book.TotalCopies {
		t.Fatalf("counter invariant broken: %d/%d", book.AvailableCopies, book.TotalCopies)
	}
	open := 0
	loans, err := f.store.ListOpenLoans(f.ctx)
	if err != nil {
		t.Fatalf("list open loans: %v", err)
	}
	for _, l := range loans {
		if l.BookID == bookID {
			open++
		}
	}
	if book.CopiesOnLoan() != open {
		t.Fatalf("copies on loan %d != open loans %d", book.CopiesOnLoan(), open)
	}
}

func TestCreateLoan(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if loan.MemberID != f.member.ID || loan.BookID != f.book.ID {
		t.Fatalf("loan references wrong aggregates: %+v", loan)
	}
	if !loan.DueDate.Equal(epoch.Add(domain.DefaultLoanPeriod)) {
		t.Fatalf("unexpected due date %v", loan.DueDate)
	}
	book, _, _ := f.store.GetBook(f.ctx, f.book.ID)
	if book.AvailableCopies != 1 {
		t.Fatalf("expected one copy reserved, available=%d", book.AvailableCopies)
	}
	f.mustCheckInventory(t, f.book.ID)
	if kinds := f.spy.kinds(); len(kinds) != 1 || kinds[0] != queue.NoticeLoanCreated {
		t.Fatalf("expected loan.created notice, got %v", kinds)
	}
}

func TestCreateLoanUnknownMemberOrBook(t *testing.T) {
	f := newFixture(t)
	if _, err := f.app.CreateLoan(f.ctx, "nope", f.book.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for member, got %v", err)
	}
	if _, err := f.app.CreateLoan(f.ctx, f.member.ID, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for book, got %v", err)
	}
	if _, err := f.app.CreateLoan(f.ctx, "", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty ids, got %v", err)
	}
}

func TestCreateLoanOutOfStock(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		if _, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID); err != nil {
			t.Fatalf("loan %d: %v", i, err)
		}
	}
	_, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	f.mustCheckInventory(t, f.book.ID)
}

func TestCreateLoanIneligibleMember(t *testing.T) {
	f := newFixture(t)

	frozen, err := f.app.CreateMember(f.ctx, "Frozen", 3, epoch.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	f.clock.Advance(48 * time.Hour) // membership expired
	if _, err := f.app.CreateLoan(f.ctx, frozen.ID, f.book.ID); !errors.Is(err, domain.ErrMemberIneligible) {
		t.Fatalf("expected ErrMemberIneligible for expired membership, got %v", err)
	}
	book, _, _ := f.store.GetBook(f.ctx, f.book.ID)
	if book.AvailableCopies != 2 {
		t.Fatalf("failed eligibility must not touch inventory, available=%d", book.AvailableCopies)
	}
}

func TestCreateLoanAtBorrowLimit(t *testing.T) {
	f := newFixture(t)
	limited, err := f.app.CreateMember(f.ctx, "One-at-a-time", 1, epoch.Add(365*24*time.Hour))
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	if _, err := f.app.CreateLoan(f.ctx, limited.ID, f.book.ID); err != nil {
		t.Fatalf("first loan: %v", err)
	}
	if _, err := f.app.CreateLoan(f.ctx, limited.ID, f.book.ID); !errors.Is(err, domain.ErrMemberIneligible) {
		t.Fatalf("expected ErrMemberIneligible at limit, got %v", err)
	}
}

func TestReturnLoanRoundTrip(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	f.clock.Advance(24 * time.Hour)
	returned, err := f.app.ReturnLoan(f.ctx, loan.ID)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if returned.Status != domain.LoanReturned {
		t.Fatalf("expected returned, got %s", returned.Status)
	}
	book, _, _ := f.store.GetBook(f.ctx, f.book.ID)
	if book.AvailableCopies != f.book.AvailableCopies {
		t.Fatalf("create+return must restore availability: %d != %d", book.AvailableCopies, f.book.AvailableCopies)
	}
	f.mustCheckInventory(t, f.book.ID)
	if _, err := f.app.ReturnLoan(f.ctx, loan.ID); !errors.Is(err, domain.ErrAlreadyReturned) {
		t.Fatalf("expected ErrAlreadyReturned, got %v", err)
	}
}

func TestReturnLoanLateAssessesFee(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	f.clock.Advance(20 * 24 * time.Hour) // due day 14, returned day 20
	returned, err := f.app.ReturnLoan(f.ctx, loan.ID)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if returned.Status != domain.LoanReturnedLate {
		t.Fatalf("expected returned_late, got %s", returned.Status)
	}
	want := decimal.NewFromFloat(3.00)
	if returned.LateFee == nil || !returned.LateFee.Equal(want) {
		t.Fatalf("expected fee 3.00, got %v", returned.LateFee)
	}
	member, _, _ := f.store.GetMember(f.ctx, f.member.ID)
	if !member.OutstandingFees.Equal(want) {
		t.Fatalf("fee must land on the member balance, got %s", member.OutstandingFees)
	}
	kinds := f.spy.kinds()
	if len(kinds) != 3 || kinds[1] != queue.NoticeLoanReturned || kinds[2] != queue.NoticeFeeAssessed {
		t.Fatalf("expected returned + fee.assessed notices, got %v", kinds)
	}
}

func TestRenewLoan(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	renewed, err := f.app.RenewLoan(f.ctx, loan.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.RenewalCount != 1 {
		t.Fatalf("expected one renewal, got %d", renewed.RenewalCount)
	}
	if !renewed.DueDate.Equal(loan.DueDate.Add(domain.DefaultLoanPeriod)) {
		t.Fatalf("unexpected due date %v", renewed.DueDate)
	}
	book, _, _ := f.store.GetBook(f.ctx, f.book.ID)
	if book.AvailableCopies != 1 {
		t.Fatalf("renewal must not touch inventory, available=%d", book.AvailableCopies)
	}
}

func TestRenewLoanLimit(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	for i := 0; i < domain.DefaultMaxRenewals; i++ {
		if _, err := f.app.RenewLoan(f.ctx, loan.ID); err != nil {
			t.Fatalf("renew %d: %v", i, err)
		}
	}
	if _, err := f.app.RenewLoan(f.ctx, loan.ID); !errors.Is(err, domain.ErrRenewalLimitExceeded) {
		t.Fatalf("expected ErrRenewalLimitExceeded, got %v", err)
	}
}

func TestReportLostKeepsCopyOut(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	lost, err := f.app.ReportLost(f.ctx, loan.ID)
	if err != nil {
		t.Fatalf("report lost: %v", err)
	}
	if lost.Status != domain.LoanLost {
		t.Fatalf("expected lost, got %s", lost.Status)
	}
	if lost.LateFee == nil || !lost.LateFee.Equal(domain.LostBookFee) {
		t.Fatalf("expected lost fee, got %v", lost.LateFee)
	}
	book, _, _ := f.store.GetBook(f.ctx, f.book.ID)
	if book.AvailableCopies != 1 {
		t.Fatalf("lost copy must not return to shelf, available=%d", book.AvailableCopies)
	}
	member, _, _ := f.store.GetMember(f.ctx, f.member.ID)
	if !member.OutstandingFees.Equal(domain.LostBookFee) {
		t.Fatalf("lost fee must land on the member, got %s", member.OutstandingFees)
	}

	// Reconcile the inventory with an explicit write-off.
	written, err := f.app.WriteOffCopy(f.ctx, f.book.ID)
	if err != nil {
		t.Fatalf("write off: %v", err)
	}
	if written.TotalCopies != 1 || written.AvailableCopies != 1 {
		t.Fatalf("expected 1/1 after write-off, got %d/%d", written.AvailableCopies, written.TotalCopies)
	}
	f.mustCheckInventory(t, f.book.ID)
}

func TestReportDamaged(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	damaged, err := f.app.ReportDamaged(f.ctx, loan.ID)
	if err != nil {
		t.Fatalf("report damaged: %v", err)
	}
	if damaged.Status != domain.LoanDamaged {
		t.Fatalf("expected damaged, got %s", damaged.Status)
	}
	if _, err := f.app.ReportLost(f.ctx, loan.ID); !errors.Is(err, domain.ErrAlreadyReturned) {
		t.Fatalf("expected ErrAlreadyReturned on closed loan, got %v", err)
	}
}

func TestCancelLoanReleasesCopy(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	cancelled, err := f.app.CancelLoan(f.ctx, loan.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.LoanCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	book, _, _ := f.store.GetBook(f.ctx, f.book.ID)
	if book.AvailableCopies != 2 {
		t.Fatalf("cancel must release the copy, available=%d", book.AvailableCopies)
	}
	f.mustCheckInventory(t, f.book.ID)
}

func TestCancelLoanAfterRenewal(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := f.app.RenewLoan(f.ctx, loan.ID); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := f.app.CancelLoan(f.ctx, loan.ID); !errors.Is(err, domain.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestPayLateFee(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	f.clock.Advance(20 * 24 * time.Hour)
	if _, err := f.app.ReturnLoan(f.ctx, loan.ID); err != nil {
		t.Fatalf("return: %v", err)
	}

	if _, err := f.app.PayLateFee(f.ctx, loan.ID, decimal.NewFromFloat(2.99)); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.app.PayLateFee(f.ctx, loan.ID, decimal.Zero); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero payment, got %v", err)
	}

	paid, err := f.app.PayLateFee(f.ctx, loan.ID, decimal.NewFromFloat(3.00))
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if !paid.IsFeePaid {
		t.Fatalf("expected fee marked paid")
	}
	member, _, _ := f.store.GetMember(f.ctx, f.member.ID)
	if !member.OutstandingFees.IsZero() {
		t.Fatalf("payment must clear the member balance, got %s", member.OutstandingFees)
	}
	if _, err := f.app.PayLateFee(f.ctx, loan.ID, decimal.NewFromFloat(3.00)); !errors.Is(err, domain.ErrFeeAlreadyPaid) {
		t.Fatalf("expected ErrFeeAlreadyPaid, got %v", err)
	}
}

func TestPayLateFeeWithoutFee(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := f.app.PayLateFee(f.ctx, loan.ID, decimal.NewFromFloat(1.00)); !errors.Is(err, domain.ErrNoFeeOwed) {
		t.Fatalf("expected ErrNoFeeOwed, got %v", err)
	}
}

func TestFeeThresholdBoundary(t *testing.T) {
	f := newFixture(t)

	// Drive the member's balance to exactly 10.00 via a damaged copy.
	book, err := f.app.CreateBook(f.ctx, "Clean Code", 1)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := f.app.ReportDamaged(f.ctx, loan.ID); err != nil {
		t.Fatalf("report damaged: %v", err)
	}
	member, _, _ := f.store.GetMember(f.ctx, f.member.ID)
	if !member.OutstandingFees.Equal(decimal.NewFromFloat(10.00)) {
		t.Fatalf("setup expects balance 10.00, got %s", member.OutstandingFees)
	}

	// At the threshold exactly the member can still borrow.
	if _, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID); err != nil {
		t.Fatalf("borrow at 10.00 balance: %v", err)
	}
}

func TestDeleteBook(t *testing.T) {
	f := newFixture(t)
	loan, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if err := f.app.DeleteBook(f.ctx, f.book.ID); !errors.Is(err, domain.ErrBookOnLoan) {
		t.Fatalf("expected ErrBookOnLoan, got %v", err)
	}
	if _, err := f.app.ReturnLoan(f.ctx, loan.ID); err != nil {
		t.Fatalf("return: %v", err)
	}
	if err := f.app.DeleteBook(f.ctx, f.book.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// The loan survives as history; new loans are refused.
	if _, err := f.app.GetLoan(f.ctx, loan.ID); err != nil {
		t.Fatalf("loan history must survive deletion: %v", err)
	}
	if _, err := f.app.CreateLoan(f.ctx, f.member.ID, f.book.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on deleted book, got %v", err)
	}
}

func TestAtomicityOnLoanSaveFailure(t *testing.T) {
	// Regression for the transaction problem: if the loan insert fails
	// after the copy was reserved, the reservation must not stick.
	clock := &testClock{t: epoch}
	mem := store.NewMemoryStore()
	failing := &saveLoanFailStore{Store: mem}
	a, err := New(Config{Store: failing, Now: clock.Now})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	book, err := a.CreateBook(ctx, "Gödel, Escher, Bach", 1)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	member, err := a.CreateMember(ctx, "Ada", 3, epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("create member: %v", err)
	}

	if _, err := a.CreateLoan(ctx, member.ID, book.ID); err == nil {
		t.Fatalf("expected induced failure")
	}
	got, _, _ := mem.GetBook(ctx, book.ID)
	if got.AvailableCopies != 1 {
		t.Fatalf("reservation must roll back with the failed loan, available=%d", got.AvailableCopies)
	}
	loans, _ := mem.ListOpenLoans(ctx)
	if len(loans) != 0 {
		t.Fatalf("no loan may survive the rollback, got %d", len(loans))
	}
}

// saveLoanFailStore wraps a store and fails every loan insert.
type saveLoanFailStore struct {
	store.Store
}

func (s *saveLoanFailStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, failLoanTx{Tx: tx})
	})
}

type failLoanTx struct {
	store.Tx
}

func (t failLoanTx) SaveLoan(context.Context, domain.Loan) error {
	return errors.New("induced loan save failure")
}
