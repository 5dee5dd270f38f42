package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"circulator/pkg/domain"
	"circulator/pkg/queue"
	"circulator/pkg/store"
)

// Config wires the coordinator's dependencies and circulation policy.
type Config struct {
	Store       store.Store
	Notices     queue.Publisher // optional
	LoanPeriod  time.Duration   // defaults to domain.DefaultLoanPeriod
	MaxRenewals int             // defaults to domain.DefaultMaxRenewals
	MaxAttempts int             // transaction retry budget for lock conflicts
	Now         func() time.Time
}

// App is the circulation coordinator. It is the only component that mutates
// book counters and loan state together, and it does so inside one storage
// transaction per operation: every public method either fully commits or
// leaves no observable trace.
type App struct {
	store       store.Store
	notices     queue.Publisher
	loanPeriod  time.Duration
	maxRenewals int
	maxAttempts int
	now         func() time.Time
}

// New constructs the coordinator.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	loanPeriod := cfg.LoanPeriod
	if loanPeriod <= 0 {
		loanPeriod = domain.DefaultLoanPeriod
	}
	maxRenewals := cfg.MaxRenewals
	if maxRenewals <= 0 {
		maxRenewals = domain.DefaultMaxRenewals
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:       cfg.Store,
		notices:     cfg.Notices,
		loanPeriod:  loanPeriod,
		maxRenewals: maxRenewals,
		maxAttempts: maxAttempts,
		now:         now,
	}, nil
}

// CreateLoan checks the member's eligibility, reserves a copy and opens the
// loan, all in one transaction. A failed reservation never leaves a
// half-created loan behind.
func (a *App) CreateLoan(ctx context.Context, memberID, bookID string) (domain.Loan, error) {
	if memberID == "" || bookID == "" {
		return domain.Loan{}, fmt.Errorf("%w: member and book ids required", domain.ErrInvalidArgument)
	}
	var loan domain.Loan
	err := a.runTx(ctx, func(ctx context.Context, tx store.Tx) error {
		member, ok, err := tx.MemberForUpdate(ctx, memberID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("member %s: %w", memberID, domain.ErrNotFound)
		}
		book, ok, err := tx.BookForUpdate(ctx, bookID)
		if err != nil {
			return err
		}
		if !ok || book.IsDeleted {
			return fmt.Errorf("book %s: %w", bookID, domain.ErrNotFound)
		}
		active, err := tx.CountOpenLoansByMember(ctx, memberID)
		if err != nil {
			return err
		}
		now := a.now()
		if !domain.CanBorrowBooks(member, active, now) {
			return domain.ErrMemberIneligible
		}
		if err := book.ReserveCopy(); err != nil {
			return err
		}
		book.UpdatedAt = now
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}
		loan = domain.NewLoan(uuid.NewString(), memberID, bookID, now, a.loanPeriod, a.maxRenewals)
		return tx.SaveLoan(ctx, loan)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publish(ctx, queue.Notice{Kind: queue.NoticeLoanCreated, LoanID: loan.ID, MemberID: memberID, BookID: bookID, At: loan.BorrowedAt})
	return loan, nil
}

// ReturnLoan closes the loan and releases the copy in one transaction. When
// the return is late, the frozen late fee is added to the member's balance
// inside the same transaction.
func (a *App) ReturnLoan(ctx context.Context, loanID string) (domain.Loan, error) {
	var loan domain.Loan
	err := a.loanTx(ctx, loanID, func(ctx context.Context, tx store.Tx, l *domain.Loan) error {
		if err := l.Return(a.now()); err != nil {
			return err
		}
		if l.LateFee != nil {
			if err := a.addMemberFee(ctx, tx, l.MemberID, *l.LateFee); err != nil {
				return err
			}
		}
		book, ok, err := tx.BookForUpdate(ctx, l.BookID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("book %s: %w", l.BookID, domain.ErrNotFound)
		}
		if err := book.ReleaseCopy(); err != nil {
			return err
		}
		book.UpdatedAt = a.now()
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}
		loan = *l
		return tx.SaveLoan(ctx, *l)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publish(ctx, queue.Notice{Kind: queue.NoticeLoanReturned, LoanID: loan.ID, MemberID: loan.MemberID, BookID: loan.BookID, At: *loan.ReturnedAt})
	if loan.LateFee != nil {
		a.publishFee(ctx, loan, queue.NoticeFeeAssessed)
	}
	return loan, nil
}

// RenewLoan extends the due date. No book mutation, but the operation still
// runs in a transaction so two concurrent renewals cannot both slip past the
// renewal limit.
func (a *App) RenewLoan(ctx context.Context, loanID string) (domain.Loan, error) {
	var loan domain.Loan
	err := a.loanTx(ctx, loanID, func(ctx context.Context, tx store.Tx, l *domain.Loan) error {
		member, ok, err := tx.MemberForUpdate(ctx, l.MemberID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("member %s: %w", l.MemberID, domain.ErrNotFound)
		}
		if err := l.Renew(a.now(), member.OutstandingFees); err != nil {
			return err
		}
		loan = *l
		return tx.SaveLoan(ctx, *l)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publish(ctx, queue.Notice{Kind: queue.NoticeLoanRenewed, LoanID: loan.ID, MemberID: loan.MemberID, BookID: loan.BookID, At: loan.UpdatedAt})
	return loan, nil
}

// ReportLost closes the loan with the replacement fee. The copy does not
// come back to the shelf; reconciling TotalCopies is a separate write-off.
func (a *App) ReportLost(ctx context.Context, loanID string) (domain.Loan, error) {
	return a.closeWithFee(ctx, loanID, (*domain.Loan).MarkLost)
}

// ReportDamaged closes the loan with the damage fee. Same inventory rule as
// ReportLost.
func (a *App) ReportDamaged(ctx context.Context, loanID string) (domain.Loan, error) {
	return a.closeWithFee(ctx, loanID, (*domain.Loan).MarkDamaged)
}

func (a *App) closeWithFee(ctx context.Context, loanID string, mark func(*domain.Loan, time.Time) error) (domain.Loan, error) {
	var loan domain.Loan
	err := a.loanTx(ctx, loanID, func(ctx context.Context, tx store.Tx, l *domain.Loan) error {
		if err := mark(l, a.now()); err != nil {
			return err
		}
		if err := a.addMemberFee(ctx, tx, l.MemberID, *l.LateFee); err != nil {
			return err
		}
		loan = *l
		return tx.SaveLoan(ctx, *l)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publishFee(ctx, loan, queue.NoticeFeeAssessed)
	return loan, nil
}

// CancelLoan administratively voids an active, never-renewed loan and puts
// the copy back on the shelf. No fee is assessed.
func (a *App) CancelLoan(ctx context.Context, loanID string) (domain.Loan, error) {
	var loan domain.Loan
	err := a.loanTx(ctx, loanID, func(ctx context.Context, tx store.Tx, l *domain.Loan) error {
		if err := l.Cancel(a.now()); err != nil {
			return err
		}
		book, ok, err := tx.BookForUpdate(ctx, l.BookID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("book %s: %w", l.BookID, domain.ErrNotFound)
		}
		if err := book.ReleaseCopy(); err != nil {
			return err
		}
		book.UpdatedAt = a.now()
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}
		loan = *l
		return tx.SaveLoan(ctx, *l)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publish(ctx, queue.Notice{Kind: queue.NoticeLoanCancelled, LoanID: loan.ID, MemberID: loan.MemberID, BookID: loan.BookID, At: loan.UpdatedAt})
	return loan, nil
}

// PayLateFee settles the loan's fee. The payment must match the assessed fee
// exactly; the member's balance is cleared in the same transaction.
func (a *App) PayLateFee(ctx context.Context, loanID string, amount decimal.Decimal) (domain.Loan, error) {
	if amount.IsNegative() || amount.IsZero() {
		return domain.Loan{}, fmt.Errorf("%w: payment must be positive", domain.ErrInvalidArgument)
	}
	var loan domain.Loan
	err := a.loanTx(ctx, loanID, func(ctx context.Context, tx store.Tx, l *domain.Loan) error {
		if err := l.PayFee(amount, a.now()); err != nil {
			return err
		}
		member, ok, err := tx.MemberForUpdate(ctx, l.MemberID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("member %s: %w", l.MemberID, domain.ErrNotFound)
		}
		member.ClearFee(amount)
		member.UpdatedAt = a.now()
		if err := tx.SaveMember(ctx, member); err != nil {
			return err
		}
		loan = *l
		return tx.SaveLoan(ctx, *l)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publishFee(ctx, loan, queue.NoticeFeePaid)
	return loan, nil
}

// AddCopies grows a book's inventory.
func (a *App) AddCopies(ctx context.Context, bookID string, n int) (domain.Book, error) {
	if n <= 0 {
		return domain.Book{}, fmt.Errorf("%w: copies to add must be positive", domain.ErrInvalidArgument)
	}
	return a.bookTx(ctx, bookID, func(b *domain.Book) error { return b.AddCopies(n) })
}

// WriteOffCopy reconciles TotalCopies after a lost or damaged report.
func (a *App) WriteOffCopy(ctx context.Context, bookID string) (domain.Book, error) {
	return a.bookTx(ctx, bookID, (*domain.Book).WriteOffCopy)
}

// DeleteBook soft-deletes a book. Deletion requires zero copies outstanding;
// loan history against the book stays intact.
func (a *App) DeleteBook(ctx context.Context, bookID string) error {
	if bookID == "" {
		return fmt.Errorf("%w: book id required", domain.ErrInvalidArgument)
	}
	return a.runTx(ctx, func(ctx context.Context, tx store.Tx) error {
		book, ok, err := tx.BookForUpdate(ctx, bookID)
		if err != nil {
			return err
		}
		if !ok || book.IsDeleted {
			return fmt.Errorf("book %s: %w", bookID, domain.ErrNotFound)
		}
		open, err := tx.CountOpenLoansByBook(ctx, bookID)
		if err != nil {
			return err
		}
		if open > 0 {
			return domain.ErrBookOnLoan
		}
		book.IsDeleted = true
		book.UpdatedAt = a.now()
		return tx.SaveBook(ctx, book)
	})
}

// CreateBook registers a new title with all copies available.
func (a *App) CreateBook(ctx context.Context, title string, copies int) (domain.Book, error) {
	if title == "" {
		return domain.Book{}, fmt.Errorf("%w: title required", domain.ErrInvalidArgument)
	}
	if copies < 0 {
		return domain.Book{}, fmt.Errorf("%w: copies must not be negative", domain.ErrInvalidArgument)
	}
	now := a.now()
	book := domain.Book{
		ID:              uuid.NewString(),
		Title:           title,
		TotalCopies:     copies,
		AvailableCopies: copies,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.CreateBook(ctx, book); err != nil {
		return domain.Book{}, err
	}
	return book, nil
}

// CreateMember registers a member.
func (a *App) CreateMember(ctx context.Context, name string, maxBooks int, expiresAt time.Time) (domain.Member, error) {
	if name == "" {
		return domain.Member{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if maxBooks <= 0 {
		maxBooks = 3
	}
	now := a.now()
	member := domain.Member{
		ID:                  uuid.NewString(),
		Name:                name,
		MembershipExpiresAt: expiresAt,
		MaxBooksAllowed:     maxBooks,
		OutstandingFees:     decimal.Zero,
		IsActive:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := a.store.CreateMember(ctx, member); err != nil {
		return domain.Member{}, err
	}
	return member, nil
}

// GetLoan returns a loan by ID.
func (a *App) GetLoan(ctx context.Context, id string) (domain.Loan, error) {
	loan, ok, err := a.store.GetLoan(ctx, id)
	if err != nil {
		return domain.Loan{}, err
	}
	if !ok {
		return domain.Loan{}, fmt.Errorf("loan %s: %w", id, domain.ErrNotFound)
	}
	return loan, nil
}

// GetBook returns a book by ID.
func (a *App) GetBook(ctx context.Context, id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok {
		return domain.Book{}, fmt.Errorf("book %s: %w", id, domain.ErrNotFound)
	}
	return book, nil
}

// GetMember returns a member by ID.
func (a *App) GetMember(ctx context.Context, id string) (domain.Member, error) {
	member, ok, err := a.store.GetMember(ctx, id)
	if err != nil {
		return domain.Member{}, err
	}
	if !ok {
		return domain.Member{}, fmt.Errorf("member %s: %w", id, domain.ErrNotFound)
	}
	return member, nil
}

// ListLoansByMember returns the member's loan history, newest first.
func (a *App) ListLoansByMember(ctx context.Context, memberID string) ([]domain.Loan, error) {
	return a.store.ListLoansByMember(ctx, memberID)
}

// ListOverdueLoans computes overdue state on read: open loans past due at
// the current instant, whether or not a sweep persisted the status.
func (a *App) ListOverdueLoans(ctx context.Context) ([]domain.Loan, error) {
	open, err := a.store.ListOpenLoans(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()
	res := make([]domain.Loan, 0, len(open))
	for _, l := range open {
		if l.Status == domain.LoanOverdue || l.IsOverdue(now) {
			res = append(res, l)
		}
	}
	return res, nil
}

// loanTx loads the loan under lock and runs fn against it.
func (a *App) loanTx(ctx context.Context, loanID string, fn func(ctx context.Context, tx store.Tx, l *domain.Loan) error) error {
	if loanID == "" {
		return fmt.Errorf("%w: loan id required", domain.ErrInvalidArgument)
	}
	return a.runTx(ctx, func(ctx context.Context, tx store.Tx) error {
		loan, ok, err := tx.LoanForUpdate(ctx, loanID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("loan %s: %w", loanID, domain.ErrNotFound)
		}
		return fn(ctx, tx, &loan)
	})
}

// bookTx loads the book under lock, applies mutate and saves it.
func (a *App) bookTx(ctx context.Context, bookID string, mutate func(*domain.Book) error) (domain.Book, error) {
	if bookID == "" {
		return domain.Book{}, fmt.Errorf("%w: book id required", domain.ErrInvalidArgument)
	}
	var book domain.Book
	err := a.runTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, ok, err := tx.BookForUpdate(ctx, bookID)
		if err != nil {
			return err
		}
		if !ok || b.IsDeleted {
			return fmt.Errorf("book %s: %w", bookID, domain.ErrNotFound)
		}
		if err := mutate(&b); err != nil {
			return err
		}
		b.UpdatedAt = a.now()
		book = b
		return tx.SaveBook(ctx, b)
	})
	if err != nil {
		return domain.Book{}, err
	}
	return book, nil
}

func (a *App) addMemberFee(ctx context.Context, tx store.Tx, memberID string, fee decimal.Decimal) error {
	member, ok, err := tx.MemberForUpdate(ctx, memberID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("member %s: %w", memberID, domain.ErrNotFound)
	}
	member.AddFee(fee)
	member.UpdatedAt = a.now()
	return tx.SaveMember(ctx, member)
}

// publish emits a notice after a successful commit. Best-effort: a failure
// is logged and never unwinds the committed transaction.
func (a *App) publish(ctx context.Context, n queue.Notice) {
	if a.notices == nil {
		return
	}
	if err := a.notices.Publish(ctx, n); err != nil {
		slog.Warn("notice publish failed", "kind", n.Kind, "loan_id", n.LoanID, "err", err)
	}
}

func (a *App) publishFee(ctx context.Context, loan domain.Loan, kind string) {
	amount := ""
	if loan.LateFee != nil {
		amount = loan.LateFee.String()
	}
	a.publish(ctx, queue.Notice{
		Kind:     kind,
		LoanID:   loan.ID,
		MemberID: loan.MemberID,
		BookID:   loan.BookID,
		Amount:   amount,
		At:       loan.UpdatedAt,
	})
}
