package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"circulator/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&BookModel{}, &MemberModel{}, &LoanModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// WithTx runs fn inside one database transaction. GORM rolls back when fn
// returns an error or panics, commits otherwise.
func (s *GormStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{db: tx})
	})
}

// GetBook retrieves a book by ID from committed state.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// GetMember retrieves a member by ID.
func (s *GormStore) GetMember(ctx context.Context, id string) (domain.Member, bool, error) {
	var model MemberModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Member{}, false, nil
		}
		return domain.Member{}, false, err
	}
	return memberFromModel(model), true, nil
}

// GetLoan retrieves a loan by ID.
func (s *GormStore) GetLoan(ctx context.Context, id string) (domain.Loan, bool, error) {
	var model LoanModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

// ListLoansByMember returns the member's loans, newest first.
func (s *GormStore) ListLoansByMember(ctx context.Context, memberID string) ([]domain.Loan, error) {
	var models []LoanModel
	err := s.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("borrowed_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return loansFromModels(models), nil
}

// ListOpenLoans returns all loans still holding a copy.
func (s *GormStore) ListOpenLoans(ctx context.Context) ([]domain.Loan, error) {
	var models []LoanModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", openStatuses()).
		Order("due_date ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return loansFromModels(models), nil
}

// CreateBook inserts a new book.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return s.db.WithContext(ctx).Create(&model).Error
}

// CreateMember inserts a new member.
func (s *GormStore) CreateMember(ctx context.Context, m domain.Member) error {
	model := memberToModel(m)
	return s.db.WithContext(ctx).Create(&model).Error
}

// gormTx is the unit-of-work view over one *gorm.DB transaction.
type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) BookForUpdate(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

func (t *gormTx) MemberForUpdate(ctx context.Context, id string) (domain.Member, bool, error) {
	var model MemberModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Member{}, false, nil
		}
		return domain.Member{}, false, err
	}
	return memberFromModel(model), true, nil
}

func (t *gormTx) LoanForUpdate(ctx context.Context, id string) (domain.Loan, bool, error) {
	var model LoanModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

func (t *gormTx) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return t.db.WithContext(ctx).Save(&model).Error
}

func (t *gormTx) SaveMember(ctx context.Context, m domain.Member) error {
	model := memberToModel(m)
	return t.db.WithContext(ctx).Save(&model).Error
}

func (t *gormTx) SaveLoan(ctx context.Context, l domain.Loan) error {
	model := loanToModel(l)
	return t.db.WithContext(ctx).Save(&model).Error
}

func (t *gormTx) CountOpenLoansByMember(ctx context.Context, memberID string) (int, error) {
	var count int64
	err := t.db.WithContext(ctx).
		Model(&LoanModel{}).
		Where("member_id = ? AND status IN ?", memberID, openStatuses()).
		Count(&count).Error
	return int(count), err
}

func (t *gormTx) CountOpenLoansByBook(ctx context.Context, bookID string) (int, error) {
	var count int64
	err := t.db.WithContext(ctx).
		Model(&LoanModel{}).
		Where("book_id = ? AND status IN ?", bookID, openStatuses()).
		Count(&count).Error
	return int(count), err
}

func (t *gormTx) ListDueLoans(ctx context.Context, before time.Time) ([]domain.Loan, error) {
	var models []LoanModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status = ? AND due_date < ?", string(domain.LoanActive), before).
		Order("due_date ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return loansFromModels(models), nil
}

func openStatuses() []string {
	return []string{string(domain.LoanActive), string(domain.LoanOverdue)}
}

func loansFromModels(models []LoanModel) []domain.Loan {
	res := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		res = append(res, loanFromModel(m))
	}
	return res
}

// Postgres error codes that mean the transaction lost a race, not that the
// operation is wrong.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// IsRetryable reports whether err is a transient storage conflict
// (serialization failure, deadlock, lock timeout). Business-rule errors are
// never retryable.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
	}
	return false
}
