package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"circulator/pkg/domain"
)

// GORM models used for persistence.
type BookModel struct {
	ID              string    `gorm:"primaryKey"`
	Title           string    `gorm:"not null"`
	TotalCopies     int       `gorm:"not null"`
	AvailableCopies int       `gorm:"not null"`
	IsDeleted       bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

type MemberModel struct {
	ID                  string          `gorm:"primaryKey"`
	Name                string          `gorm:"not null"`
	MembershipExpiresAt time.Time       `gorm:"not null"`
	MaxBooksAllowed     int             `gorm:"not null"`
	OutstandingFees     decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`
	IsActive            bool            `gorm:"not null;default:true"`
	CreatedAt           time.Time       `gorm:"not null"`
	UpdatedAt           time.Time       `gorm:"not null"`
}

func (MemberModel) TableName() string { return "members" }

type LoanModel struct {
	ID                 string            `gorm:"primaryKey"`
	MemberID           string            `gorm:"not null;index"`
	BookID             string            `gorm:"not null;index"`
	BorrowedAt         time.Time         `gorm:"not null"`
	DueDate            time.Time         `gorm:"not null;index"`
	ReturnedAt         *time.Time        `gorm:"index"`
	Status             string            `gorm:"not null;index"`
	LateFee            *decimal.Decimal  `gorm:"type:decimal(10,2)"`
	IsFeePaid          bool              `gorm:"not null;default:false"`
	RenewalCount       int               `gorm:"not null;default:0"`
	MaxRenewalsAllowed int               `gorm:"not null"`
	LoanPeriodSecs     int64             `gorm:"not null"`
	FeeDetail          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null"`
	UpdatedAt          time.Time         `gorm:"not null"`
}

func (LoanModel) TableName() string { return "loans" }

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		IsDeleted:       b.IsDeleted,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:              m.ID,
		Title:           m.Title,
		TotalCopies:     m.TotalCopies,
		AvailableCopies: m.AvailableCopies,
		IsDeleted:       m.IsDeleted,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func memberToModel(m domain.Member) MemberModel {
	return MemberModel{
		ID:                  m.ID,
		Name:                m.Name,
		MembershipExpiresAt: m.MembershipExpiresAt,
		MaxBooksAllowed:     m.MaxBooksAllowed,
		OutstandingFees:     m.OutstandingFees,
		IsActive:            m.IsActive,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func memberFromModel(m MemberModel) domain.Member {
	return domain.Member{
		ID:                  m.ID,
		Name:                m.Name,
		MembershipExpiresAt: m.MembershipExpiresAt,
		MaxBooksAllowed:     m.MaxBooksAllowed,
		OutstandingFees:     m.OutstandingFees,
		IsActive:            m.IsActive,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func loanToModel(l domain.Loan) LoanModel {
	return LoanModel{
		ID:                 l.ID,
		MemberID:           l.MemberID,
		BookID:             l.BookID,
		BorrowedAt:         l.BorrowedAt,
		DueDate:            l.DueDate,
		ReturnedAt:         l.ReturnedAt,
		Status:             string(l.Status),
		LateFee:            l.LateFee,
		IsFeePaid:          l.IsFeePaid,
		RenewalCount:       l.RenewalCount,
		MaxRenewalsAllowed: l.MaxRenewalsAllowed,
		LoanPeriodSecs:     int64(l.LoanPeriod / time.Second),
		FeeDetail:          datatypes.JSONMap(l.FeeDetail),
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	return domain.Loan{
		ID:                 m.ID,
		MemberID:           m.MemberID,
		BookID:             m.BookID,
		BorrowedAt:         m.BorrowedAt,
		DueDate:            m.DueDate,
		ReturnedAt:         m.ReturnedAt,
		Status:             domain.LoanStatus(m.Status),
		LateFee:            m.LateFee,
		IsFeePaid:          m.IsFeePaid,
		RenewalCount:       m.RenewalCount,
		MaxRenewalsAllowed: m.MaxRenewalsAllowed,
		LoanPeriod:         time.Duration(m.LoanPeriodSecs) * time.Second,
		FeeDetail:          map[string]any(m.FeeDetail),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
