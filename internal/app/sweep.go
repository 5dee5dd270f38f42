package app

import (
	"context"
	"log/slog"
	"time"

	"circulator/pkg/domain"
	"circulator/pkg/queue"
	"circulator/pkg/store"
)

// SweepOverdue persists the overdue status on active loans past due and
// returns how many were marked. Reads do not need the sweep — IsOverdue is
// computed against the clock — but a persisted status lets reporting query
// by status alone, and each marked loan gets exactly one overdue notice
// (later sweeps skip loans already marked).
func (a *App) SweepOverdue(ctx context.Context) (int, error) {
	var marked []domain.Loan
	err := a.runTx(ctx, func(ctx context.Context, tx store.Tx) error {
		marked = marked[:0]
		now := a.now()
		due, err := tx.ListDueLoans(ctx, now)
		if err != nil {
			return err
		}
		for _, l := range due {
			if err := l.MarkOverdue(now); err != nil {
				return err
			}
			if err := tx.SaveLoan(ctx, l); err != nil {
				return err
			}
			marked = append(marked, l)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, l := range marked {
		a.publish(ctx, queue.Notice{Kind: queue.NoticeLoanOverdue, LoanID: l.ID, MemberID: l.MemberID, BookID: l.BookID, At: l.UpdatedAt})
	}
	return len(marked), nil
}

// RunOverdueSweeper sweeps on the given interval until the context ends.
func (a *App) RunOverdueSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.SweepOverdue(ctx)
			if err != nil {
				slog.Error("overdue sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("overdue sweep", "marked", n)
			}
		}
	}
}
