package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notice kinds published to the circulation stream.
const (
	NoticeLoanCreated   = "loan.created"
	NoticeLoanReturned  = "loan.returned"
	NoticeLoanRenewed   = "loan.renewed"
	NoticeLoanOverdue   = "loan.overdue"
	NoticeLoanCancelled = "loan.cancelled"
	NoticeFeeAssessed   = "fee.assessed"
	NoticeFeePaid       = "fee.paid"
)

// Notice is one circulation event for downstream consumers (reminder mails,
// reporting). Amount is set for fee notices only.
type Notice struct {
	Kind     string    `json:"kind"`
	LoanID   string    `json:"loanId"`
	MemberID string    `json:"memberId"`
	BookID   string    `json:"bookId"`
	Amount   string    `json:"amount,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher emits circulation notices. The coordinator treats publishing as
// best-effort: it happens after commit and a failure never rolls the
// operation back.
type Publisher interface {
	Publish(ctx context.Context, n Notice) error
}

// RedisNotices publishes notices to a Redis stream.
type RedisNotices struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisNoticesConfig configures the stream publisher.
type RedisNoticesConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

// NewRedisNotices connects the publisher. The stream is capped at MaxLen
// entries (approximate trimming).
func NewRedisNotices(cfg RedisNoticesConfig) (*RedisNotices, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "circulation:notices"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisNotices{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

// Publish appends the notice to the stream.
func (p *RedisNotices) Publish(ctx context.Context, n Notice) error {
	if n.Kind == "" || n.LoanID == "" {
		return errors.New("notice kind and loanId required")
	}
	at := n.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	values := map[string]any{
		"kind":      n.Kind,
		"loan_id":   n.LoanID,
		"member_id": n.MemberID,
		"book_id":   n.BookID,
		"at":        at.Format(time.RFC3339Nano),
	}
	if n.Amount != "" {
		values["amount"] = n.Amount
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

// Close releases the underlying connection.
func (p *RedisNotices) Close() error {
	return p.client.Close()
}
