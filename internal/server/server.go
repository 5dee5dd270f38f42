package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"circulator/internal/app"
	"circulator/internal/ratelimit"
	"circulator/internal/util"
	"circulator/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// Optional Redis-backed rate limiting on loan creation. Disabled when
	// RedisAddr is empty.
	RedisAddr       string
	RedisPassword   string
	RateLimitPerMin int
	TrustedProxies  []string
}

// Server exposes the circulation HTTP endpoints.
type Server struct {
	app           *app.App
	mux           *http.ServeMux
	borrowLimiter *ratelimit.FixedWindowLimiter
	proxies       *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app: cfg.App,
		mux: http.NewServeMux(),
	}
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		limit := cfg.RateLimitPerMin
		if limit <= 0 {
			limit = 60
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "circulator:ratelimit:borrow", limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init borrow limiter: %w", err)
		}
		s.borrowLimiter = limiter
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s.proxies = proxies
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("circulator", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookByID)

	s.mux.HandleFunc("/members", s.handleMembers)
	s.mux.HandleFunc("/members/", s.handleMemberByID)

	s.mux.HandleFunc("/loans", s.handleLoans)
	s.mux.HandleFunc("/loans/", s.handleLoanByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createBookRequest struct {
	Title  string `json:"title"`
	Copies int    `json:"copies"`
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createBookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	book, err := s.app.CreateBook(r.Context(), req.Title, req.Copies)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// /books/{id} or /books/{id}/copies
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "copies" {
			notFound(w)
			return
		}
		s.handleBookCopies(w, r, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		if err := s.app.DeleteBook(r.Context(), id); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

type copiesRequest struct {
	Count int `json:"count"`
}

// POST adds copies; DELETE writes one copy off after a lost or damaged
// report.
func (s *Server) handleBookCopies(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		var req copiesRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		book, err := s.app.AddCopies(r.Context(), id, req.Count)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		book, err := s.app.WriteOffCopy(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	default:
		methodNotAllowed(w)
	}
}

type createMemberRequest struct {
	Name      string    `json:"name"`
	MaxBooks  int       `json:"maxBooks"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	member, err := s.app.CreateMember(r.Context(), req.Name, req.MaxBooks, req.ExpiresAt)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

// /members/{id} or /members/{id}/loans
func (s *Server) handleMemberByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/members/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "loans" {
			notFound(w)
			return
		}
		loans, err := s.app.ListLoansByMember(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": loans, "count": len(loans)})
		return
	}
	member, err := s.app.GetMember(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

type createLoanRequest struct {
	MemberID string `json:"memberId"`
	BookID   string `json:"bookId"`
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.allowBorrow(w, r) {
			return
		}
		var req createLoanRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		loan, err := s.app.CreateLoan(r.Context(), req.MemberID, req.BookID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, loan)
	case http.MethodGet:
		s.handleListLoans(w, r)
	default:
		methodNotAllowed(w)
	}
}

// Supports ?member={id} and ?overdue=true, alone or combined.
func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	memberID := strings.TrimSpace(r.URL.Query().Get("member"))
	overdueOnly := r.URL.Query().Get("overdue") == "true"
	if memberID == "" && !overdueOnly {
		writeError(w, http.StatusBadRequest, "LOAN_INVALID_REQUEST", "a member or overdue=true filter is required")
		return
	}

	var (
		loans []domain.Loan
		err   error
	)
	switch {
	case overdueOnly:
		loans, err = s.app.ListOverdueLoans(r.Context())
		if err == nil && memberID != "" {
			filtered := loans[:0]
			for _, l := range loans {
				if l.MemberID == memberID {
					filtered = append(filtered, l)
				}
			}
			loans = filtered
		}
	default:
		loans, err = s.app.ListLoansByMember(r.Context(), memberID)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": loans, "count": len(loans)})
}

type payFeeRequest struct {
	Amount string `json:"amount"`
}

// /loans/{id} or /loans/{id}/{action}
func (s *Server) handleLoanByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/loans/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		loan, err := s.app.GetLoan(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loan)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var (
		loan domain.Loan
		err  error
	)
	switch parts[1] {
	case "return":
		loan, err = s.app.ReturnLoan(r.Context(), id)
	case "renew":
		loan, err = s.app.RenewLoan(r.Context(), id)
	case "lost":
		loan, err = s.app.ReportLost(r.Context(), id)
	case "damaged":
		loan, err = s.app.ReportDamaged(r.Context(), id)
	case "cancel":
		loan, err = s.app.CancelLoan(r.Context(), id)
	case "fee":
		var req payFeeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		amount, perr := decimal.NewFromString(strings.TrimSpace(req.Amount))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "FEE_INVALID_AMOUNT", "invalid amount")
			return
		}
		loan, err = s.app.PayLateFee(r.Context(), id, amount)
	default:
		notFound(w)
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) allowBorrow(w http.ResponseWriter, r *http.Request) bool {
	if s.borrowLimiter == nil {
		return true
	}
	key := util.ClientIP(r, s.proxies)
	if s.borrowLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "LOAN_RATE_LIMITED", "too many borrow requests")
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "REQUEST_INVALID_JSON", "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeDomainError translates circulation errors into HTTP responses. Unknown
// errors are reported as internal without leaking detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "SYSTEM_NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "REQUEST_INVALID"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "FEE_INVALID_AMOUNT"
	case errors.Is(err, domain.ErrMemberIneligible):
		return http.StatusForbidden, "MEMBER_INELIGIBLE"
	case errors.Is(err, domain.ErrOutOfStock):
		return http.StatusConflict, "BOOK_OUT_OF_STOCK"
	case errors.Is(err, domain.ErrAlreadyReturned):
		return http.StatusConflict, "LOAN_ALREADY_CLOSED"
	case errors.Is(err, domain.ErrRenewalLimitExceeded):
		return http.StatusConflict, "LOAN_RENEWAL_LIMIT"
	case errors.Is(err, domain.ErrNotRenewable):
		return http.StatusConflict, "LOAN_NOT_RENEWABLE"
	case errors.Is(err, domain.ErrNotCancellable):
		return http.StatusConflict, "LOAN_NOT_CANCELLABLE"
	case errors.Is(err, domain.ErrNoFeeOwed):
		return http.StatusConflict, "FEE_NONE_OWED"
	case errors.Is(err, domain.ErrFeeAlreadyPaid):
		return http.StatusConflict, "FEE_ALREADY_PAID"
	case errors.Is(err, domain.ErrBookOnLoan):
		return http.StatusConflict, "BOOK_ON_LOAN"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}
