package server

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"libraryloan/internal/ratelimit"
	"libraryloan/internal/util"
	"libraryloan/pkg/lending"
	"libraryloan/services/library/internal/app"
)

//go:embed openapi.yaml
var openAPIDoc []byte

const maxBodyBytes = 1 << 20

const swaggerUIBase = "https://unpkg.com/swagger-ui-dist@5.17.14"

const apiDocsScript = `window.onload = function () {
  window.ui = SwaggerUIBundle({ url: "/api-docs/openapi.yaml", dom_id: "#swagger-ui" });
};`

// apiDocsPage renders the embedded document with Swagger UI.
var apiDocsPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Library Loan API</title>
<link rel="stylesheet" href="` + swaggerUIBase + `/swagger-ui.css">
</head>
<body>
<div id="swagger-ui"></div>
<script src="` + swaggerUIBase + `/swagger-ui-bundle.js"></script>
<script>` + apiDocsScript + `</script>
</body>
</html>
`

// apiDocsCSP replaces the API policy on the docs page only. The inline
// bootstrap script is allowed by hash.
var apiDocsCSP = "default-src 'none'; " +
	"script-src " + swaggerUIBase + "/ 'sha256-" + scriptHash(apiDocsScript) + "'; " +
	"style-src " + swaggerUIBase + "/ 'unsafe-inline'; " +
	"img-src 'self' data:; connect-src 'self'; " +
	"frame-ancestors 'none'; base-uri 'none'"

func scriptHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Limiter throttles the mutating loan endpoints. Nil disables limiting.
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the library loan service.
type Server struct {
	app     *app.App
	limiter *ratelimit.FixedWindowLimiter
	trusted *util.TrustedProxies
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app:     cfg.App,
		limiter: cfg.Limiter,
		trusted: cfg.TrustedProxies,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("library", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.HandleFunc("/api-docs", s.handleAPIDocs)
	s.mux.HandleFunc("/api-docs/openapi.yaml", s.handleAPIDocs)

	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/members", s.handleMembers)
	s.mux.HandleFunc("/api/loans", s.handleLoans)
	s.mux.HandleFunc("/api/loans/store", s.handleStoreLoan)
	s.mux.HandleFunc("/api/loans/return", s.handleReturnLoan)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ready(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	if r.URL.Path == "/api-docs/openapi.yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(openAPIDoc)
		return
	}
	w.Header().Set("Content-Security-Policy", apiDocsCSP)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, apiDocsPage)
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	books, err := s.app.ListAvailableBooks(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "available books", books)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	members, err := s.app.ListMembers(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "members", members)
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	loans, err := s.app.ListLoans(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "loans", loans)
}

func (s *Server) handleStoreLoan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r) {
		return
	}
	req, err := decodeLoanRequest(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	loan, err := s.app.CreateLoan(r.Context(), req.BookCode, req.MemberCode)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeEnvelope(w, http.StatusCreated, "loan created", loan.ID)
}

func (s *Server) handleReturnLoan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r) {
		return
	}
	req, err := decodeLoanRequest(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	res, err := s.app.ReturnLoan(r.Context(), req.BookCode, req.MemberCode)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if res.Penalized {
		writeEnvelope(w, http.StatusOK, fmt.Sprintf(
			"book returned late with penalty; member cannot borrow books for %d days",
			int(lending.PenaltyDuration/(24*time.Hour))), nil)
		return
	}
	writeEnvelope(w, http.StatusOK, "book returned successfully", nil)
}

type loanRequest struct {
	BookCode   string
	MemberCode string
}

type jsonLoanRequest struct {
	BookCode   json.RawMessage `json:"book_code"`
	MemberCode json.RawMessage `json:"member_code"`
}

// bodyError reports a body that could not be parsed at all.
type bodyError struct {
	msg string
}

func (e *bodyError) Error() string { return e.msg }

// decodeLoanRequest accepts JSON or form-encoded bodies. An empty body yields
// an empty request so that field validation reports what is missing. JSON
// codes that are not strings are reported as field errors.
func decodeLoanRequest(r *http.Request) (loanRequest, error) {
	var req loanRequest
	body := io.LimitReader(r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		r.Body = io.NopCloser(body)
		if err := r.ParseForm(); err != nil {
			return req, &bodyError{msg: "invalid form body"}
		}
		req.BookCode = r.PostForm.Get("book_code")
		req.MemberCode = r.PostForm.Get("member_code")
		return req, nil
	}
	var raw jsonLoanRequest
	if err := json.NewDecoder(body).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return req, &bodyError{msg: "invalid JSON body"}
	}
	var fields []app.FieldError
	req.BookCode, fields = stringField("book_code", raw.BookCode, fields)
	req.MemberCode, fields = stringField("member_code", raw.MemberCode, fields)
	if len(fields) > 0 {
		return req, &app.ValidationError{Fields: fields}
	}
	return req, nil
}

// stringField decodes an optional JSON string. Absent and null values decode
// to "".
func stringField(name string, raw json.RawMessage, fields []app.FieldError) (string, []app.FieldError) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fields
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", append(fields, app.FieldError{Field: name, Message: name + " must be a string"})
	}
	return v, fields
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	ok, retryAfter := s.limiter.Allow(r.Context(), key)
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	writeError(w, r, http.StatusTooManyRequests, "too many requests")
	return false
}

// writeAppError maps service and policy errors to HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		berr *bodyError
		verr *app.ValidationError
		nf   *lending.NotFoundError
		pe   *lending.PenaltyError
		se   *app.StorageError
	)
	switch {
	case errors.As(err, &berr):
		writeError(w, r, http.StatusBadRequest, berr.msg)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{
			Status:    false,
			Message:   "validation failed",
			Errors:    verr.Fields,
			RequestID: util.RequestIDFromRequest(r),
		})
	case errors.As(err, &nf):
		writeError(w, r, http.StatusNotFound, notFoundMessage(nf.Entity))
	case errors.As(err, &pe):
		writeError(w, r, http.StatusForbidden, fmt.Sprintf(
			"member is under penalty and cannot borrow books; penalty ends at %s",
			pe.Until.UTC().Format(time.RFC3339)))
	case errors.Is(err, lending.ErrBorrowLimitExceeded):
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("member cannot borrow more than %d books", lending.BorrowLimit))
	case errors.Is(err, lending.ErrBookUnavailable):
		writeError(w, r, http.StatusBadRequest, "book is currently on loan and has not been returned")
	case errors.As(err, &se):
		writeError(w, r, http.StatusInternalServerError, se.Op)
	default:
		util.LoggerFromContext(r.Context()).Error("unhandled error", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func notFoundMessage(entity lending.Entity) string {
	switch entity {
	case lending.EntityMember:
		return "member code not found"
	case lending.EntityBook:
		return "book code not found"
	default:
		return "no open loan matches the given book and member"
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

type envelope struct {
	Status    bool             `json:"status"`
	Message   string           `json:"message"`
	Data      any              `json:"data,omitempty"`
	Errors    []app.FieldError `json:"errors,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Status: true, Message: msg, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, envelope{
		Status:    false,
		Message:   msg,
		RequestID: util.RequestIDFromRequest(r),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
