// Package api exposes the journaled ledger over HTTP.
//
// The caller of a mutation is taken from the X-Account header. The header
// is set by an authenticating proxy in front of this service and is trusted
// as is. Amounts travel as decimal strings of raw units.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/holiman/uint256"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/journal"
	"token-ledger/internal/observability"
	"token-ledger/internal/storage"
	chstore "token-ledger/internal/storage/clickhouse"
	"token-ledger/internal/token"
	"token-ledger/internal/units"
)

// CallerHeader carries the authenticated caller address.
const CallerHeader = "X-Account"

// maxBodyBytes bounds mutation request bodies.
const maxBodyBytes = 4 << 10

// Ledger is the subset of the journal the API drives.
type Ledger interface {
	Ledger() *token.Ledger
	Execute(ctx context.Context, caller address.Address, in token.Instruction) (*domain.Transition, error)
}

// VolumeReader reports aggregate flows for an account.
type VolumeReader interface {
	AccountVolume(ctx context.Context, account address.Address) (*chstore.AccountVolume, error)
}

// Options configures a Server.
type Options struct {
	// History serves GET /v1/accounts/{account}/transitions when set.
	History storage.TransitionStore
	// Volume serves GET /v1/accounts/{account}/volume when set.
	Volume VolumeReader

	Metrics *observability.Metrics // Default: observability.DefaultMetrics
	Logger  *log.Logger
}

// Server serves the ledger routes.
type Server struct {
	ledger  Ledger
	history storage.TransitionStore
	volume  VolumeReader
	metrics *observability.Metrics
	logger  *log.Logger
	mux     *http.ServeMux
}

// NewServer creates a Server for l.
func NewServer(l Ledger, opts Options) *Server {
	s := &Server{
		ledger:  l,
		history: opts.History,
		volume:  opts.Volume,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		mux:     http.NewServeMux(),
	}
	if s.metrics == nil {
		s.metrics = observability.DefaultMetrics
	}
	if s.logger == nil {
		s.logger = log.Default()
	}

	s.route("GET /v1/token", "token", s.handleToken)
	s.route("GET /v1/balances/{account}", "balance", s.handleBalance)
	s.route("GET /v1/allowances/{owner}/{spender}", "allowance", s.handleAllowance)
	s.route("POST /v1/transfer", "transfer", s.handleTransfer)
	s.route("POST /v1/approve", "approve", s.handleApprove)
	s.route("POST /v1/transfer-from", "transfer_from", s.handleTransferFrom)
	if s.history != nil {
		s.route("GET /v1/accounts/{account}/transitions", "history", s.handleHistory)
	}
	if s.volume != nil {
		s.route("GET /v1/accounts/{account}/volume", "volume", s.handleVolume)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) route(pattern, name string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		s.metrics.RecordHTTP(name, strconv.Itoa(sw.code), time.Since(start).Seconds())
	})
}

// TokenResponse describes the issued token.
type TokenResponse struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
	Issuer      string `json:"issuer"`
	IssuedAt    int64  `json:"issuedAt"`
	Sequence    uint64 `json:"sequence"`
}

// AmountResponse is returned by the balance and allowance reads.
type AmountResponse struct {
	Amount  string `json:"amount"`
	Display string `json:"display"` // Amount scaled by the token decimals
}

// Mutation requests carry either Amount, in raw units, or DisplayAmount,
// scaled by the token decimals ("12.5"). Setting both is rejected.

// TransferRequest is the body of POST /v1/transfer.
type TransferRequest struct {
	To            string `json:"to"`
	Amount        string `json:"amount"`
	DisplayAmount string `json:"displayAmount,omitempty"`
}

// ApproveRequest is the body of POST /v1/approve.
type ApproveRequest struct {
	Spender       string `json:"spender"`
	Amount        string `json:"amount"`
	DisplayAmount string `json:"displayAmount,omitempty"`
}

// TransferFromRequest is the body of POST /v1/transfer-from.
type TransferFromRequest struct {
	Owner         string `json:"owner"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	DisplayAmount string `json:"displayAmount,omitempty"`
}

// ReceiptResponse is returned for a committed mutation.
type ReceiptResponse struct {
	Success     bool    `json:"success"`
	Sequence    uint64  `json:"sequence"`
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	FromBalance *string `json:"fromBalance,omitempty"`
	ToBalance   *string `json:"toBalance,omitempty"`
	Allowance   *string `json:"allowance,omitempty"`
}

// TransitionResponse is one entry of an account history.
type TransitionResponse struct {
	Sequence    uint64  `json:"sequence"`
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Caller      string  `json:"caller"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Amount      string  `json:"amount"`
	FromBalance *string `json:"fromBalance,omitempty"`
	ToBalance   *string `json:"toBalance,omitempty"`
	Allowance   *string `json:"allowance,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

// VolumeResponse aggregates the token flows of an account.
type VolumeResponse struct {
	Account     string `json:"account"`
	Sent        string `json:"sent"`
	Received    string `json:"received"`
	Transitions uint64 `json:"transitions"`
}

// ErrorResponse is returned for every failure.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	l := s.ledger.Ledger()
	meta, ok := l.Metadata()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, token.KindNotInitialized.String(), "")
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		Name:        meta.Name,
		Symbol:      meta.Symbol,
		Decimals:    meta.Decimals,
		TotalSupply: meta.TotalSupply.Dec(),
		Issuer:      meta.Issuer.String(),
		IssuedAt:    meta.IssuedAt,
		Sequence:    l.Sequence(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := address.Parse(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), err.Error())
		return
	}
	l := s.ledger.Ledger()
	writeJSON(w, http.StatusOK, amountResponse(l.BalanceOf(account), l.Decimals()))
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, err := address.Parse(r.PathValue("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), "owner: "+err.Error())
		return
	}
	spender, err := address.Parse(r.PathValue("spender"))
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), "spender: "+err.Error())
		return
	}
	l := s.ledger.Ledger()
	writeJSON(w, http.StatusOK, amountResponse(l.Allowance(owner, spender), l.Decimals()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	account, err := address.Parse(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), err.Error())
		return
	}
	ts, err := s.history.GetByAccount(r.Context(), account)
	if err != nil {
		s.logger.Printf("history for %s: %v", account, err)
		writeError(w, http.StatusInternalServerError, "Internal", "")
		return
	}

	out := make([]TransitionResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, TransitionResponse{
			Sequence:    t.Sequence,
			ID:          t.ID,
			Kind:        string(t.Kind),
			Caller:      t.Caller.String(),
			From:        t.From.String(),
			To:          t.To.String(),
			Amount:      t.Amount.Dec(),
			FromBalance: decPtr(t.FromBalance),
			ToBalance:   decPtr(t.ToBalance),
			Allowance:   decPtr(t.Allowance),
			Timestamp:   t.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	account, err := address.Parse(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), err.Error())
		return
	}
	v, err := s.volume.AccountVolume(r.Context(), account)
	if err != nil {
		s.logger.Printf("volume for %s: %v", account, err)
		writeError(w, http.StatusInternalServerError, "Internal", "")
		return
	}
	writeJSON(w, http.StatusOK, VolumeResponse{
		Account:     account.String(),
		Sent:        v.Sent.Dec(),
		Received:    v.Received.Dec(),
		Transitions: v.Transitions,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, amount, err := s.parseTarget("to", req.To, req.Amount, req.DisplayAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), err.Error())
		return
	}
	s.execute(w, r, token.Transfer{To: to, Amount: amount})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	spender, amount, err := s.parseTarget("spender", req.Spender, req.Amount, req.DisplayAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), err.Error())
		return
	}
	s.execute(w, r, token.Approve{Spender: spender, Amount: amount})
}

func (s *Server) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	var req TransferFromRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := address.Parse(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), "owner: "+err.Error())
		return
	}
	to, amount, err := s.parseTarget("to", req.To, req.Amount, req.DisplayAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), err.Error())
		return
	}
	s.execute(w, r, token.TransferFrom{Owner: owner, To: to, Amount: amount})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, in token.Instruction) {
	caller, err := address.Parse(r.Header.Get(CallerHeader))
	if err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), CallerHeader+": "+err.Error())
		return
	}

	t, err := s.ledger.Execute(r.Context(), caller, in)
	if err != nil {
		s.writeExecuteError(w, in, err)
		return
	}

	writeJSON(w, http.StatusOK, ReceiptResponse{
		Success:     true,
		Sequence:    t.Sequence,
		ID:          t.ID,
		Kind:        string(t.Kind),
		FromBalance: decPtr(t.FromBalance),
		ToBalance:   decPtr(t.ToBalance),
		Allowance:   decPtr(t.Allowance),
	})
}

func (s *Server) writeExecuteError(w http.ResponseWriter, in token.Instruction, err error) {
	if errors.Is(err, journal.ErrJournalFailed) {
		s.logger.Printf("%s refused: %v", in.Kind(), err)
		writeError(w, http.StatusServiceUnavailable, "JournalFailed", "")
		return
	}

	kind := token.KindOf(err)
	switch kind {
	case token.KindInsufficientBalance, token.KindInsufficientAllowance:
		writeError(w, http.StatusConflict, kind.String(), "")
	case token.KindInvalidInput:
		writeError(w, http.StatusBadRequest, kind.String(), err.Error())
	case token.KindNotInitialized:
		writeError(w, http.StatusServiceUnavailable, kind.String(), "")
	default:
		s.logger.Printf("%s failed: %v", in.Kind(), err)
		writeError(w, http.StatusInternalServerError, "Internal", "")
	}
}

func (s *Server) parseTarget(field, account, raw, display string) (address.Address, *uint256.Int, error) {
	a, err := address.Parse(account)
	if err != nil {
		return a, nil, fmt.Errorf("%s: %w", field, err)
	}
	v, err := parseAmount(raw, display, s.ledger.Ledger().Decimals())
	if err != nil {
		return a, nil, err
	}
	return a, v, nil
}

func parseAmount(raw, display string, decimals uint8) (*uint256.Int, error) {
	switch {
	case raw != "" && display != "":
		return nil, errors.New("set amount or displayAmount, not both")
	case display != "":
		v, err := units.Parse(display, decimals)
		if err != nil {
			return nil, fmt.Errorf("displayAmount: %w", err)
		}
		return v, nil
	default:
		return units.ParseRaw(raw)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, token.KindInvalidInput.String(), "decode body: "+err.Error())
		return false
	}
	return true
}

func amountResponse(v *uint256.Int, decimals uint8) AmountResponse {
	return AmountResponse{Amount: v.Dec(), Display: units.Format(v, decimals)}
}

func decPtr(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, ErrorResponse{Error: kind, Detail: detail})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
