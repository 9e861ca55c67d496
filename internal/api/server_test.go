package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/journal"
	"token-ledger/internal/observability"
	chstore "token-ledger/internal/storage/clickhouse"
	"token-ledger/internal/storage/memory"
	"token-ledger/internal/token"
)

func acct(n byte) address.Address {
	var a address.Address
	a[0] = n
	a[31] = 0x33
	return a
}

var (
	issuer  = acct(1)
	alice   = acct(2)
	bob     = acct(3)
	spender = acct(4)
)

type fixture struct {
	server  *Server
	journal *journal.Journal
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	logger := log.New(io.Discard, "", 0)

	cfg := token.Config{
		Issuer:      issuer,
		TotalSupply: uint256.NewInt(1000),
		Name:        "Test",
		Symbol:      "TST",
		Decimals:    2,
	}
	transitions := memory.NewTransitionStore()
	j, err := journal.Open(context.Background(), cfg, journal.Options{
		Metadata:    memory.NewMetadataStore(),
		Transitions: transitions,
		Snapshots:   memory.NewSnapshotStore(),
		Metrics:     metrics,
		Logger:      logger,
	})
	require.NoError(t, err)

	return &fixture{
		server: NewServer(j, Options{
			History: transitions,
			Volume:  stubVolume{},
			Metrics: metrics,
			Logger:  logger,
		}),
		journal: j,
		metrics: metrics,
	}
}

func (f *fixture) do(t *testing.T, method, path string, caller *address.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != nil {
		req.Header.Set(CallerHeader, caller.String())
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/token", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[TokenResponse](t, rec)
	assert.Equal(t, "Test", resp.Name)
	assert.Equal(t, "TST", resp.Symbol)
	assert.Equal(t, uint8(2), resp.Decimals)
	assert.Equal(t, "1000", resp.TotalSupply)
	assert.Equal(t, issuer.String(), resp.Issuer)
	assert.Zero(t, resp.Sequence)
}

func TestBalance(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/balances/"+issuer.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AmountResponse](t, rec)
	assert.Equal(t, "1000", resp.Amount)
	assert.Equal(t, "10", resp.Display)

	rec = f.do(t, http.MethodGet, "/v1/balances/"+alice.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", decode[AmountResponse](t, rec).Amount)
}

func TestBalance_BadAddress(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/balances/not-base58-0OIl", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidInput", decode[ErrorResponse](t, rec).Error)
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/transfer", &issuer, TransferRequest{To: alice.String(), Amount: "250"})
	require.Equal(t, http.StatusOK, rec.Code)

	receipt := decode[ReceiptResponse](t, rec)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(1), receipt.Sequence)
	assert.Equal(t, string(domain.TransitionTransfer), receipt.Kind)
	assert.NotEmpty(t, receipt.ID)
	require.NotNil(t, receipt.FromBalance)
	require.NotNil(t, receipt.ToBalance)
	assert.Equal(t, "750", *receipt.FromBalance)
	assert.Equal(t, "250", *receipt.ToBalance)
	assert.Nil(t, receipt.Allowance)

	assert.Equal(t, "250", f.journal.Ledger().BalanceOf(alice).Dec())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("transfer", "200")))
}

func TestTransfer_DisplayAmount(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/transfer", &issuer, TransferRequest{To: alice.String(), DisplayAmount: "2.5"})
	require.Equal(t, http.StatusOK, rec.Code)
	receipt := decode[ReceiptResponse](t, rec)
	require.NotNil(t, receipt.ToBalance)
	assert.Equal(t, "250", *receipt.ToBalance)

	rec = f.do(t, http.MethodPost, "/v1/approve", &alice, ApproveRequest{Spender: spender.String(), DisplayAmount: "1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", f.journal.Ledger().Allowance(alice, spender).Dec())

	rec = f.do(t, http.MethodPost, "/v1/transfer-from", &spender,
		TransferFromRequest{Owner: alice.String(), To: bob.String(), DisplayAmount: "0.75"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "75", f.journal.Ledger().BalanceOf(bob).Dec())
	assert.Equal(t, "25", f.journal.Ledger().Allowance(alice, spender).Dec())
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/transfer", &alice, TransferRequest{To: bob.String(), Amount: "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InsufficientBalance", decode[ErrorResponse](t, rec).Error)
	assert.Zero(t, f.journal.Ledger().Sequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("transfer", "409")))
}

func TestTransfer_Malformed(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		caller *address.Address
		body   any
	}{
		{"missing caller", nil, TransferRequest{To: alice.String(), Amount: "1"}},
		{"bad recipient", &issuer, TransferRequest{To: "xyz", Amount: "1"}},
		{"negative amount", &issuer, TransferRequest{To: alice.String(), Amount: "-1"}},
		{"fractional amount", &issuer, TransferRequest{To: alice.String(), Amount: "1.5"}},
		{"empty amount", &issuer, TransferRequest{To: alice.String()}},
		{"both amounts", &issuer, TransferRequest{To: alice.String(), Amount: "1", DisplayAmount: "0.01"}},
		{"display below unit", &issuer, TransferRequest{To: alice.String(), DisplayAmount: "0.001"}},
		{"negative display", &issuer, TransferRequest{To: alice.String(), DisplayAmount: "-1"}},
		{"unknown field", &issuer, map[string]string{"to": alice.String(), "amount": "1", "memo": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/transfer", tt.caller, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "InvalidInput", decode[ErrorResponse](t, rec).Error)
		})
	}
	assert.Zero(t, f.journal.Ledger().Sequence())
}

func TestApproveAndTransferFrom(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/approve", &issuer, ApproveRequest{Spender: spender.String(), Amount: "300"})
	require.Equal(t, http.StatusOK, rec.Code)
	receipt := decode[ReceiptResponse](t, rec)
	require.NotNil(t, receipt.Allowance)
	assert.Equal(t, "300", *receipt.Allowance)
	assert.Nil(t, receipt.FromBalance)

	rec = f.do(t, http.MethodGet, "/v1/allowances/"+issuer.String()+"/"+spender.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "300", decode[AmountResponse](t, rec).Amount)

	rec = f.do(t, http.MethodPost, "/v1/transfer-from", &spender,
		TransferFromRequest{Owner: issuer.String(), To: bob.String(), Amount: "120"})
	require.Equal(t, http.StatusOK, rec.Code)
	receipt = decode[ReceiptResponse](t, rec)
	assert.Equal(t, string(domain.TransitionTransferFrom), receipt.Kind)
	assert.Equal(t, "180", *receipt.Allowance)
	assert.Equal(t, "880", *receipt.FromBalance)
	assert.Equal(t, "120", *receipt.ToBalance)

	rec = f.do(t, http.MethodPost, "/v1/transfer-from", &spender,
		TransferFromRequest{Owner: issuer.String(), To: bob.String(), Amount: "181"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InsufficientAllowance", decode[ErrorResponse](t, rec).Error)

	l := f.journal.Ledger()
	assert.Equal(t, "180", l.Allowance(issuer, spender).Dec())
	assert.Equal(t, "120", l.BalanceOf(bob).Dec())
}

func TestHistory(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/transfer", &issuer, TransferRequest{To: alice.String(), Amount: "5"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/transfer", &issuer, TransferRequest{To: bob.String(), Amount: "6"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/transfer", &alice, TransferRequest{To: bob.String(), Amount: "2"}).Code)

	rec := f.do(t, http.MethodGet, "/v1/accounts/"+alice.String()+"/transitions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	history := decode[[]TransitionResponse](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].Sequence)
	assert.Equal(t, uint64(3), history[1].Sequence)
	assert.Equal(t, alice.String(), history[1].From)
	assert.Equal(t, "2", history[1].Amount)
}

// stubVolume reports a fixed volume for any account.
type stubVolume struct{}

func (stubVolume) AccountVolume(_ context.Context, account address.Address) (*chstore.AccountVolume, error) {
	return &chstore.AccountVolume{
		Account:     account,
		Sent:        uint256.NewInt(7),
		Received:    uint256.NewInt(9),
		Transitions: 3,
	}, nil
}

func TestVolume(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/accounts/"+bob.String()+"/volume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	v := decode[VolumeResponse](t, rec)
	assert.Equal(t, bob.String(), v.Account)
	assert.Equal(t, "7", v.Sent)
	assert.Equal(t, "9", v.Received)
	assert.Equal(t, uint64(3), v.Transitions)
}

func TestOptionalRoutesDisabled(t *testing.T) {
	s := NewServer(&stubLedger{ledger: token.New(token.Options{})}, Options{
		Metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
		Logger:  log.New(io.Discard, "", 0),
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/"+bob.String()+"/volume", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/transfer", &issuer, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// stubLedger returns a fixed error from Execute.
type stubLedger struct {
	ledger *token.Ledger
	err    error
}

func (s *stubLedger) Ledger() *token.Ledger { return s.ledger }

func (s *stubLedger) Execute(context.Context, address.Address, token.Instruction) (*domain.Transition, error) {
	return nil, s.err
}

func TestExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"journal failed", journal.ErrJournalFailed, http.StatusServiceUnavailable, "JournalFailed"},
		{"not initialized", &token.Error{Kind: token.KindNotInitialized, Op: "transfer"}, http.StatusServiceUnavailable, "NotInitialized"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "Internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&stubLedger{ledger: token.New(token.Options{}), err: tt.err}, Options{
				Metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
				Logger:  log.New(io.Discard, "", 0),
			})
			body, _ := json.Marshal(TransferRequest{To: alice.String(), Amount: "1"})
			req := httptest.NewRequest(http.MethodPost, "/v1/transfer", bytes.NewReader(body))
			req.Header.Set(CallerHeader, issuer.String())
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.kind, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestToken_NotInitialized(t *testing.T) {
	s := NewServer(&stubLedger{ledger: token.New(token.Options{})}, Options{
		Metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
		Logger:  log.New(io.Discard, "", 0),
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/token", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
