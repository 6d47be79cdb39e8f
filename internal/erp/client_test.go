package erp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paylink/internal/erp"
	"github.com/noah-isme/paylink/internal/resilience"
)

type rpcCall struct {
	Service string
	Method  string
	Args    []json.RawMessage
}

// fakeERP is an in-memory stand-in for the /jsonrpc endpoint.
type fakeERP struct {
	mu       sync.Mutex
	calls    []rpcCall
	uid      any
	authErr  map[string]any
	invoices map[string][]map[string]any
	delay    time.Duration
	status   int

	// search* apply to execute_kw only, after a successful authenticate
	searchDelay  time.Duration
	searchStatus int
	searchFault  map[string]any
}

func newFakeERP() *fakeERP {
	return &fakeERP{uid: 7, invoices: map[string][]map[string]any{}}
}

func (f *fakeERP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jsonrpc" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Params  struct {
			Service string            `json:"service"`
			Method  string            `json:"method"`
			Args    []json.RawMessage `json:"args"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, rpcCall{Service: req.Params.Service, Method: req.Params.Method, Args: req.Params.Args})
	delay, status := f.delay, f.status
	searchFault := f.searchFault
	if req.Params.Method == "execute_kw" {
		delay, status = max(delay, f.searchDelay), max(status, f.searchStatus)
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Params.Service + "." + req.Params.Method {
	case "common.authenticate":
		if f.authErr != nil {
			resp["error"] = f.authErr
		} else {
			resp["result"] = f.uid
		}
	case "common.version":
		resp["result"] = map[string]any{"server_version": "17.0"}
	case "object.execute_kw":
		if searchFault != nil {
			resp["error"] = searchFault
			break
		}
		var domain [][][]string
		_ = json.Unmarshal(req.Params.Args[5], &domain)
		name := domain[0][0][2]
		rows := f.invoices[name]
		if rows == nil {
			rows = []map[string]any{}
		}
		resp["result"] = rows
	default:
		resp["error"] = map[string]any{"code": 200, "message": "unknown method"}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeERP) Calls() []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpcCall(nil), f.calls...)
}

func newClient(t *testing.T, fake *fakeERP, opts ...erp.Option) *erp.Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg := erp.Config{BaseURL: srv.URL + "/", Database: "prod", Username: "bot", Password: "pw", Timeout: 200 * time.Millisecond}
	return erp.NewClient(cfg, append([]erp.Option{erp.WithHTTPClient(srv.Client())}, opts...)...)
}

func TestLookupFound(t *testing.T) {
	fake := newFakeERP()
	fake.invoices["8335827457"] = []map[string]any{{
		"id": 42, "name": "8335827457", "state": "posted", "amount_total": 125.5, "access_token": "abc123",
	}}
	client := newClient(t, fake)

	inv, err := client.Lookup(context.Background(), "8335827457")
	require.NoError(t, err)
	require.Equal(t, int64(42), inv.ID)
	require.Equal(t, "abc123", inv.AccessToken)
	require.Equal(t, client.BaseURL()+"/my/invoices/42?access_token=abc123", inv.PaymentURL(client.BaseURL()))

	calls := fake.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "authenticate", calls[0].Method)
	require.Equal(t, "execute_kw", calls[1].Method)
	require.JSONEq(t, `"account.move"`, string(calls[1].Args[3]))
	require.JSONEq(t, `"search_read"`, string(calls[1].Args[4]))
	require.JSONEq(t, `[[["name","=","8335827457"]]]`, string(calls[1].Args[5]))
	require.JSONEq(t, `{"fields":["id","name","state","amount_total","access_token"],"limit":1}`, string(calls[1].Args[6]))
}

func TestLookupNotFound(t *testing.T) {
	client := newClient(t, newFakeERP())

	_, err := client.Lookup(context.Background(), "missing")
	require.ErrorIs(t, err, erp.ErrInvoiceNotFound)
	require.Equal(t, erp.OutcomeNotFound, erp.OutcomeOf(err))
	require.True(t, erp.IsTransient(err))
}

func TestLookupInvoiceWithoutTokenIsNotFound(t *testing.T) {
	fake := newFakeERP()
	fake.invoices["SO1"] = []map[string]any{{"id": 3, "name": "SO1", "state": "draft", "amount_total": 10, "access_token": false}}
	client := newClient(t, fake)

	_, err := client.Lookup(context.Background(), "SO1")
	require.ErrorIs(t, err, erp.ErrInvoiceNotFound)
}

func TestLookupAuthRejectedSkipsSearch(t *testing.T) {
	fake := newFakeERP()
	fake.uid = false
	client := newClient(t, fake)

	_, err := client.Lookup(context.Background(), "SO1")
	require.ErrorIs(t, err, erp.ErrAuthentication)
	require.Equal(t, erp.OutcomeAuthFailed, erp.OutcomeOf(err))
	require.False(t, erp.IsTransient(err))
	require.Len(t, fake.Calls(), 1)
}

func TestLookupAuthFaultIsNotTransient(t *testing.T) {
	fake := newFakeERP()
	fake.authErr = map[string]any{
		"code": 200, "message": "Odoo Server Error",
		"data": map[string]any{"name": "odoo.exceptions.AccessDenied", "message": "Access Denied"},
	}
	client := newClient(t, fake)

	_, err := client.Lookup(context.Background(), "SO1")
	require.ErrorIs(t, err, erp.ErrAuthentication)
	require.False(t, erp.IsTransient(err))

	var rpcErr *erp.RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, "odoo.exceptions.AccessDenied", rpcErr.Data.Name)
}

func TestLookupTimeoutIsTransportFailure(t *testing.T) {
	fake := newFakeERP()
	fake.delay = time.Second
	client := newClient(t, fake)

	start := time.Now()
	_, err := client.Lookup(context.Background(), "SO1")
	require.Less(t, time.Since(start), 900*time.Millisecond)
	require.ErrorIs(t, err, erp.ErrTransport)
	// a timeout while authenticating aborts before the search
	require.ErrorIs(t, err, erp.ErrAuthentication)
	require.True(t, erp.IsTransient(err))
}

func TestLookupServerErrorTripsBreaker(t *testing.T) {
	fake := newFakeERP()
	fake.status = http.StatusBadGateway
	breaker := resilience.NewBreaker(1, 0.5, time.Hour).WithTarget("erp-test")
	client := newClient(t, fake, erp.WithBreaker(breaker))

	_, err := client.Lookup(context.Background(), "SO1")
	require.ErrorIs(t, err, erp.ErrTransport)
	_, err = client.Lookup(context.Background(), "SO1")
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.Len(t, fake.Calls(), 1)
}

func TestLookupSearchFailuresAfterAuth(t *testing.T) {
	cases := []struct {
		name      string
		configure func(*fakeERP)
		outcome   erp.Outcome
		transient bool
	}{
		{
			name:      "search timeout",
			configure: func(f *fakeERP) { f.searchDelay = time.Second },
			outcome:   erp.OutcomeTransportError,
			transient: true,
		},
		{
			name:      "search 5xx",
			configure: func(f *fakeERP) { f.searchStatus = http.StatusServiceUnavailable },
			outcome:   erp.OutcomeTransportError,
			transient: true,
		},
		{
			name: "search server fault",
			configure: func(f *fakeERP) {
				f.searchFault = map[string]any{
					"code": 200, "message": "Odoo Server Error",
					"data": map[string]any{"name": "psycopg2.OperationalError", "message": "could not serialize access"},
				}
			},
			outcome:   erp.OutcomeTransportError,
			transient: true,
		},
		{
			name: "search access denied",
			configure: func(f *fakeERP) {
				f.searchFault = map[string]any{
					"code": 200, "message": "Odoo Server Error",
					"data": map[string]any{"name": "odoo.exceptions.AccessDenied", "message": "Access Denied"},
				}
			},
			outcome:   erp.OutcomeAuthFailed,
			transient: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeERP()
			tc.configure(fake)
			client := newClient(t, fake)

			_, err := client.Lookup(context.Background(), "SO1")
			require.Error(t, err)
			require.Equal(t, tc.outcome, erp.OutcomeOf(err))
			require.Equal(t, tc.transient, erp.IsTransient(err))
			if tc.outcome == erp.OutcomeTransportError {
				require.ErrorIs(t, err, erp.ErrTransport)
				require.NotErrorIs(t, err, erp.ErrAuthentication)
			} else {
				require.ErrorIs(t, err, erp.ErrAuthentication)
			}

			calls := fake.Calls()
			require.Len(t, calls, 2)
			require.Equal(t, "authenticate", calls[0].Method)
			require.Equal(t, "execute_kw", calls[1].Method)
		})
	}
}

func TestLookupSearchFaultKeepsRPCDetail(t *testing.T) {
	fake := newFakeERP()
	fake.searchFault = map[string]any{"code": 200, "message": "Odoo Server Error", "data": map[string]any{"name": "odoo.exceptions.UserError"}}
	client := newClient(t, fake)

	_, err := client.Lookup(context.Background(), "SO1")
	var rpcErr *erp.RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, "odoo.exceptions.UserError", rpcErr.Data.Name)
}

func TestLookupNotConfigured(t *testing.T) {
	client := erp.NewClient(erp.Config{BaseURL: "https://erp.example.com"})
	_, err := client.Lookup(context.Background(), "SO1")
	require.ErrorIs(t, err, erp.ErrNotConfigured)
	require.Equal(t, erp.OutcomeConfigError, erp.OutcomeOf(err))
	require.False(t, erp.IsTransient(err))
}

func TestDiagnose(t *testing.T) {
	client := newClient(t, newFakeERP())
	d := client.Diagnose(context.Background())
	require.True(t, d.Connected)
	require.Equal(t, int64(7), d.UID)
	require.Equal(t, "17.0", d.ServerVersion)
	require.True(t, d.PasswordConfigured)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"pw"`)
}

func TestDiagnoseRejected(t *testing.T) {
	fake := newFakeERP()
	fake.uid = 0
	client := newClient(t, fake)

	d := client.Diagnose(context.Background())
	require.False(t, d.Connected)
	require.Equal(t, erp.OutcomeAuthFailed, d.Outcome)
	require.Contains(t, d.Error, "authentication rejected")
}
