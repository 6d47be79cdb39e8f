package erp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/paylink/internal/resilience"
)

const (
	invoiceModel   = "account.move"
	maxRespBytes   = 4 << 20
	defaultTimeout = 15 * time.Second
)

var invoiceFields = []string{"id", "name", "state", "amount_total", "access_token"}

// Config holds the ERP endpoint and service account.
type Config struct {
	BaseURL     string
	Database    string
	Username    string
	Password    string
	Timeout     time.Duration
	InsecureTLS bool
}

// Configured reports whether every credential is present.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.BaseURL) != "" &&
		strings.TrimSpace(c.Database) != "" &&
		strings.TrimSpace(c.Username) != "" &&
		c.Password != ""
}

// Client speaks JSON-RPC to an Odoo-compatible ERP. It is stateless across
// lookups: every Lookup authenticates before searching.
type Client struct {
	cfg    Config
	http   resilience.HTTPClient
	logger zerolog.Logger
	tracer trace.Tracer
	seq    atomic.Int64
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http.Client = hc
		}
	}
}

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.http.Breaker = b }
}

// WithLogger sets the logger used for RPC diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a client. Each RPC call is a single attempt bounded by
// cfg.Timeout.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-hosted ERP with private CA
	}
	c := &Client{
		cfg: cfg,
		http: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(transport)},
			MaxAttempts: 1,
			Timeout:     cfg.Timeout,
		},
		logger: zerolog.Nop(),
		tracer: otel.Tracer("erp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalised ERP base URL used for payment links.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Lookup authenticates and searches for the invoice named orderID. Only the
// first matching record is used. An invoice without an access token has no
// public link yet and is reported as ErrInvoiceNotFound.
func (c *Client) Lookup(ctx context.Context, orderID string) (Invoice, error) {
	ctx, span := c.tracer.Start(ctx, "erp.lookup", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	inv, err := c.lookup(ctx, orderID)
	span.SetAttributes(attribute.String("outcome", string(OutcomeOf(err))))
	if err != nil && !IsTransient(err) {
		span.SetStatus(codes.Error, err.Error())
	}
	return inv, err
}

func (c *Client) lookup(ctx context.Context, orderID string) (Invoice, error) {
	if !c.cfg.Configured() {
		return Invoice{}, ErrNotConfigured
	}
	uid, err := c.authenticate(ctx)
	if err != nil {
		return Invoice{}, err
	}

	rows, err := c.searchInvoices(ctx, uid, orderID)
	if err != nil {
		return Invoice{}, err
	}
	if len(rows) == 0 {
		return Invoice{}, fmt.Errorf("%w: %s", ErrInvoiceNotFound, orderID)
	}
	inv := rows[0].invoice()
	if inv.ID <= 0 || inv.AccessToken == "" {
		c.logger.Debug().Object("invoice", inv).Msg("erp_invoice_without_link")
		return Invoice{}, fmt.Errorf("%w: %s has no access token", ErrInvoiceNotFound, orderID)
	}
	return inv, nil
}

func (c *Client) authenticate(ctx context.Context) (int64, error) {
	raw, err := c.call(ctx, "common", "authenticate", []any{c.cfg.Database, c.cfg.Username, c.cfg.Password, map[string]any{}})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// the ERP answered: a fault here is a credential problem, not a transient one
			return 0, fmt.Errorf("%w: %w", ErrAuthentication, rpcErr)
		}
		// the search is never attempted, so a network failure here is still an auth-stage failure
		return 0, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid <= 0 {
		// Odoo answers false for rejected credentials
		return 0, fmt.Errorf("%w: credentials rejected", ErrAuthentication)
	}
	return uid, nil
}

func (c *Client) searchInvoices(ctx context.Context, uid int64, orderID string) ([]invoiceRow, error) {
	domain := [][]any{{"name", "=", orderID}}
	args := []any{
		c.cfg.Database, uid, c.cfg.Password,
		invoiceModel, "search_read",
		[]any{domain},
		map[string]any{"fields": invoiceFields, "limit": 1},
	}
	raw, err := c.call(ctx, "object", "execute_kw", args)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.accessDenied() {
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, rpcErr)
		}
		return nil, err
	}
	var rows []invoiceRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode search_read: %v", ErrTransport, err)
	}
	return rows, nil
}

// Version returns the ERP server_version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return "", ErrNotConfigured
	}
	raw, err := c.call(ctx, "common", "version", []any{})
	if err != nil {
		return "", err
	}
	var info struct {
		ServerVersion string `json:"server_version"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", fmt.Errorf("%w: decode version: %v", ErrTransport, err)
	}
	return info.ServerVersion, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call posts one JSON-RPC envelope. Transport problems come back wrapping
// ErrTransport; a JSON-RPC fault comes back as *RPCError wrapping ErrTransport.
func (c *Client) call(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s.%s: %w", service, method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.logger.Debug().Err(err).Str("rpc", service+"."+method).Dur("elapsed", time.Since(start)).Msg("erp_rpc_failed")
		return nil, fmt.Errorf("%w: %s.%s: %w", ErrTransport, service, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRespBytes))
		return nil, fmt.Errorf("%w: %s.%s: unexpected status %d", ErrTransport, service, method, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRespBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %s.%s: decode response: %v", ErrTransport, service, method, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%w: %s.%s: %w", ErrTransport, service, method, out.Error)
	}
	return out.Result, nil
}
