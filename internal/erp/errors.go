package erp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConfigured means credentials or the base URL are missing.
	ErrNotConfigured = errors.New("erp: not configured")
	// ErrAuthentication means the ERP rejected the service credentials or
	// the session could not be established.
	ErrAuthentication = errors.New("erp: authentication failed")
	// ErrTransport covers timeouts, DNS, TLS, 5xx and undecodable responses.
	ErrTransport = errors.New("erp: transport error")
	// ErrInvoiceNotFound means the query succeeded but no usable invoice exists yet.
	ErrInvoiceNotFound = errors.New("erp: invoice not found")
)

// Outcome labels the result of a single lookup for metrics and logs.
type Outcome string

const (
	OutcomeFound          Outcome = "found"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeAuthFailed     Outcome = "auth_failed"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeConfigError    Outcome = "config_error"
)

// OutcomeOf classifies a Lookup error. A failure while authenticating is an
// auth failure even when the cause was the network, because the search call
// is never attempted.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeFound
	case errors.Is(err, ErrNotConfigured):
		return OutcomeConfigError
	case errors.Is(err, ErrAuthentication):
		return OutcomeAuthFailed
	case errors.Is(err, ErrInvoiceNotFound):
		return OutcomeNotFound
	default:
		return OutcomeTransportError
	}
}

// IsTransient reports whether err is expected to clear up without operator
// action. Configuration and credential rejections are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConfigured) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrInvoiceNotFound)
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	name := e.Data.Name
	if name == "" {
		name = "rpc"
	}
	msg := e.Data.Message
	if msg == "" {
		msg = e.Message
	}
	return fmt.Sprintf("%s (code %d): %s", name, e.Code, msg)
}

// accessDenied reports whether the fault is a credential rejection.
func (e *RPCError) accessDenied() bool {
	name := strings.ToLower(e.Data.Name)
	msg := strings.ToLower(e.Data.Message + " " + e.Message)
	return strings.Contains(name, "accessdenied") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(name, "sessionexpired")
}
