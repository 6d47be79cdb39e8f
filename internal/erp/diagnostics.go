package erp

import (
	"context"
	"time"
)

// Diagnostics is a secret-free report on ERP connectivity.
type Diagnostics struct {
	Connected          bool      `json:"connected"`
	Endpoint           string    `json:"endpoint"`
	Database           string    `json:"database"`
	UsernameConfigured bool      `json:"usernameConfigured"`
	PasswordConfigured bool      `json:"passwordConfigured"`
	UID                int64     `json:"uid,omitempty"`
	ServerVersion      string    `json:"serverVersion,omitempty"`
	Outcome            Outcome   `json:"outcome"`
	Error              string    `json:"error,omitempty"`
	CheckedAt          time.Time `json:"checkedAt"`
}

// Diagnose authenticates and asks for the server version. A failed version
// probe after a successful login still counts as connected.
func (c *Client) Diagnose(ctx context.Context) Diagnostics {
	d := Diagnostics{
		Endpoint:           c.cfg.BaseURL + "/jsonrpc",
		Database:           c.cfg.Database,
		UsernameConfigured: c.cfg.Username != "",
		PasswordConfigured: c.cfg.Password != "",
		CheckedAt:          time.Now().UTC(),
	}
	if !c.cfg.Configured() {
		d.Outcome = OutcomeConfigError
		d.Error = ErrNotConfigured.Error()
		return d
	}
	uid, err := c.authenticate(ctx)
	if err != nil {
		d.Outcome = OutcomeOf(err)
		d.Error = publicReason(err)
		return d
	}
	d.Connected = true
	d.UID = uid
	d.Outcome = OutcomeFound
	if version, err := c.Version(ctx); err == nil {
		d.ServerVersion = version
	} else {
		d.ServerVersion = "unknown"
	}
	return d
}

// publicReason maps an error to a message that is safe to return to callers.
func publicReason(err error) string {
	switch OutcomeOf(err) {
	case OutcomeAuthFailed:
		if IsTransient(err) {
			return "could not reach the ERP while authenticating"
		}
		return "authentication rejected: check database, username and password"
	case OutcomeConfigError:
		return ErrNotConfigured.Error()
	default:
		return "ERP unreachable"
	}
}
