package erp

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Invoice is the projection of an account.move record used to build a link.
type Invoice struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	State       string  `json:"state"`
	AmountTotal float64 `json:"amount_total"`
	AccessToken string  `json:"access_token"`
}

// PaymentURL returns the customer portal link for the invoice.
func (inv Invoice) PaymentURL(base string) string {
	return PaymentURL(base, inv.ID, inv.AccessToken)
}

// MarshalZerologObject logs the invoice with its access token masked.
func (inv Invoice) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("id", inv.ID).
		Str("name", inv.Name).
		Str("state", inv.State).
		Float64("amount_total", inv.AmountTotal).
		Str("access_token", MaskToken(inv.AccessToken))
}

// PaymentURL builds {base}/my/invoices/{id}?access_token={token}.
func PaymentURL(base string, invoiceID int64, accessToken string) string {
	q := url.Values{}
	q.Set("access_token", accessToken)
	return strings.TrimRight(base, "/") + "/my/invoices/" + strconv.FormatInt(invoiceID, 10) + "?" + q.Encode()
}

// MaskToken keeps the first four characters of a capability token.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}

// RedactURL masks the access_token query value so the URL is safe to log.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable-url]"
	}
	q := u.Query()
	if tok := q.Get("access_token"); tok != "" {
		q.Set("access_token", MaskToken(tok))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// odooString decodes Odoo's habit of sending false for empty char fields.
type odooString string

func (s *odooString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("false")) || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = odooString(v)
	return nil
}

type invoiceRow struct {
	ID          int64      `json:"id"`
	Name        odooString `json:"name"`
	State       odooString `json:"state"`
	AmountTotal float64    `json:"amount_total"`
	AccessToken odooString `json:"access_token"`
}

func (r invoiceRow) invoice() Invoice {
	return Invoice{
		ID:          r.ID,
		Name:        string(r.Name),
		State:       string(r.State),
		AmountTotal: r.AmountTotal,
		AccessToken: string(r.AccessToken),
	}
}
