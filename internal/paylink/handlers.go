package paylink

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink/internal/common"
)

const pendingCSP = "default-src 'none'; style-src 'unsafe-inline'; base-uri 'none'; form-action 'none'; frame-ancestors 'none'"

// Handler serves the resolve endpoint.
type Handler struct {
	Resolver *Resolver
	MaxPolls int
	Logger   zerolog.Logger
}

type pendingResp struct {
	Status            string `json:"status"`
	OrderID           string `json:"orderId"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
	MaxPolls          int    `json:"maxPolls"`
}

// Pay redirects to the payment link when it is known and otherwise answers
// with a pending page the browser reloads after Retry-After.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Resolver == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYLINK_NOT_CONFIGURED", "resolver unavailable", nil)
		return
	}
	res, err := h.Resolver.Resolve(r.Context(), r.URL.Query().Get("order_id"))
	if err != nil {
		if !errors.Is(err, ErrInvalidOrderID) {
			h.Logger.Error().Err(err).Msg("resolve_failed")
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
			return
		}
		if common.WantsJSON(r) {
			common.JSONError(w, http.StatusBadRequest, "INVALID_ORDER_ID", "order_id is missing or invalid", nil)
			return
		}
		http.Error(w, "Missing or invalid order_id parameter", http.StatusBadRequest)
		return
	}

	if res.Resolved() {
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, res.PaymentURL, http.StatusFound)
		return
	}

	seconds := retryAfterSeconds(res.RetryAfter)
	headers := w.Header()
	headers.Set("Retry-After", strconv.Itoa(seconds))
	headers.Set("X-Paylink-Status", string(StatePending))
	headers.Set("Cache-Control", "no-store")

	if common.WantsJSON(r) {
		common.JSON(w, http.StatusOK, pendingResp{
			Status:            string(StatePending),
			OrderID:           res.OrderID,
			RetryAfterSeconds: seconds,
			MaxPolls:          h.MaxPolls,
		})
		return
	}

	view := newPendingView(r.URL.Path, res.OrderID, attemptOf(r), h.MaxPolls, seconds)
	headers.Set("Content-Type", "text/html; charset=utf-8")
	headers.Set("Content-Security-Policy", pendingCSP)
	w.WriteHeader(http.StatusOK)
	if err := pendingPage.Execute(w, view); err != nil {
		h.Logger.Error().Err(err).Str("order_id", res.OrderID).Msg("pending_page_render_failed")
	}
}

func attemptOf(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("attempt"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
