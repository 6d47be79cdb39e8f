package paylink

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink/internal/common"
	"github.com/noah-isme/paylink/internal/obs"
)

// orderIDFields are the payload keys tried, in order, for the order id.
var orderIDFields = []string{"order_id", "orderId", "invoice_number", "reference"}

// namedRecords are the envelopes whose "name" is the record name, not a
// customer or event name.
var namedRecords = map[string]bool{"order": true, "invoice": true}

// nestedObjects are the envelopes searched when the top level has no id.
var nestedObjects = []string{"data", "order", "invoice"}

// Webhook acknowledges inbound order events. The sender does not retry, so
// every request is answered 200 whatever happens downstream.
type Webhook struct {
	Resolver *Resolver
	Replay   common.Replay
	Logger   zerolog.Logger
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Handle reads the event and, when it names an order, schedules one deferred
// refresh so the link is usually cached before the customer arrives.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	result := h.process(r)
	obs.IncCounter(obs.WebhookTotal, result)
	Ack(w, r)
}

// Ack writes the unconditional acknowledgement.
func Ack(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, webhookAck{Received: true})
}

// Overflow acknowledges a payload rejected for size.
func (h Webhook) Overflow(w http.ResponseWriter, r *http.Request) {
	obs.IncCounter(obs.WebhookTotal, "too_large")
	h.Logger.Warn().Int64("content_length", r.ContentLength).Msg("webhook_body_too_large")
	Ack(w, r)
}

func (h Webhook) process(r *http.Request) string {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("webhook_read_failed")
		return "unreadable"
	}
	orderID := ExtractOrderID(body)
	if orderID == "" {
		h.Logger.Info().Int("bytes", len(body)).Msg("webhook_without_order")
		return "ignored"
	}
	log := h.Logger.With().Str("order_id", orderID).Logger()

	first, err := h.Replay.First(r.Context(), string(body))
	if err != nil {
		log.Warn().Err(err).Msg("webhook_replay_check_failed")
	}
	if !first {
		log.Debug().Msg("webhook_duplicate")
		return "duplicate"
	}

	if h.Resolver == nil {
		return "accepted"
	}
	if err := h.Resolver.Defer(r.Context(), orderID); err != nil {
		if errors.Is(err, ErrInvalidOrderID) {
			log.Info().Msg("webhook_invalid_order")
			return "invalid"
		}
		log.Warn().Err(err).Msg("webhook_defer_failed")
		return "defer_failed"
	}
	log.Info().Msg("webhook_accepted")
	return "accepted"
}

// ExtractOrderID pulls an order id out of a best-effort JSON payload. Unknown
// shapes and malformed bodies yield "".
func ExtractOrderID(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return ""
	}
	if id := idFrom(payload, orderIDFields); id != "" {
		return id
	}
	for _, key := range nestedObjects {
		nested, ok := payload[key].(map[string]any)
		if !ok {
			continue
		}
		fields := orderIDFields
		if namedRecords[key] {
			fields = append(fields[:len(fields):len(fields)], "name")
		}
		if id := idFrom(nested, fields); id != "" {
			return id
		}
	}
	return ""
}

func idFrom(obj map[string]any, fields []string) string {
	for _, key := range fields {
		switch v := obj[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
