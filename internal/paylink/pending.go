package paylink

import (
	"html/template"
	"net/url"
	"strconv"
)

var pendingPage = template.Must(template.New("pending").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Generating Payment Link</title>
  {{- if not .GaveUp}}
  {{.Refresh}}
  {{- end}}
  <style>
    body { font-family: system-ui, -apple-system, "Segoe UI", Roboto, sans-serif; background: #f4f7fb; color: #0b1120;
           display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
    .card { background: #fff; border-radius: 16px; padding: 2.5rem; max-width: 460px; text-align: center;
            box-shadow: 0 18px 40px rgba(15, 23, 42, 0.12); }
    .order-id { font-family: ui-monospace, monospace; background: #eef2ff; padding: 0.1rem 0.4rem; border-radius: 6px; }
    .muted { color: #4b5563; font-size: 0.95rem; }
    a.button { display: inline-block; margin-top: 1.25rem; padding: 0.7rem 1.6rem; border-radius: 999px;
               background: #18a9ff; color: #fff; text-decoration: none; font-weight: 600; }
  </style>
</head>
<body>
  <div class="card">
  {{- if .GaveUp}}
    <h1>This is taking longer than usual</h1>
    <p>We could not find the invoice for order <span class="order-id">{{.OrderID}}</span> yet.</p>
    <p class="muted">Please contact support and quote your order reference. You can also try again later.</p>
    <a class="button" href="{{.RestartURL}}">Try again</a>
  {{- else}}
    <h1>Generating Secure Payment Link</h1>
    <p>Order <span class="order-id">{{.OrderID}}</span></p>
    <p class="muted">Your invoice is being prepared. This page checks again every {{.RetryAfterSeconds}} seconds
      (attempt {{.Attempt}} of {{.MaxPolls}}).</p>
    <a class="button" href="{{.NextURL}}">Check now</a>
  {{- end}}
  </div>
</body>
</html>
`))

type pendingView struct {
	OrderID           string
	RetryAfterSeconds int
	Attempt           int
	MaxPolls          int
	GaveUp            bool
	NextURL           string
	RestartURL        string
	Refresh           template.HTML
}

func newPendingView(path, orderID string, attempt, maxPolls, retryAfterSeconds int) pendingView {
	next := pollURL(path, orderID, attempt+1)
	return pendingView{
		OrderID:           orderID,
		RetryAfterSeconds: retryAfterSeconds,
		Attempt:           attempt,
		MaxPolls:          maxPolls,
		GaveUp:            maxPolls > 0 && attempt >= maxPolls,
		NextURL:           next,
		RestartURL:        pollURL(path, orderID, 1),
		// content is not a URL attribute to html/template, so the tag is built here
		Refresh: template.HTML(`<meta http-equiv="refresh" content="` +
			strconv.Itoa(retryAfterSeconds) + `;url=` + template.HTMLEscapeString(next) + `">`), //nolint:gosec // escaped above
	}
}

func pollURL(path, orderID string, attempt int) string {
	q := url.Values{}
	q.Set("order_id", orderID)
	q.Set("attempt", strconv.Itoa(attempt))
	return (&url.URL{Path: path, RawQuery: q.Encode()}).String()
}
