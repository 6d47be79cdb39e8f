package erp

import (
	"context"
	"net/http"
	"time"

	"github.com/noah-isme/paylink/internal/common"
)

// DiagnosticsHandler reports ERP connectivity for operators.
type DiagnosticsHandler struct {
	Client  *Client
	Timeout time.Duration
}

type diagnosticsResp struct {
	Success     bool        `json:"success"`
	Status      string      `json:"status"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

func (h DiagnosticsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Client == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "ERP_NOT_CONFIGURED", "erp client unavailable", nil)
		return
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	d := h.Client.Diagnose(ctx)
	if !d.Connected {
		common.JSON(w, http.StatusServiceUnavailable, diagnosticsResp{Status: "disconnected", Diagnostics: d})
		return
	}
	common.JSON(w, http.StatusOK, diagnosticsResp{Success: true, Status: "connected", Diagnostics: d})
}
