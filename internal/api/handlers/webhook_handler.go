package handlers

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/prguard/engine/internal/api/types"
	"github.com/prguard/engine/internal/services"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
)

// MaxWebhookBody matches GitHub's payload cap.
const MaxWebhookBody = 25 << 20

type WebhookHandler struct {
	svc services.WebhookService
}

func NewWebhookHandler(svc services.WebhookService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// GitHub receives signed webhook deliveries.
func (h *WebhookHandler) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, appErr.New(appErr.CodeInvalid, "payload too large"))
			return
		}
		logger.L().Warn("read webhook body failed", zap.Error(err))
		writeError(w, r, appErr.HTTPStatus(appErr.CodeInvalid), appErr.Wrap(err, appErr.CodeInvalid, "unreadable body"))
		return
	}

	res := h.svc.Handle(r.Context(), body, r.Header)
	if res.Body.Error != nil {
		writeError(w, r, res.StatusCode, res.Body.Error)
		return
	}
	writeJSON(w, res.StatusCode, types.APIResponse{Success: true, Data: res.Body, Meta: meta(r)})
}
