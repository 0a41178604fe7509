package controller

import (
	"io"
	"log/slog"
	"net/http"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/service"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

type WebhookController struct {
	Trigger *service.BillingTrigger
	Log     *slog.Logger
}

func NewWebhookController(trigger *service.BillingTrigger, log *slog.Logger) *WebhookController {
	if log == nil {
		log = logging.Discard()
	}
	return &WebhookController{Trigger: trigger, Log: log}
}

func (c *WebhookController) Calendar(w http.ResponseWriter, r *http.Request) {
	c.handle(w, r, service.SourceCalendar)
}

func (c *WebhookController) Billing(w http.ResponseWriter, r *http.Request) {
	c.handle(w, r, service.SourceBilling)
}

func (c *WebhookController) handle(w http.ResponseWriter, r *http.Request, source string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, c.Log, appErrors.NewValidation("body", "unreadable body"))
		return
	}
	res, err := c.Trigger.HandleWebhook(r.Context(), source, r.Header.Get(SignatureHeader), body)
	if appErrors.IsRejected(err) && res != nil {
		// Rejected events answer with the recorded result on every delivery.
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
