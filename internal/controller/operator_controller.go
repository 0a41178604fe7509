package controller

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type OperatorController struct {
	Operator *service.OperatorService
	Log      *slog.Logger
}

func NewOperatorController(ops *service.OperatorService, log *slog.Logger) *OperatorController {
	if log == nil {
		log = logging.Discard()
	}
	return &OperatorController{Operator: ops, Log: log}
}

func (c *OperatorController) MessagesForLead(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "lead_id")
	msgs, err := c.Operator.MessagesForLead(r.Context(), leadID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lead_id": leadID, "messages": msgs})
}

func (c *OperatorController) DeadLetters(w http.ResponseWriter, r *http.Request) {
	page, err := c.Operator.DeadLetters(r.Context(), queryInt(r, "page"), queryInt(r, "page_size"))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (c *OperatorController) ExportDeadLetters(w http.ResponseWriter, r *http.Request) {
	name, data, err := c.Operator.ExportDeadLetters(r.Context())
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (c *OperatorController) RejectedBilling(w http.ResponseWriter, r *http.Request) {
	page, err := c.Operator.RejectedBilling(r.Context(), queryInt(r, "page"), queryInt(r, "page_size"))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
