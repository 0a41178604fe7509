package controller

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/service"
)

type SequenceController struct {
	Sequencer *service.Sequencer
	Log       *slog.Logger
}

func NewSequenceController(seq *service.Sequencer, log *slog.Logger) *SequenceController {
	if log == nil {
		log = logging.Discard()
	}
	return &SequenceController{Sequencer: seq, Log: log}
}

// Schedule enqueues a lead's outreach sequence.
func (c *SequenceController) Schedule(w http.ResponseWriter, r *http.Request) {
	var body service.ScheduleCommand
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	res, err := c.Sequencer.Schedule(r.Context(), body.Request())
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (c *SequenceController) CancelPending(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "lead_id")
	n, err := c.Sequencer.CancelPending(r.Context(), leadID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lead_id": leadID, "cancelled": n})
}

func (c *SequenceController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := c.Sequencer.PauseCampaign(r.Context(), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "paused": true, "cancelled": n})
}

func (c *SequenceController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.Sequencer.ResumeCampaign(r.Context(), id); err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "paused": false})
}
