package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/model"
	"github.com/unclebandit/reactivation-backend/internal/repository"
)

// Step is one planned message of a sequence.
type Step struct {
	Channel    model.Channel `json:"channel" validate:"required,oneof=email sms"`
	ContentRef string        `json:"content_ref" validate:"required,max=256"`
	Offset     time.Duration `json:"-"`
	// IdempotencyKey overrides the key derived from the request position.
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=200"`
}

type ScheduleRequest struct {
	CampaignID string `json:"campaign_id" validate:"required"`
	LeadID     string `json:"lead_id" validate:"required"`
	Steps      []Step `json:"messages" validate:"required,min=1,max=50,dive"`
}

// ScheduleCommand is the wire form of a schedule request, shared by the HTTP
// trigger and the sequence.schedule consumer.
type ScheduleCommand struct {
	CampaignID string        `json:"campaign_id"`
	LeadID     string        `json:"lead_id"`
	Messages   []StepCommand `json:"messages"`
}

type StepCommand struct {
	Channel        string `json:"channel"`
	ContentRef     string `json:"content_ref"`
	OffsetSeconds  int64  `json:"offset_seconds"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (c ScheduleCommand) Request() ScheduleRequest {
	req := ScheduleRequest{CampaignID: c.CampaignID, LeadID: c.LeadID}
	for _, m := range c.Messages {
		req.Steps = append(req.Steps, Step{
			Channel:        model.Channel(m.Channel),
			ContentRef:     m.ContentRef,
			Offset:         time.Duration(m.OffsetSeconds) * time.Second,
			IdempotencyKey: m.IdempotencyKey,
		})
	}
	return req
}

type ScheduleResult struct {
	CampaignID string                   `json:"campaign_id"`
	LeadID     string                   `json:"lead_id"`
	Scheduled  int                      `json:"scheduled"`
	Messages   []model.ScheduledMessage `json:"messages"`
}

// Sequencer turns a campaign's message plan into ordered, time-stamped jobs.
type Sequencer struct {
	Leads     repository.LeadRepositoryInterface
	Campaigns repository.CampaignRepositoryInterface
	Jobs      repository.JobStoreInterface
	Log       *slog.Logger
}

func (s *Sequencer) logger() *slog.Logger {
	if s.Log == nil {
		return logging.Discard()
	}
	return s.Log
}

// Schedule validates the plan and enqueues every step, or nothing.
// Steps whose idempotency key is already live are skipped, so a retried
// request is a no-op.
func (s *Sequencer) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	for i, st := range req.Steps {
		if st.Offset < 0 {
			return nil, appErrors.NewValidation(fmt.Sprintf("messages[%d].offset", i), "must not be negative")
		}
		if i > 0 && st.Offset < req.Steps[i-1].Offset {
			return nil, appErrors.NewValidation(fmt.Sprintf("messages[%d].offset", i), "offsets must be non-decreasing")
		}
	}

	lead, err := s.Leads.GetByID(ctx, req.LeadID)
	if err != nil {
		return nil, err
	}
	if lead.CampaignID != req.CampaignID {
		return nil, appErrors.NewValidation("lead_id", "lead does not belong to campaign")
	}
	campaign, err := s.Campaigns.GetByID(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if lead.Status == model.LeadConverted {
		return nil, appErrors.NewPreconditionFailed("lead is converted")
	}
	if campaign.Paused {
		return nil, appErrors.NewPreconditionFailed("campaign is paused")
	}

	msgs := make([]*model.ScheduledMessage, 0, len(req.Steps))
	for i, st := range req.Steps {
		recipient := lead.Recipient(st.Channel)
		if recipient == "" {
			return nil, appErrors.NewValidation(fmt.Sprintf("messages[%d].channel", i), "lead has no address for "+string(st.Channel))
		}
		key := st.IdempotencyKey
		if key == "" {
			key = fmt.Sprintf("%s:%s:%d:%s:%s", req.CampaignID, req.LeadID, i, st.Channel, st.ContentRef)
		}
		msgs = append(msgs, &model.ScheduledMessage{
			CampaignID:     req.CampaignID,
			LeadID:         req.LeadID,
			Channel:        st.Channel,
			Recipient:      recipient,
			ContentRef:     st.ContentRef,
			ScheduledAt:    campaign.StartsAt.Add(st.Offset).UTC(),
			IdempotencyKey: key,
		})
	}

	n, err := s.Jobs.Enqueue(ctx, msgs)
	if err != nil {
		return nil, err
	}

	result := &ScheduleResult{CampaignID: req.CampaignID, LeadID: req.LeadID, Scheduled: n, Messages: []model.ScheduledMessage{}}
	for _, m := range msgs {
		if m.ID != "" {
			result.Messages = append(result.Messages, *m)
		}
	}
	s.logger().Info("sequence scheduled",
		"campaign_id", req.CampaignID, "lead_id", req.LeadID,
		"requested", len(msgs), "scheduled", n)
	return result, nil
}

// CancelPending cancels the lead's not-yet-leased messages. Leased messages
// run to completion.
func (s *Sequencer) CancelPending(ctx context.Context, leadID string) (int, error) {
	if leadID == "" {
		return 0, appErrors.NewValidation("lead_id", "required")
	}
	n, err := s.Jobs.CancelPendingByLead(ctx, leadID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger().Info("pending messages cancelled", "lead_id", leadID, "cancelled", n)
	}
	return n, nil
}

// PauseCampaign stops new scheduling and cancels every not-yet-leased job of
// the campaign.
func (s *Sequencer) PauseCampaign(ctx context.Context, campaignID string) (int, error) {
	if err := s.Campaigns.SetPaused(ctx, campaignID, true); err != nil {
		return 0, err
	}
	n, err := s.Jobs.CancelPendingByCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	s.logger().Info("campaign paused", "campaign_id", campaignID, "cancelled", n)
	return n, nil
}

// ResumeCampaign allows scheduling again. Cancelled messages stay cancelled;
// callers reschedule what they still want sent.
func (s *Sequencer) ResumeCampaign(ctx context.Context, campaignID string) error {
	if err := s.Campaigns.SetPaused(ctx, campaignID, false); err != nil {
		return err
	}
	s.logger().Info("campaign resumed", "campaign_id", campaignID)
	return nil
}
