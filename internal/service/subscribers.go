package service

import (
	"context"
	"encoding/json"
	"time"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/queue"
)

const subscriberTimeout = 30 * time.Second

// StartConversionSubscriber cancels a lead's pending outreach when billing
// reports the lead converted.
func StartConversionSubscriber(q queue.Queue, seq *Sequencer) error {
	return q.Subscribe(queue.TopicLeadConverted, func(payload []byte) error {
		var ev queue.LeadConverted
		if err := json.Unmarshal(payload, &ev); err != nil {
			seq.logger().Error("dropping malformed lead.converted event", "error", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), subscriberTimeout)
		defer cancel()
		_, err := seq.CancelPending(ctx, ev.LeadID)
		return err
	})
}

// StartScheduleSubscriber feeds sequence.schedule commands to the Sequencer.
// Requests that can never succeed are logged and dropped; anything else is
// returned for redelivery.
func StartScheduleSubscriber(q queue.Queue, seq *Sequencer) error {
	return q.Subscribe(queue.TopicSequenceSchedule, func(payload []byte) error {
		return handleScheduleCommand(seq, payload)
	})
}

func handleScheduleCommand(seq *Sequencer, payload []byte) error {
	var cmd ScheduleCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		seq.logger().Error("dropping malformed schedule command", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscriberTimeout)
	defer cancel()
	_, err := seq.Schedule(ctx, cmd.Request())
	switch {
	case err == nil:
		return nil
	case appErrors.IsValidation(err), appErrors.IsPrecondition(err), appErrors.IsNotFound(err):
		seq.logger().Warn("schedule command refused",
			"campaign_id", cmd.CampaignID, "lead_id", cmd.LeadID, "error", err)
		return nil
	}
	return err
}
