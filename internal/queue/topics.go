package queue

import "time"

const (
	TopicMessageSent         = "message.sent"
	TopicMessageDeadLettered = "message.dead_lettered"
	TopicLeadConverted       = "lead.converted"
	TopicBillingPosted       = "billing.posted"
	TopicSequenceSchedule    = "sequence.schedule"
)

type MessageSent struct {
	MessageID     string    `json:"message_id"`
	LeadID        string    `json:"lead_id"`
	CampaignID    string    `json:"campaign_id"`
	SequenceIndex int       `json:"sequence_index"`
	Channel       string    `json:"channel"`
	SentAt        time.Time `json:"sent_at"`
}

type MessageDeadLettered struct {
	MessageID     string `json:"message_id"`
	LeadID        string `json:"lead_id"`
	CampaignID    string `json:"campaign_id"`
	SequenceIndex int    `json:"sequence_index"`
	Reason        string `json:"reason"`
	Cancelled     int    `json:"cancelled"`
}

type LeadConverted struct {
	LeadID    string `json:"lead_id"`
	EventID   string `json:"event_id"`
	MeetingID string `json:"meeting_id"`
}

type BillingPosted struct {
	EventID  string `json:"event_id"`
	LeadID   string `json:"lead_id"`
	FeeMinor int64  `json:"fee_minor"`
	Currency string `json:"currency"`
	ChargeID string `json:"charge_id"`
}
