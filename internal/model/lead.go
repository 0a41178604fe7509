package model

import "time"

type LeadStatus string

const (
	LeadNew         LeadStatus = "new"
	LeadContacted   LeadStatus = "contacted"
	LeadEngaged     LeadStatus = "engaged"
	LeadDormant     LeadStatus = "dormant"
	LeadReactivated LeadStatus = "reactivated"
	LeadConverted   LeadStatus = "converted"
)

// ConvertibleLeadStatuses are the only states a lead may move to converted from.
var ConvertibleLeadStatuses = []LeadStatus{
	LeadNew, LeadContacted, LeadEngaged, LeadDormant, LeadReactivated,
}

type Lead struct {
	ID         string     `db:"id" json:"id"`
	CampaignID string     `db:"campaign_id" json:"campaign_id"`
	Email      string     `db:"email" json:"email"`
	Phone      string     `db:"phone" json:"phone"`
	Status     LeadStatus `db:"status" json:"status"`
	ACVMinor   int64      `db:"acv_minor" json:"acv_minor"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Recipient returns the address used for the given channel.
func (l *Lead) Recipient(channel Channel) string {
	switch channel {
	case ChannelSMS:
		return l.Phone
	case ChannelEmail:
		return l.Email
	}
	return ""
}
