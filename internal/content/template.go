package content

import (
	"strconv"
	"strings"

	"github.com/unclebandit/reactivation-backend/internal/model"
)

// RenderTemplate replaces {key} placeholders with values from data.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

func placeholders(msg model.ScheduledMessage) map[string]string {
	return map[string]string{
		"lead_id":        msg.LeadID,
		"campaign_id":    msg.CampaignID,
		"channel":        string(msg.Channel),
		"sequence_index": strconv.Itoa(msg.SequenceIndex),
	}
}
