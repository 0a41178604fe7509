package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/reactivation-backend/internal/model"
)

type MessageRepository struct {
	DB *sql.DB
}

func (r *MessageRepository) ListByLead(ctx context.Context, leadID string) ([]model.MessageWithAttempts, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM scheduled_messages m
        WHERE m.lead_id=$1
        ORDER BY m.sequence_index
    `, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.MessageWithAttempts{}
	index := map[string]int{}
	for rows.Next() {
		var m model.ScheduledMessage
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		index[m.ID] = len(out)
		out = append(out, model.MessageWithAttempts{ScheduledMessage: m, Attempts: []model.Attempt{}})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	arows, err := r.DB.QueryContext(ctx, `
        SELECT a.id, a.message_id, a.attempt_no, a.outcome, a.error, a.worker, a.created_at
        FROM delivery_attempts a
        JOIN scheduled_messages m ON m.id = a.message_id
        WHERE m.lead_id=$1
        ORDER BY a.id
    `, leadID)
	if err != nil {
		return nil, err
	}
	defer arows.Close()
	for arows.Next() {
		var a model.Attempt
		if err := arows.Scan(&a.ID, &a.MessageID, &a.AttemptNo, &a.Outcome, &a.Error, &a.Worker, &a.CreatedAt); err != nil {
			return nil, err
		}
		if i, ok := index[a.MessageID]; ok {
			out[i].Attempts = append(out[i].Attempts, a)
		}
	}
	return out, arows.Err()
}

const messageColumns = `m.id, m.campaign_id, m.lead_id, m.sequence_index, m.channel, m.recipient,
        m.content_ref, m.scheduled_at, m.status, m.attempt_count, m.last_error,
        m.idempotency_key, m.sent_at, m.created_at, m.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, m *model.ScheduledMessage, extra ...any) error {
	dest := []any{
		&m.ID, &m.CampaignID, &m.LeadID, &m.SequenceIndex, &m.Channel, &m.Recipient,
		&m.ContentRef, &m.ScheduledAt, &m.Status, &m.AttemptCount, &m.LastError,
		&m.IdempotencyKey, &m.SentAt, &m.CreatedAt, &m.UpdatedAt,
	}
	return row.Scan(append(dest, extra...)...)
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
