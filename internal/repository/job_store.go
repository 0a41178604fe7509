package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/model"
)

// JobStore is the postgres job queue. Lease ownership is a token column
// compared on every resolving update, and row locks with SKIP LOCKED keep
// concurrent leasers disjoint.
type JobStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *JobStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *JobStore) Enqueue(ctx context.Context, msgs []*model.ScheduledMessage) (int, error) {
	now := s.now()
	enqueued := 0
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		enqueued = 0
		next := map[string]int{}
		for _, m := range msgs {
			idx, ok := next[m.LeadID]
			if !ok {
				// Serialise index assignment per lead across concurrent schedulers.
				if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, m.LeadID); err != nil {
					return err
				}
				if err := tx.QueryRowContext(ctx,
					`SELECT COALESCE(MAX(sequence_index) + 1, 0) FROM scheduled_messages WHERE lead_id=$1`,
					m.LeadID,
				).Scan(&idx); err != nil {
					return err
				}
			}

			id := uuid.NewString()
			var inserted string
			err := tx.QueryRowContext(ctx, `
                INSERT INTO scheduled_messages
                    (id, campaign_id, lead_id, sequence_index, channel, recipient, content_ref,
                     scheduled_at, status, attempt_count, idempotency_key, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, $9, $10, $10)
                ON CONFLICT (idempotency_key) WHERE status IN ('pending', 'leased', 'failed') DO NOTHING
                RETURNING id
            `, id, m.CampaignID, m.LeadID, idx, m.Channel, m.Recipient, m.ContentRef,
				m.ScheduledAt.UTC(), m.IdempotencyKey, now,
			).Scan(&inserted)
			if err == sql.ErrNoRows {
				next[m.LeadID] = idx
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO jobs (job_id, message_id, idempotency_key, visible_at, attempt_count, created_at)
                VALUES ($1, $2, $3, $4, 0, $5)
            `, uuid.NewString(), id, m.IdempotencyKey, m.ScheduledAt.UTC(), now); err != nil {
				return err
			}

			m.ID = id
			m.SequenceIndex = idx
			m.Status = model.MessagePending
			m.AttemptCount = 0
			m.CreatedAt = now
			m.UpdatedAt = now
			next[m.LeadID] = idx + 1
			enqueued++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return enqueued, nil
}

func (s *JobStore) Lease(ctx context.Context, owner string, max int, leaseFor time.Duration) ([]model.Job, error) {
	if max <= 0 {
		return nil, nil
	}
	now := s.now()
	token := uuid.NewString()
	expires := now.Add(leaseFor)

	var jobs []model.Job
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		jobs = nil
		rows, err := tx.QueryContext(ctx, `
            WITH candidates AS (
                SELECT j.job_id
                FROM jobs j
                JOIN scheduled_messages m ON m.id = j.message_id
                WHERE j.lease_token IS NULL
                  AND j.visible_at <= $1
                  AND m.status IN ('pending', 'failed')
                  AND NOT EXISTS (
                      SELECT 1 FROM scheduled_messages p
                      WHERE p.lead_id = m.lead_id
                        AND p.sequence_index < m.sequence_index
                        AND p.status IN ('pending', 'leased', 'failed'))
                  AND NOT EXISTS (
                      SELECT 1 FROM scheduled_messages l
                      WHERE l.lead_id = m.lead_id AND l.status = 'leased')
                ORDER BY j.visible_at, j.job_id
                LIMIT $2
                FOR UPDATE OF j SKIP LOCKED
            )
            UPDATE jobs j
            SET lease_owner=$3, lease_token=$4, lease_expires_at=$5
            FROM candidates c
            WHERE j.job_id = c.job_id
            RETURNING j.job_id, j.idempotency_key, j.message_id, j.visible_at, j.attempt_count
        `, now, max, owner, token, expires)
		if err != nil {
			return err
		}
		ids := []string{}
		for rows.Next() {
			j := model.Job{LeaseOwner: owner, LeaseToken: token}
			exp := expires
			j.LeaseExpiresAt = &exp
			if err := rows.Scan(&j.JobID, &j.IdempotencyKey, &j.MessageID, &j.VisibleAt, &j.AttemptCount); err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, j)
			ids = append(ids, j.MessageID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		mrows, err := tx.QueryContext(ctx, `
            UPDATE scheduled_messages m SET status='leased', updated_at=$2
            WHERE m.id = ANY($1)
            RETURNING `+messageColumns,
			pq.Array(ids), now)
		if err != nil {
			return err
		}
		defer mrows.Close()
		byID := map[string]model.ScheduledMessage{}
		for mrows.Next() {
			var m model.ScheduledMessage
			if err := scanMessage(mrows, &m); err != nil {
				return err
			}
			byID[m.ID] = m
		}
		if err := mrows.Err(); err != nil {
			return err
		}
		for i := range jobs {
			jobs[i].Message = byID[jobs[i].MessageID]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	return jobs, nil
}

// resolve clears the lease if token still owns the job and returns the
// message id and new attempt count. remove deletes the job row instead.
func (s *JobStore) resolve(ctx context.Context, tx *sql.Tx, lease model.Lease, remove bool, countAttempt bool, visibleAt time.Time) (string, int, error) {
	inc := 0
	if countAttempt {
		inc = 1
	}
	var (
		messageID string
		attempts  int
		err       error
	)
	if remove {
		err = tx.QueryRowContext(ctx, `
            DELETE FROM jobs WHERE job_id=$1 AND lease_token=$2
            RETURNING message_id, attempt_count + $3
        `, lease.JobID, lease.Token, inc).Scan(&messageID, &attempts)
	} else {
		err = tx.QueryRowContext(ctx, `
            UPDATE jobs
            SET attempt_count = attempt_count + $3, visible_at=$4,
                lease_owner=NULL, lease_token=NULL, lease_expires_at=NULL
            WHERE job_id=$1 AND lease_token=$2
            RETURNING message_id, attempt_count
        `, lease.JobID, lease.Token, inc, visibleAt).Scan(&messageID, &attempts)
	}
	if err == sql.ErrNoRows {
		return "", 0, appErrors.ErrLeaseLost
	}
	return messageID, attempts, err
}

func insertAttempt(ctx context.Context, tx *sql.Tx, messageID string, no int, outcome model.AttemptOutcome, errText, worker string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO delivery_attempts (message_id, attempt_no, outcome, error, worker, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, messageID, no, outcome, errText, worker, at)
	return err
}

func (s *JobStore) Ack(ctx context.Context, lease model.Lease) error {
	now := s.now()
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		msgID, attempts, err := s.resolve(ctx, tx, lease, true, true, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE scheduled_messages
            SET status='sent', attempt_count=$2, last_error='', sent_at=$3, updated_at=$3
            WHERE id=$1
        `, msgID, attempts, now); err != nil {
			return err
		}
		return insertAttempt(ctx, tx, msgID, attempts, model.AttemptSent, "", lease.Owner, now)
	})
}

func (s *JobStore) Nack(ctx context.Context, lease model.Lease, retryAfter time.Duration, cause string) error {
	now := s.now()
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		msgID, attempts, err := s.resolve(ctx, tx, lease, false, true, now.Add(retryAfter))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE scheduled_messages
            SET status='failed', attempt_count=$2, last_error=$3, updated_at=$4
            WHERE id=$1
        `, msgID, attempts, cause, now); err != nil {
			return err
		}
		return insertAttempt(ctx, tx, msgID, attempts, model.AttemptTransient, cause, lease.Owner, now)
	})
}

func (s *JobStore) Release(ctx context.Context, lease model.Lease) error {
	now := s.now()
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		msgID, attempts, err := s.resolve(ctx, tx, lease, false, false, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE scheduled_messages
            SET status = CASE WHEN $2 > 0 THEN 'failed' ELSE 'pending' END, updated_at=$3
            WHERE id=$1
        `, msgID, attempts, now); err != nil {
			return err
		}
		return insertAttempt(ctx, tx, msgID, attempts, model.AttemptReleased, "", lease.Owner, now)
	})
}

func (s *JobStore) DeadLetter(ctx context.Context, lease model.Lease, reason string) error {
	now := s.now()
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		msgID, attempts, err := s.resolve(ctx, tx, lease, true, true, now)
		if err != nil {
			return err
		}
		return deadLetterTx(ctx, tx, lease.JobID, msgID, attempts, reason, lease.Owner, now)
	})
}

func deadLetterTx(ctx context.Context, tx *sql.Tx, jobID, msgID string, attempts int, reason, worker string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
        UPDATE scheduled_messages
        SET status='dead_lettered', attempt_count=$2, last_error=$3, updated_at=$4
        WHERE id=$1
    `, msgID, attempts, reason, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO dead_letters
            (job_id, message_id, campaign_id, lead_id, sequence_index, channel, reason, attempt_count, dead_lettered_at)
        SELECT $1, m.id, m.campaign_id, m.lead_id, m.sequence_index, m.channel, $3, $4, $5
        FROM scheduled_messages m WHERE m.id=$2
    `, jobID, msgID, reason, attempts, now); err != nil {
		return err
	}
	return insertAttempt(ctx, tx, msgID, attempts, model.AttemptDeadLettered, reason, worker, now)
}

func (s *JobStore) LeadHasOtherLease(ctx context.Context, leadID, jobID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM scheduled_messages m
            WHERE m.lead_id=$1 AND m.status='leased'
              AND m.id <> COALESCE((SELECT message_id FROM jobs WHERE job_id=$2), '')
        )
    `, leadID, jobID).Scan(&exists)
	return exists, err
}

func (s *JobStore) CancelPendingByLead(ctx context.Context, leadID string) (int, error) {
	return s.cancel(ctx, "m.lead_id=$1", leadID)
}

func (s *JobStore) CancelPendingByCampaign(ctx context.Context, campaignID string) (int, error) {
	return s.cancel(ctx, "m.campaign_id=$1", campaignID)
}

func (s *JobStore) cancel(ctx context.Context, where string, arg string) (int, error) {
	now := s.now()
	cancelled := 0
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            DELETE FROM jobs j
            USING scheduled_messages m
            WHERE m.id = j.message_id AND `+where+`
              AND j.lease_token IS NULL
              AND m.status IN ('pending', 'failed')
            RETURNING j.message_id
        `, arg)
		if err != nil {
			return err
		}
		ids := []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		cancelled = len(ids)
		if cancelled == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
            UPDATE scheduled_messages SET status='cancelled', updated_at=$2 WHERE id = ANY($1)
        `, pq.Array(ids), now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	return cancelled, nil
}

func (s *JobStore) ReapExpired(ctx context.Context, backoff time.Duration, maxAttempts int) (int, error) {
	now := s.now()
	reaped := 0
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		reaped = 0
		rows, err := tx.QueryContext(ctx, `
            SELECT job_id, message_id, COALESCE(lease_owner, ''), attempt_count
            FROM jobs
            WHERE lease_token IS NOT NULL AND lease_expires_at <= $1
            FOR UPDATE SKIP LOCKED
        `, now)
		if err != nil {
			return err
		}
		type expired struct {
			jobID, msgID, owner string
			attempts            int
		}
		var list []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.jobID, &e.msgID, &e.owner, &e.attempts); err != nil {
				rows.Close()
				return err
			}
			e.attempts++
			list = append(list, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range list {
			if maxAttempts > 0 && e.attempts > maxAttempts {
				if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id=$1`, e.jobID); err != nil {
					return err
				}
				if err := deadLetterTx(ctx, tx, e.jobID, e.msgID, e.attempts, "lease expired", e.owner, now); err != nil {
					return err
				}
				reaped++
				continue
			}
			if _, err := tx.ExecContext(ctx, `
                UPDATE jobs
                SET attempt_count=$2, visible_at=$3,
                    lease_owner=NULL, lease_token=NULL, lease_expires_at=NULL
                WHERE job_id=$1
            `, e.jobID, e.attempts, now.Add(backoff)); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
                UPDATE scheduled_messages
                SET status='failed', attempt_count=$2, last_error='lease expired', updated_at=$3
                WHERE id=$1
            `, e.msgID, e.attempts, now); err != nil {
				return err
			}
			if err := insertAttempt(ctx, tx, e.msgID, e.attempts, model.AttemptLeaseExpired, "lease expired", e.owner, now); err != nil {
				return err
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	return reaped, nil
}

func (s *JobStore) ListDeadLetters(ctx context.Context, limit, offset int) ([]model.DeadLetter, int, error) {
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := s.DB.QueryContext(ctx, `
        SELECT job_id, message_id, campaign_id, lead_id, sequence_index, channel, reason, attempt_count, dead_lettered_at
        FROM dead_letters
        ORDER BY dead_lettered_at DESC, job_id
        LIMIT $1 OFFSET $2
    `, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []model.DeadLetter{}
	for rows.Next() {
		var d model.DeadLetter
		if err := rows.Scan(&d.JobID, &d.MessageID, &d.CampaignID, &d.LeadID, &d.SequenceIndex,
			&d.Channel, &d.Reason, &d.AttemptCount, &d.DeadLetteredAt); err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

var _ JobStoreInterface = (*JobStore)(nil)
