package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/model"
)

type LeadRepository struct {
	DB *sql.DB
}

func (r *LeadRepository) GetByID(ctx context.Context, id string) (*model.Lead, error) {
	query := `
        SELECT id, campaign_id, email, phone, status, acv_minor, created_at, updated_at
        FROM leads WHERE id=$1
    `
	var l model.Lead
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.CampaignID, &l.Email, &l.Phone, &l.Status, &l.ACVMinor, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("lead", id)
		}
		return nil, err
	}
	return &l, nil
}

func (r *LeadRepository) MarkConverted(ctx context.Context, id string) (bool, error) {
	from := make([]string, 0, len(model.ConvertibleLeadStatuses))
	for _, s := range model.ConvertibleLeadStatuses {
		from = append(from, string(s))
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE leads SET status=$1, updated_at=NOW()
        WHERE id=$2 AND status = ANY($3)
    `, model.LeadConverted, id, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish an unknown lead from one that is already converted.
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type CampaignRepository struct {
	DB *sql.DB
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `
        SELECT id, name, starts_at, paused, fee_rate::TEXT, min_fee_minor, currency, created_at, updated_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.StartsAt, &c.Paused, &c.FeeRate, &c.MinFeeMinor, &c.Currency, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("campaign", id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) SetPaused(ctx context.Context, id string, paused bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET paused=$1, updated_at=NOW() WHERE id=$2`, paused, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("campaign", id)
	}
	return nil
}

var (
	_ LeadRepositoryInterface     = (*LeadRepository)(nil)
	_ CampaignRepositoryInterface = (*CampaignRepository)(nil)
)
