// internal/model/campaign.go
package model

import "time"

// Campaign groups leads and carries the fee configuration billed on conversion.
type Campaign struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	StartsAt    time.Time  `db:"starts_at" json:"starts_at"`
	Paused      bool       `db:"paused" json:"paused"`
	FeeRate     string     `db:"fee_rate" json:"fee_rate"`
	MinFeeMinor int64      `db:"min_fee_minor" json:"min_fee_minor"`
	Currency    string     `db:"currency" json:"currency"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
