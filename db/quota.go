package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// QuotaUsage is the accounted storage usage for one account.
type QuotaUsage struct {
	AccountID     int64
	BytesUsed     int64
	Recalculating bool
}

// GetQuotaUsage retrieves the accounted usage for an account. A missing
// usage row counts as zero usage: a mailbox that never received mail has
// nothing accounted yet.
func (db *Database) GetQuotaUsage(ctx context.Context, accountID int64) (*QuotaUsage, error) {
	usage := &QuotaUsage{AccountID: accountID}

	err := db.ReadPool.QueryRow(ctx,
		"SELECT bytes_used, recalculating FROM quota_usage WHERE account_id = $1",
		accountID).Scan(&usage.BytesUsed, &usage.Recalculating)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return usage, nil
		}
		return nil, fmt.Errorf("database error fetching quota usage: %w", err)
	}
	return usage, nil
}
