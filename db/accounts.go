package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/quotastatus/consts"
)

// AccountQuota describes one account's quota policy as stored in the
// account_quota table, along with its per-user status reply overrides.
// HasQuota is false when the account carries no account_quota row at all;
// such accounts are never evaluated against the quota engine.
type AccountQuota struct {
	AccountID      int64
	HasQuota       bool
	QuotaLimit     int64 // bytes; 0 = unlimited
	GraceBytes     int64 // headroom above QuotaLimit before the hard ceiling
	MaxMessageSize int64 // bytes; 0 = no per-message ceiling

	StatusSuccess   string // empty = not configured
	StatusTooLarge  string
	StatusOverQuota string
}

// GetAccountIDByAddress retrieves the account ID associated with a given
// address by looking it up in the credentials table.
func (db *Database) GetAccountIDByAddress(ctx context.Context, address string) (int64, error) {
	var accountID int64
	normalizedAddress := strings.ToLower(strings.TrimSpace(address))

	if normalizedAddress == "" {
		return 0, errors.New("address cannot be empty")
	}

	err := db.ReadPool.QueryRow(ctx,
		"SELECT account_id FROM credentials WHERE address = $1",
		normalizedAddress).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("database error fetching account ID: %w", err)
	}
	return accountID, nil
}

// GetAccountQuota retrieves the quota policy row for an account. An account
// without an account_quota row yields HasQuota=false, not an error.
func (db *Database) GetAccountQuota(ctx context.Context, accountID int64) (*AccountQuota, error) {
	aq := &AccountQuota{AccountID: accountID}

	var statusSuccess, statusTooLarge, statusOverQuota *string
	err := db.ReadPool.QueryRow(ctx, `
		SELECT quota_limit, grace_bytes, max_message_size,
		       status_success, status_toolarge, status_overquota
		FROM account_quota WHERE account_id = $1`,
		accountID).Scan(&aq.QuotaLimit, &aq.GraceBytes, &aq.MaxMessageSize,
		&statusSuccess, &statusTooLarge, &statusOverQuota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return aq, nil
		}
		return nil, fmt.Errorf("database error fetching quota policy: %w", err)
	}

	aq.HasQuota = true
	if statusSuccess != nil {
		aq.StatusSuccess = *statusSuccess
	}
	if statusTooLarge != nil {
		aq.StatusTooLarge = *statusTooLarge
	}
	if statusOverQuota != nil {
		aq.StatusOverQuota = *statusOverQuota
	}
	return aq, nil
}
