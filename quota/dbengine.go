package quota

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/quotastatus/config"
	"github.com/migadu/quotastatus/db"
	"github.com/migadu/quotastatus/logger"
	"github.com/migadu/quotastatus/pkg/metrics"
)

// DirectoryStore is the slice of the database layer the directory needs.
// Satisfied by *resilient.ResilientDatabase.
type DirectoryStore interface {
	GetAccountIDByAddressWithRetry(ctx context.Context, address string) (int64, error)
	GetAccountQuotaWithRetry(ctx context.Context, accountID int64) (*db.AccountQuota, error)
}

// UsageStore is the slice of the database layer the quota engine needs.
// Satisfied by *resilient.ResilientDatabase.
type UsageStore interface {
	GetQuotaUsageWithRetry(ctx context.Context, accountID int64) (*db.QuotaUsage, error)
}

// DBDirectory resolves recipients against the credentials table. A
// recipient delimiter, when configured, separates the base local part
// from routing detail; the detail is stripped before lookup so
// user+folder@example.com resolves the same account as user@example.com.
type DBDirectory struct {
	rdb       DirectoryStore
	delimiter string
}

func NewDBDirectory(rdb DirectoryStore, quotaConfig config.QuotaConfig) *DBDirectory {
	return &DBDirectory{
		rdb:       rdb,
		delimiter: quotaConfig.RecipientDelimiter,
	}
}

// BaseAddress strips the delimiter detail from the local part and
// lowercases the result. Addresses without a domain pass through with
// only the detail stripped.
func (d *DBDirectory) BaseAddress(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if d.delimiter == "" {
		return address
	}

	localPart := address
	domain := ""
	if at := strings.LastIndex(address, "@"); at >= 0 {
		localPart = address[:at]
		domain = address[at:]
	}
	if i := strings.Index(localPart, d.delimiter); i >= 0 {
		localPart = localPart[:i]
	}
	return localPart + domain
}

func (d *DBDirectory) Resolve(ctx context.Context, address string) (*Account, error) {
	base := d.BaseAddress(address)

	accountID, err := d.rdb.GetAccountIDByAddressWithRetry(ctx, base)
	if err != nil {
		return nil, err
	}

	aq, err := d.rdb.GetAccountQuotaWithRetry(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:              accountID,
		Address:         base,
		HasQuota:        aq.HasQuota,
		QuotaLimit:      aq.QuotaLimit,
		GraceBytes:      aq.GraceBytes,
		MaxMessageSize:  aq.MaxMessageSize,
		StatusSuccess:   aq.StatusSuccess,
		StatusTooLarge:  aq.StatusTooLarge,
		StatusOverQuota: aq.StatusOverQuota,
	}, nil
}

// DBEngine evaluates candidate messages against the quota_usage table.
// A server-wide max_message_size acts as a floor under per-account
// ceilings: the stricter of the two wins.
type DBEngine struct {
	rdb            UsageStore
	maxMessageSize int64
}

func NewDBEngine(rdb UsageStore, quotaConfig config.QuotaConfig) *DBEngine {
	return &DBEngine{
		rdb:            rdb,
		maxMessageSize: quotaConfig.MaxMessageSize,
	}
}

func (e *DBEngine) Evaluate(ctx context.Context, acct *Account, candidateSize int64) (AllocationOutcome, string, error) {
	maxSize := e.maxMessageSize
	if acct.MaxMessageSize > 0 && (maxSize == 0 || acct.MaxMessageSize < maxSize) {
		maxSize = acct.MaxMessageSize
	}
	if maxSize > 0 && candidateSize > maxSize {
		outcome := OutcomeOverMaxsize
		metrics.QuotaOutcomesTotal.WithLabelValues(outcome.String()).Inc()
		return outcome, fmt.Sprintf("Message size %d exceeds the maximum allowed size %d", candidateSize, maxSize), nil
	}

	usage, err := e.rdb.GetQuotaUsageWithRetry(ctx, acct.ID)
	if err != nil {
		metrics.QuotaOutcomesTotal.WithLabelValues(OutcomeTempfail.String()).Inc()
		return OutcomeTempfail, "", err
	}

	if usage.Recalculating {
		logger.Debug("Quota usage recalculation pending", "account_id", acct.ID)
		metrics.QuotaOutcomesTotal.WithLabelValues(OutcomeBackgroundCalc.String()).Inc()
		return OutcomeBackgroundCalc, "", nil
	}

	if acct.QuotaLimit <= 0 {
		metrics.QuotaOutcomesTotal.WithLabelValues(OutcomeOK.String()).Inc()
		return OutcomeOK, "", nil
	}

	ceiling := acct.QuotaLimit + acct.GraceBytes

	if usage.BytesUsed >= ceiling {
		outcome := OutcomeOverQuotaLimit
		metrics.QuotaOutcomesTotal.WithLabelValues(outcome.String()).Inc()
		return outcome, "Quota exceeded (mailbox is full)", nil
	}

	if usage.BytesUsed+candidateSize > ceiling {
		outcome := OutcomeOverQuota
		metrics.QuotaOutcomesTotal.WithLabelValues(outcome.String()).Inc()
		return outcome, "Quota exceeded (mailbox is full)", nil
	}

	metrics.QuotaOutcomesTotal.WithLabelValues(OutcomeOK.String()).Inc()
	return OutcomeOK, "", nil
}
