// Package resilient wraps the db package with retry and circuit breaking.
//
// The policy server's lookups run on the hot path of every RCPT check, so
// transient database failures are retried with backoff and a circuit
// breaker sheds load when the backend is down. Lookups that fail through
// this wrapper surface to the MTA as DEFER_IF_PERMIT, never as a hard
// rejection.
package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/quotastatus/config"
	"github.com/migadu/quotastatus/consts"
	"github.com/migadu/quotastatus/db"
	"github.com/migadu/quotastatus/logger"
	"github.com/migadu/quotastatus/pkg/circuitbreaker"
	"github.com/migadu/quotastatus/pkg/metrics"
	"github.com/migadu/quotastatus/pkg/retry"
)

// readRetryConfig provides the retry strategy for lookup operations.
var readRetryConfig = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "db_read",
}

type ResilientDatabase struct {
	database     *db.Database
	breaker      *circuitbreaker.CircuitBreaker
	queryTimeout time.Duration
}

// NewResilientDatabase connects to the configured database endpoints and
// wraps them with retry and circuit breaking.
func NewResilientDatabase(ctx context.Context, dbConfig *config.DatabaseConfig) (*ResilientDatabase, error) {
	database, err := db.NewDatabaseFromConfig(ctx, dbConfig)
	if err != nil {
		return nil, err
	}

	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		database.Close()
		return nil, err
	}

	settings := circuitbreaker.DefaultSettings("database")
	settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("Database circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
	}
	// Not-found answers are successful lookups, not backend failures.
	settings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, consts.ErrUserNotFound)
	}

	return &ResilientDatabase{
		database:     database,
		breaker:      circuitbreaker.NewCircuitBreaker(settings),
		queryTimeout: queryTimeout,
	}, nil
}

// NewResilientDatabaseForTest wraps an existing db.Database; used by tests
// that manage their own connection.
func NewResilientDatabaseForTest(database *db.Database) *ResilientDatabase {
	return &ResilientDatabase{
		database:     database,
		breaker:      circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultSettings("database-test")),
		queryTimeout: 5 * time.Second,
	}
}

func (rdb *ResilientDatabase) Close() {
	rdb.database.Close()
}

// StartPoolMetrics starts periodic connection pool metrics collection.
func (rdb *ResilientDatabase) StartPoolMetrics(ctx context.Context) {
	rdb.database.StartPoolMetrics(ctx)
}

// Ping checks backend connectivity, bypassing retry.
func (rdb *ResilientDatabase) Ping(ctx context.Context) error {
	return rdb.database.Ping(ctx)
}

// executeReadWithRetry runs op through the circuit breaker with backoff
// retry and the configured per-query timeout.
func (rdb *ResilientDatabase) executeReadWithRetry(ctx context.Context, operation string, op func(ctx context.Context) (any, error)) (any, error) {
	var result any

	err := retry.WithRetry(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, rdb.queryTimeout)
		defer cancel()

		res, err := rdb.breaker.Execute(func() (interface{}, error) {
			return op(opCtx)
		})
		if err != nil {
			// Definitive answers must not be retried away.
			if errors.Is(err, consts.ErrUserNotFound) || errors.Is(err, consts.ErrDBNotFound) {
				return retry.Stop(err)
			}
			if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
				return retry.Stop(err)
			}
			metrics.DBLookupsTotal.WithLabelValues(operation, "failure").Inc()
			return err
		}
		metrics.DBLookupsTotal.WithLabelValues(operation, "success").Inc()
		result = res
		return nil
	}, readRetryConfig)

	return result, err
}

// GetAccountIDByAddressWithRetry resolves an address to an account ID with
// retry logic
func (rdb *ResilientDatabase) GetAccountIDByAddressWithRetry(ctx context.Context, address string) (int64, error) {
	result, err := rdb.executeReadWithRetry(ctx, "account_id_by_address", func(ctx context.Context) (any, error) {
		return rdb.database.GetAccountIDByAddress(ctx, address)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// GetAccountQuotaWithRetry retrieves an account's quota policy with retry
// logic
func (rdb *ResilientDatabase) GetAccountQuotaWithRetry(ctx context.Context, accountID int64) (*db.AccountQuota, error) {
	result, err := rdb.executeReadWithRetry(ctx, "account_quota", func(ctx context.Context) (any, error) {
		return rdb.database.GetAccountQuota(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*db.AccountQuota), nil
}

// GetQuotaUsageWithRetry retrieves an account's accounted usage with retry
// logic
func (rdb *ResilientDatabase) GetQuotaUsageWithRetry(ctx context.Context, accountID int64) (*db.QuotaUsage, error) {
	result, err := rdb.executeReadWithRetry(ctx, "quota_usage", func(ctx context.Context) (any, error) {
		return rdb.database.GetQuotaUsage(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*db.QuotaUsage), nil
}
