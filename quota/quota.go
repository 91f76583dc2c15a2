// Package quota defines the recipient directory and quota evaluation
// contracts used by the policy server, together with their PostgreSQL
// backed implementations.
package quota

import "context"

// AllocationOutcome classifies the result of asking whether a candidate
// message of a given size may be delivered to an account.
type AllocationOutcome int

const (
	// OutcomeOK means the message fits within all configured limits.
	OutcomeOK AllocationOutcome = iota

	// OutcomeOverQuota means delivery would push usage past the quota
	// limit (with grace already consumed).
	OutcomeOverQuota

	// OutcomeOverQuotaLimit means usage is already past the hard ceiling
	// regardless of the candidate message.
	OutcomeOverQuotaLimit

	// OutcomeOverMaxsize means the message exceeds the per-message size
	// ceiling on its own.
	OutcomeOverMaxsize

	// OutcomeTempfail means the verdict could not be computed right now.
	OutcomeTempfail

	// OutcomeBackgroundCalc means usage is being recalculated and no
	// reliable verdict exists yet.
	OutcomeBackgroundCalc
)

func (o AllocationOutcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeOverQuota:
		return "OVER_QUOTA"
	case OutcomeOverQuotaLimit:
		return "OVER_QUOTA_LIMIT"
	case OutcomeOverMaxsize:
		return "OVER_MAXSIZE"
	case OutcomeTempfail:
		return "TEMPFAIL"
	case OutcomeBackgroundCalc:
		return "BACKGROUND_CALC"
	default:
		return "UNKNOWN"
	}
}

// Account is a resolved recipient with its quota policy attached. The
// per-account status overrides take precedence over the globally
// configured reply texts when non-empty.
type Account struct {
	ID      int64
	Address string

	// HasQuota reports whether any quota policy is configured for this
	// account. Accounts without one always accept.
	HasQuota bool

	QuotaLimit     int64 // bytes; 0 = unlimited
	GraceBytes     int64 // headroom above QuotaLimit before the hard ceiling
	MaxMessageSize int64 // bytes; 0 = no per-message ceiling

	StatusSuccess   string
	StatusTooLarge  string
	StatusOverQuota string
}

// Directory resolves recipient addresses to accounts. Resolve returns
// consts.ErrUserNotFound when the address maps to no known account, and
// any other error for backend failures.
type Directory interface {
	Resolve(ctx context.Context, address string) (*Account, error)
}

// Engine answers whether an account can accept a candidate message of
// the given size. The returned detail is a human-readable explanation
// suitable for embedding in an SMTP reply text; it is meaningful for
// the over-limit outcomes and empty otherwise.
type Engine interface {
	Evaluate(ctx context.Context, acct *Account, candidateSize int64) (AllocationOutcome, string, error)
}
