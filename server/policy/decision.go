package policy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/migadu/quotastatus/consts"
	"github.com/migadu/quotastatus/pkg/metrics"
	"github.com/migadu/quotastatus/quota"
	serverPkg "github.com/migadu/quotastatus/server"
)

const (
	actionDunno       = "DUNNO"
	deferPrefix       = "DEFER_IF_PERMIT "
	tempfailText      = "Temporary internal error"
	recalculatingText = "Mailbox usage is being recalculated, try again later"
)

// decide computes the action value for one finalized query and records
// the decision metrics. It never fails: every error path degrades to a
// neutral or deferring action.
func (s *PolicySession) decide(ctx context.Context, req *policyRequest) string {
	start := time.Now()
	action, kind := s.evaluateRequest(ctx, req)
	metrics.PolicyQueriesTotal.WithLabelValues(kind).Inc()
	metrics.PolicyQueryDuration.Observe(time.Since(start).Seconds())
	return action
}

// admissibleState reports whether the Postfix protocol state is one the
// quota verdict is meaningful in. At RCPT time Postfix has not read the
// message yet, at END-OF-MESSAGE the size attribute is authoritative.
func admissibleState(state string) bool {
	return strings.EqualFold(state, "RCPT") || strings.EqualFold(state, "END-OF-MESSAGE")
}

func (s *PolicySession) evaluateRequest(ctx context.Context, req *policyRequest) (action, kind string) {
	if !admissibleState(req.state) {
		// Misconfigured check_policy_service placement floods us with
		// queries from other states; warn once per connection.
		if !s.warnedBadState {
			s.warnedBadState = true
			s.WarnLog("policy query from unsupported protocol state '%s', answering DUNNO", sanitizeForLog(req.state))
		}
		return actionDunno, "dunno"
	}

	if !req.hasRecipient {
		// Normal at END-OF-MESSAGE when all recipients were already
		// checked at RCPT time.
		return actionDunno, "dunno"
	}

	if req.recipient == "" {
		s.DebugLog("empty recipient, answering DUNNO")
		return actionDunno, "dunno"
	}

	addr, err := serverPkg.ParseRecipient(req.recipient)
	if err != nil {
		s.ErrorLog("unparseable recipient '%s': %v", sanitizeForLog(req.recipient), err)
		return actionDunno, "dunno"
	}

	acct, err := s.server.directory.Resolve(ctx, addr.FullAddress())
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			s.DebugLog("recipient %s: no such user", addr.FullAddress())
			return s.server.quotaCfg.StatusNoUser, "nouser"
		}
		s.WarnLog("directory lookup for %s failed: %v", addr.FullAddress(), err)
		return deferPrefix + tempfailText, "defer"
	}

	if !acct.HasQuota {
		s.DebugLog("recipient %s: no quota configured", addr.FullAddress())
		return s.server.quotaCfg.StatusSuccess, "success"
	}

	// A zero size still allocates at least one byte: a mailbox at its
	// ceiling must not accept an unsized message.
	candidateSize := req.size
	if candidateSize < 1 {
		candidateSize = 1
	}

	outcome, detail, err := s.server.engine.Evaluate(ctx, acct, candidateSize)
	if err != nil {
		s.WarnLog("quota evaluation for %s failed: %v", addr.FullAddress(), err)
		return deferPrefix + tempfailText, "defer"
	}

	switch outcome {
	case quota.OutcomeOK:
		if acct.StatusSuccess != "" {
			return acct.StatusSuccess, "success"
		}
		return s.server.quotaCfg.StatusSuccess, "success"

	case quota.OutcomeOverMaxsize, quota.OutcomeOverQuotaLimit:
		if acct.StatusTooLarge != "" {
			return acct.StatusTooLarge, "reject"
		}
		if s.server.quotaCfg.StatusTooLarge != "" {
			return s.server.quotaCfg.StatusTooLarge, "reject"
		}
		// No dedicated too-large reply configured; treat it as a
		// plain over-quota rejection.
		return s.overQuotaAction(acct, detail), "reject"

	case quota.OutcomeOverQuota:
		return s.overQuotaAction(acct, detail), "reject"

	case quota.OutcomeBackgroundCalc:
		detailText := detail
		if detailText == "" {
			detailText = recalculatingText
		}
		return deferPrefix + detailText, "defer"

	default: // OutcomeTempfail and anything unexpected
		detailText := detail
		if detailText == "" {
			detailText = tempfailText
		}
		return deferPrefix + detailText, "defer"
	}
}

func (s *PolicySession) overQuotaAction(acct *quota.Account, detail string) string {
	if acct.StatusOverQuota != "" {
		return acct.StatusOverQuota
	}
	if s.server.quotaCfg.StatusOverQuota != "" {
		return s.server.quotaCfg.StatusOverQuota
	}
	if detail == "" {
		detail = "Quota exceeded (mailbox is full)"
	}
	return "554 5.2.2 " + detail
}
