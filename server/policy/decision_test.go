package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/quotastatus/config"
	"github.com/migadu/quotastatus/consts"
	"github.com/migadu/quotastatus/quota"
)

// recordingHandler counts log records per level, so tests can assert on
// what actually got emitted rather than on internal flags.
type recordingHandler struct {
	mu     sync.Mutex
	counts map[slog.Level]int
}

func (h *recordingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts == nil {
		h.counts = make(map[slog.Level]int)
	}
	h.counts[r.Level]++
	return nil
}

func (h *recordingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(_ string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[level]
}

// captureLogs routes the default logger through a recordingHandler for
// the duration of the test.
func captureLogs(t *testing.T) *recordingHandler {
	t.Helper()
	handler := &recordingHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(handler))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return handler
}

type fakeDirectory struct {
	accounts map[string]*quota.Account
	err      error
}

func (f *fakeDirectory) Resolve(ctx context.Context, address string) (*quota.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	if acct, ok := f.accounts[address]; ok {
		return acct, nil
	}
	return nil, consts.ErrUserNotFound
}

type fakeEngine struct {
	outcome quota.AllocationOutcome
	detail  string
	err     error
	gotSize int64
	gotAcct *quota.Account
	evalCnt int
}

func (f *fakeEngine) Evaluate(ctx context.Context, acct *quota.Account, candidateSize int64) (quota.AllocationOutcome, string, error) {
	f.evalCnt++
	f.gotSize = candidateSize
	f.gotAcct = acct
	return f.outcome, f.detail, f.err
}

func newTestSession(t *testing.T, dir quota.Directory, eng quota.Engine, quotaCfg config.QuotaConfig) *PolicySession {
	t.Helper()
	srv, err := New(context.Background(), "test", "127.0.0.1:0", dir, eng, PolicyServerOptions{Quota: quotaCfg})
	require.NoError(t, err)
	t.Cleanup(func() { srv.cancel() })

	sess := &PolicySession{server: srv}
	sess.Protocol = "POLICY"
	sess.ServerName = "test"
	sess.Id = "testsession"
	sess.RemoteIP = "127.0.0.1"
	return sess
}

func defaultQuotaConfig() config.QuotaConfig {
	return config.NewDefaultConfig().Quota
}

func withQuota(acct *quota.Account) *fakeDirectory {
	return &fakeDirectory{accounts: map[string]*quota.Account{acct.Address: acct}}
}

func testAccount() *quota.Account {
	return &quota.Account{
		ID:         1,
		Address:    "alice@example.com",
		HasQuota:   true,
		QuotaLimit: 1000,
	}
}

func rcptRequest(recipient string, size int64) *policyRequest {
	return &policyRequest{
		recipient:    recipient,
		hasRecipient: true,
		size:         size,
		state:        "RCPT",
		hasState:     true,
	}
}

func TestDecideUnsupportedStateIsDunno(t *testing.T) {
	sess := newTestSession(t, &fakeDirectory{}, &fakeEngine{}, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	req.state = "DATA"

	assert.Equal(t, "DUNNO", sess.decide(context.Background(), req))
	assert.True(t, sess.warnedBadState)
}

func TestDecideMissingStateIsDunno(t *testing.T) {
	sess := newTestSession(t, &fakeDirectory{}, &fakeEngine{}, defaultQuotaConfig())

	req := &policyRequest{recipient: "alice@example.com", hasRecipient: true}
	assert.Equal(t, "DUNNO", sess.decide(context.Background(), req))
}

func TestDecideStateIsCaseInsensitive(t *testing.T) {
	eng := &fakeEngine{outcome: quota.OutcomeOK}
	sess := newTestSession(t, withQuota(testAccount()), eng, defaultQuotaConfig())

	for _, state := range []string{"rcpt", "RCPT", "end-of-message", "END-OF-MESSAGE"} {
		req := rcptRequest("alice@example.com", 100)
		req.state = state
		assert.Equal(t, "OK", sess.decide(context.Background(), req), "state %s", state)
	}
	assert.False(t, sess.warnedBadState)
}

func TestDecideWarnsOncePerConnection(t *testing.T) {
	logs := captureLogs(t)
	sess := newTestSession(t, &fakeDirectory{}, &fakeEngine{}, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	req.state = "VRFY"

	assert.Equal(t, "DUNNO", sess.decide(context.Background(), req))
	require.Equal(t, 1, logs.count(slog.LevelWarn))

	// Further bad-state queries stay quiet but still answer DUNNO
	assert.Equal(t, "DUNNO", sess.decide(context.Background(), req))
	assert.Equal(t, "DUNNO", sess.decide(context.Background(), req))
	assert.Equal(t, 1, logs.count(slog.LevelWarn))
}

func TestDecideSessionsWarnIndependently(t *testing.T) {
	dir := &fakeDirectory{}
	eng := &fakeEngine{}
	first := newTestSession(t, dir, eng, defaultQuotaConfig())
	second := newTestSession(t, dir, eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	req.state = "DATA"

	first.decide(context.Background(), req)
	assert.True(t, first.warnedBadState)
	assert.False(t, second.warnedBadState)
}

func TestDecideEndOfMessageWithoutRecipient(t *testing.T) {
	sess := newTestSession(t, &fakeDirectory{}, &fakeEngine{}, defaultQuotaConfig())

	req := &policyRequest{state: "END-OF-MESSAGE", hasState: true}
	assert.Equal(t, "DUNNO", sess.decide(context.Background(), req))
}

func TestDecideEmptyRecipientIsDunno(t *testing.T) {
	sess := newTestSession(t, &fakeDirectory{}, &fakeEngine{}, defaultQuotaConfig())

	// Postfix sent "recipient=" with no value
	req := rcptRequest("", 100)
	assert.Equal(t, "DUNNO", sess.decide(context.Background(), req))
}

func TestDecideUnknownUser(t *testing.T) {
	sess := newTestSession(t, &fakeDirectory{}, &fakeEngine{}, defaultQuotaConfig())

	req := rcptRequest("ghost@example.com", 100)
	assert.Equal(t, "REJECT Unknown user", sess.decide(context.Background(), req))
}

func TestDecideDirectoryFailureDefers(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("connection refused")}
	sess := newTestSession(t, dir, &fakeEngine{}, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	action := sess.decide(context.Background(), req)
	assert.Contains(t, action, "DEFER_IF_PERMIT")
}

func TestDecideNoQuotaConfiguredAccepts(t *testing.T) {
	acct := testAccount()
	acct.HasQuota = false
	eng := &fakeEngine{}
	sess := newTestSession(t, withQuota(acct), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	assert.Equal(t, "OK", sess.decide(context.Background(), req))
	// The quota engine is never consulted
	assert.Equal(t, 0, eng.evalCnt)
}

func TestDecideSuccessUsesAccountOverride(t *testing.T) {
	acct := testAccount()
	acct.StatusSuccess = "OK Plenty of room"
	eng := &fakeEngine{outcome: quota.OutcomeOK}
	sess := newTestSession(t, withQuota(acct), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	assert.Equal(t, "OK Plenty of room", sess.decide(context.Background(), req))
}

func TestDecideOverQuotaDefaultReply(t *testing.T) {
	eng := &fakeEngine{outcome: quota.OutcomeOverQuota, detail: "Quota exceeded (mailbox is full)"}
	sess := newTestSession(t, withQuota(testAccount()), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	assert.Equal(t, "554 5.2.2 Quota exceeded (mailbox is full)", sess.decide(context.Background(), req))
}

func TestDecideOverQuotaAccountOverride(t *testing.T) {
	acct := testAccount()
	acct.StatusOverQuota = "552 5.2.2 Mailbox full, go away"
	eng := &fakeEngine{outcome: quota.OutcomeOverQuota, detail: "full"}
	sess := newTestSession(t, withQuota(acct), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	assert.Equal(t, "552 5.2.2 Mailbox full, go away", sess.decide(context.Background(), req))
}

func TestDecideOverQuotaGlobalOverride(t *testing.T) {
	quotaCfg := defaultQuotaConfig()
	quotaCfg.StatusOverQuota = "552 5.2.2 Mailbox over quota"
	eng := &fakeEngine{outcome: quota.OutcomeOverQuota, detail: "full"}
	sess := newTestSession(t, withQuota(testAccount()), eng, quotaCfg)

	req := rcptRequest("alice@example.com", 100)
	assert.Equal(t, "552 5.2.2 Mailbox over quota", sess.decide(context.Background(), req))
}

func TestDecideTooLargeUsesDedicatedReply(t *testing.T) {
	acct := testAccount()
	acct.StatusTooLarge = "552 5.3.4 Message too big for this mailbox"
	eng := &fakeEngine{outcome: quota.OutcomeOverMaxsize, detail: "too big"}
	sess := newTestSession(t, withQuota(acct), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 1<<30)
	assert.Equal(t, "552 5.3.4 Message too big for this mailbox", sess.decide(context.Background(), req))
}

func TestDecideTooLargeFallsThroughToOverQuota(t *testing.T) {
	// Neither per-account nor global too-large reply configured: the
	// hard-ceiling outcome degrades to the over-quota rejection.
	acct := testAccount()
	acct.StatusOverQuota = "552 5.2.2 Mailbox full"
	eng := &fakeEngine{outcome: quota.OutcomeOverQuotaLimit, detail: "full"}
	sess := newTestSession(t, withQuota(acct), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	assert.Equal(t, "552 5.2.2 Mailbox full", sess.decide(context.Background(), req))
}

func TestDecideTempfailDefers(t *testing.T) {
	eng := &fakeEngine{outcome: quota.OutcomeTempfail, err: errors.New("timeout")}
	sess := newTestSession(t, withQuota(testAccount()), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	action := sess.decide(context.Background(), req)
	assert.Contains(t, action, "DEFER_IF_PERMIT")
}

func TestDecideBackgroundCalcDefers(t *testing.T) {
	eng := &fakeEngine{outcome: quota.OutcomeBackgroundCalc}
	sess := newTestSession(t, withQuota(testAccount()), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	action := sess.decide(context.Background(), req)
	assert.Contains(t, action, "DEFER_IF_PERMIT")
}

func TestDecideZeroSizeAllocatesOneByte(t *testing.T) {
	eng := &fakeEngine{outcome: quota.OutcomeOK}
	sess := newTestSession(t, withQuota(testAccount()), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 0)
	sess.decide(context.Background(), req)
	assert.Equal(t, int64(1), eng.gotSize)
}

func TestDecideIsIdempotent(t *testing.T) {
	eng := &fakeEngine{outcome: quota.OutcomeOverQuota, detail: "full"}
	sess := newTestSession(t, withQuota(testAccount()), eng, defaultQuotaConfig())

	req := rcptRequest("alice@example.com", 100)
	first := sess.decide(context.Background(), req)
	second := sess.decide(context.Background(), req)
	assert.Equal(t, first, second)
}
