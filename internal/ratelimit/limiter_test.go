package ratelimit

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/citizen-chat/resilience-core/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, clock *fakeClock, opts Options) *Limiter {
	t.Helper()
	opts.Enabled = true
	opts.Now = clock.Now
	return New(opts, logger.Wrap(zaptest.NewLogger(t)))
}

func TestLimiter_DailyQuotaScenario(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(t, clock, Options{MaxPerDay: 3})

	for i := 0; i < 3; i++ {
		d := l.Check("628111")
		if !d.Allowed {
			t.Fatalf("check %d: expected allowed, got %+v", i+1, d)
		}
		l.Record("628111")
	}

	d := l.Check("628111")
	if d.Allowed {
		t.Fatalf("expected 4th check denied")
	}
	if d.Reason != ReasonRateLimit {
		t.Fatalf("expected reason rate_limit, got %q", d.Reason)
	}
	if d.RemainingReports != 0 {
		t.Fatalf("expected 0 remaining reports, got %d", d.RemainingReports)
	}
	if d.RetryAfter <= 0 || d.Message == "" {
		t.Fatalf("expected retry-after and message, got %+v", d)
	}
}

func TestLimiter_QuotaResetsOnNewDay(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(t, clock, Options{MaxPerDay: 1})

	l.Record("u1")
	if d := l.Check("u1"); d.Allowed {
		t.Fatalf("expected quota exhausted")
	}

	clock.Advance(24 * time.Hour)
	if d := l.Check("u1"); !d.Allowed {
		t.Fatalf("expected quota reset on the next day, got %+v", d)
	}
}

func TestLimiter_Cooldown(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(t, clock, Options{MaxPerDay: 10, Cooldown: 5 * time.Second})

	if d := l.Check("u1"); !d.Allowed {
		t.Fatalf("expected first check allowed")
	}

	clock.Advance(time.Second)
	first := l.Check("u1")
	if first.Allowed || first.Reason != ReasonCooldown {
		t.Fatalf("expected cooldown denial, got %+v", first)
	}

	clock.Advance(2 * time.Second)
	second := l.Check("u1")
	if second.Reason != ReasonCooldown {
		t.Fatalf("expected cooldown denial, got %+v", second)
	}
	if second.CooldownRemaining >= first.CooldownRemaining {
		t.Fatalf("cooldown remaining must decrease: %s then %s", first.CooldownRemaining, second.CooldownRemaining)
	}

	clock.Advance(2 * time.Second)
	if d := l.Check("u1"); !d.Allowed {
		t.Fatalf("expected allowed once cooldown elapsed, got %+v", d)
	}
}

func TestLimiter_AutoBlacklist(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(t, clock, Options{MaxPerDay: 1, Cooldown: time.Minute})

	l.Record("spam")
	for i := 0; i < 10; i++ {
		if d := l.Check("spam"); d.Allowed {
			t.Fatalf("violation %d: expected denial", i+1)
		}
	}

	entries := l.ListBlacklist()
	if len(entries) != 1 {
		t.Fatalf("expected one blacklist entry, got %d", len(entries))
	}
	if entries[0].AddedBy != AddedBySystem || entries[0].Reason != AutoBlacklistReason {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	clock.Advance(48 * time.Hour)
	d := l.Check("spam")
	if d.Reason != ReasonBlacklisted {
		t.Fatalf("expected blacklisted regardless of quota, got %+v", d)
	}
}

func TestLimiter_BlacklistTTLExpiresLazily(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(t, clock, Options{MaxPerDay: 5})

	if _, err := l.Blacklist("u1", "abuse", AddedByAdmin, time.Hour); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if d := l.Check("u1"); d.Reason != ReasonBlacklisted {
		t.Fatalf("expected blacklisted, got %+v", d)
	}

	clock.Advance(time.Hour)
	if d := l.Check("u1"); !d.Allowed {
		t.Fatalf("expected expired entry treated as absent, got %+v", d)
	}
	if l.Stats().Blacklisted != 0 {
		t.Fatalf("expected expired entry purged on lookup")
	}
}

func TestLimiter_UnblacklistAndResetViolations(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(t, clock, Options{MaxPerDay: 1, AutoBlacklistThreshold: 2})

	l.Record("u1")
	l.Check("u1")
	l.Check("u1")
	if !l.IsBlacklisted("u1") {
		t.Fatalf("expected auto blacklist at threshold 2")
	}

	if !l.Unblacklist("u1") {
		t.Fatalf("expected entry removed")
	}
	if got := l.Usage("u1").ViolationCount; got != 0 {
		t.Fatalf("unblacklisting must clear violations, got %d", got)
	}
	if d := l.Check("u1"); d.Allowed || d.Reason == ReasonBlacklisted {
		t.Fatalf("expected a quota denial, got %+v", d)
	}
	if l.IsBlacklisted("u1") {
		t.Fatalf("one denial after unblacklisting must not list the user again")
	}
	if l.Unblacklist("u1") {
		t.Fatalf("second unblacklist must report false")
	}
	if err := l.ResetViolations("u1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := l.Usage("u1").ViolationCount; got != 0 {
		t.Fatalf("expected violations reset, got %d", got)
	}
	if err := l.ResetViolations(""); err != ErrInvalidUser {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := New(Options{Enabled: false, MaxPerDay: 1, Now: clock.Now}, logger.NewNop())

	for i := 0; i < 5; i++ {
		d := l.Check("u1")
		if !d.Allowed || d.Reason != ReasonDisabled {
			t.Fatalf("expected allowed with reason disabled, got %+v", d)
		}
		l.Record("u1")
	}
}

func TestLimiter_SweepResetsRolledOverRecords(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(t, clock, Options{MaxPerDay: 1, AutoBlacklistThreshold: 50})

	l.Record("quiet")
	l.Record("noisy")
	l.Check("noisy")
	if _, err := l.Blacklist("temp", "test", AddedByAdmin, time.Minute); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	clock.Advance(25 * time.Hour)
	res := l.Sweep()
	if res.Dropped != 1 || res.Reset != 1 {
		t.Fatalf("expected quiet dropped and noisy reset, got %+v", res)
	}
	if res.ExpiredBlocks != 1 {
		t.Fatalf("expected expired entry purged, got %+v", res)
	}
	if u := l.Usage("noisy"); u.DailyCount != 0 || u.ViolationCount != 1 {
		t.Fatalf("unexpected usage after sweep: %+v", u)
	}
}

func TestLimiter_DifferentUsersIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(t, clock, Options{MaxPerDay: 1})

	l.Record("a")
	if d := l.Check("a"); d.Allowed {
		t.Fatalf("expected a denied")
	}
	if d := l.Check("b"); !d.Allowed {
		t.Fatalf("expected b unaffected, got %+v", d)
	}
}
