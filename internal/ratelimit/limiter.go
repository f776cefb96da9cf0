// Package ratelimit gates inbound messages per user with a daily quota, a
// cooldown between requests and a blacklist fed by repeated violations.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/metrics"
)

// Reason explains a decision.
type Reason string

const (
	ReasonRateLimit   Reason = "rate_limit"
	ReasonCooldown    Reason = "cooldown"
	ReasonBlacklisted Reason = "blacklisted"
	// ReasonDisabled accompanies allowed decisions when limiting is switched off.
	ReasonDisabled Reason = "disabled"
)

// AutoBlacklistReason is recorded on entries created by repeated violations.
const AutoBlacklistReason = "rate-limit abuse"

// ErrInvalidUser is returned by operator calls given an empty user ID.
var ErrInvalidUser = errors.New("user id is required")

// Decision is the result of Check.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Reason            Reason        `json:"reason,omitempty"`
	Message           string        `json:"message,omitempty"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
	RemainingReports  int           `json:"remaining_reports"`
}

// Options configures a Limiter.
type Options struct {
	Enabled                bool
	MaxPerDay              int
	Cooldown               time.Duration
	AutoBlacklistThreshold int
	// AutoBlacklistTTL bounds automatic entries; zero means until removed.
	AutoBlacklistTTL time.Duration
	SweepInterval    time.Duration
	Location         *time.Location
	Now              func() time.Time
}

// Limiter is the per-user rate limiter and blacklist.
type Limiter struct {
	opts      Options
	records   RecordStore
	blacklist BlacklistStore
	logger    *logger.Logger
}

// New creates a limiter backed by in-memory stores.
func New(opts Options, log *logger.Logger) *Limiter {
	return NewWithStores(opts, NewMemoryRecordStore(), NewMemoryBlacklistStore(), log)
}

// NewWithStores creates a limiter over the given stores.
func NewWithStores(opts Options, records RecordStore, blacklist BlacklistStore, log *logger.Logger) *Limiter {
	if opts.MaxPerDay <= 0 {
		opts.MaxPerDay = 20
	}
	if opts.AutoBlacklistThreshold <= 0 {
		opts.AutoBlacklistThreshold = 10
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		opts:      opts,
		records:   records,
		blacklist: blacklist,
		logger:    log.Named("ratelimit"),
	}
}

func (l *Limiter) day(t time.Time) string {
	return t.In(l.opts.Location).Format("2006-01-02")
}

func (l *Limiter) untilTomorrow(now time.Time) time.Duration {
	local := now.In(l.opts.Location)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, l.opts.Location)
	return midnight.Sub(now)
}

// Check decides whether userID may start an expensive request now. An
// allowed decision reserves the cooldown slot.
func (l *Limiter) Check(userID string) Decision {
	if !l.opts.Enabled {
		metrics.RateLimitDecisions.WithLabelValues(string(ReasonDisabled)).Inc()
		return Decision{Allowed: true, Reason: ReasonDisabled, RemainingReports: l.opts.MaxPerDay}
	}

	now := l.opts.Now()
	if entry, ok := l.activeEntry(userID, now); ok {
		metrics.RateLimitDecisions.WithLabelValues(string(ReasonBlacklisted)).Inc()
		return Decision{
			Allowed: false,
			Reason:  ReasonBlacklisted,
			Message: blacklistMessage(entry),
		}
	}

	var d Decision
	var blacklisted bool
	l.records.Update(userID, func(rec *RateRecord) {
		today := l.day(now)
		if rec.Date != today {
			rec.Date = today
			rec.DailyCount = 0
		}
		remaining := l.opts.MaxPerDay - rec.DailyCount
		if remaining < 0 {
			remaining = 0
		}

		if !rec.LastRequest.IsZero() && l.opts.Cooldown > 0 {
			if elapsed := now.Sub(rec.LastRequest); elapsed < l.opts.Cooldown {
				wait := l.opts.Cooldown - elapsed
				d = Decision{
					Reason:            ReasonCooldown,
					Message:           fmt.Sprintf("Please wait %d seconds before sending another message.", ceilSeconds(wait)),
					RetryAfter:        wait,
					CooldownRemaining: wait,
					RemainingReports:  remaining,
				}
				blacklisted = l.violation(userID, rec, now)
				return
			}
		}

		if rec.DailyCount >= l.opts.MaxPerDay {
			d = Decision{
				Reason:           ReasonRateLimit,
				Message:          fmt.Sprintf("You have reached today's limit of %d reports. Please try again tomorrow.", l.opts.MaxPerDay),
				RetryAfter:       l.untilTomorrow(now),
				RemainingReports: 0,
			}
			blacklisted = l.violation(userID, rec, now)
			return
		}

		rec.LastRequest = now
		d = Decision{Allowed: true, RemainingReports: remaining}
	})

	if d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(string(d.Reason)).Inc()
		l.logger.Debug("request denied",
			zap.String("user_id", userID),
			zap.String("reason", string(d.Reason)),
		)
	}
	if blacklisted {
		metrics.BlacklistSize.Set(float64(l.blacklist.Len()))
		l.logger.Warn("user auto-blacklisted", zap.String("user_id", userID))
	}
	return d
}

// violation counts a denial and blacklists the user once the threshold is
// reached. It runs under the user's record lock.
func (l *Limiter) violation(userID string, rec *RateRecord, now time.Time) bool {
	rec.ViolationCount++
	if rec.ViolationCount < l.opts.AutoBlacklistThreshold {
		return false
	}
	if _, ok := l.activeEntry(userID, now); ok {
		return false
	}
	entry := BlacklistEntry{
		UserID:  userID,
		Reason:  AutoBlacklistReason,
		AddedAt: now,
		AddedBy: AddedBySystem,
	}
	if l.opts.AutoBlacklistTTL > 0 {
		exp := now.Add(l.opts.AutoBlacklistTTL)
		entry.ExpiresAt = &exp
	}
	l.blacklist.Put(entry)
	return true
}

// Record counts one completed expensive request against the user's quota.
// Call it only after downstream work succeeded.
func (l *Limiter) Record(userID string) {
	if !l.opts.Enabled {
		return
	}
	now := l.opts.Now()
	l.records.Update(userID, func(rec *RateRecord) {
		today := l.day(now)
		if rec.Date != today {
			rec.Date = today
			rec.DailyCount = 0
		}
		rec.DailyCount++
		rec.LastRequest = now
	})
}

// activeEntry returns the user's blacklist entry, purging it when expired.
func (l *Limiter) activeEntry(userID string, now time.Time) (BlacklistEntry, bool) {
	entry, ok := l.blacklist.Get(userID)
	if !ok {
		return BlacklistEntry{}, false
	}
	if entry.Expired(now) {
		l.blacklist.Delete(userID)
		metrics.BlacklistSize.Set(float64(l.blacklist.Len()))
		return BlacklistEntry{}, false
	}
	return entry, true
}

// Blacklist blocks userID. A zero ttl blocks until Unblacklist.
func (l *Limiter) Blacklist(userID, reason string, by AddedBy, ttl time.Duration) (BlacklistEntry, error) {
	if userID == "" {
		return BlacklistEntry{}, ErrInvalidUser
	}
	if by == "" {
		by = AddedByAdmin
	}
	now := l.opts.Now()
	entry := BlacklistEntry{
		UserID:  userID,
		Reason:  reason,
		AddedAt: now,
		AddedBy: by,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}
	l.blacklist.Put(entry)
	metrics.BlacklistSize.Set(float64(l.blacklist.Len()))

	l.logger.Info("user blacklisted",
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.String("added_by", string(by)),
		zap.Duration("ttl", ttl),
	)
	return entry, nil
}

// Unblacklist removes userID from the blacklist and reports whether it was
// listed. Violations are cleared too, otherwise the next denial would list
// the user again at once.
func (l *Limiter) Unblacklist(userID string) bool {
	removed := l.blacklist.Delete(userID)
	if removed {
		_ = l.ResetViolations(userID)
		metrics.BlacklistSize.Set(float64(l.blacklist.Len()))
		l.logger.Info("user removed from blacklist", zap.String("user_id", userID))
	}
	return removed
}

// IsBlacklisted reports whether an unexpired entry exists for userID.
func (l *Limiter) IsBlacklisted(userID string) bool {
	_, ok := l.activeEntry(userID, l.opts.Now())
	return ok
}

// ListBlacklist returns unexpired blacklist entries, oldest first.
func (l *Limiter) ListBlacklist() []BlacklistEntry {
	now := l.opts.Now()
	entries := l.blacklist.List()
	out := entries[:0]
	for _, e := range entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}

// ResetViolations clears the violation counter for userID.
func (l *Limiter) ResetViolations(userID string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	if _, ok := l.records.Get(userID); !ok {
		return nil
	}
	l.records.Update(userID, func(rec *RateRecord) {
		rec.ViolationCount = 0
	})
	return nil
}

// Usage describes a user's current quota state.
type Usage struct {
	UserID         string    `json:"user_id"`
	DailyCount     int       `json:"daily_count"`
	Remaining      int       `json:"remaining"`
	ViolationCount int       `json:"violation_count"`
	LastRequest    time.Time `json:"last_request,omitempty"`
	Blacklisted    bool      `json:"blacklisted"`
}

// Usage returns the quota state for userID as of now.
func (l *Limiter) Usage(userID string) Usage {
	now := l.opts.Now()
	u := Usage{UserID: userID, Remaining: l.opts.MaxPerDay, Blacklisted: l.IsBlacklisted(userID)}
	rec, ok := l.records.Get(userID)
	if !ok {
		return u
	}
	u.ViolationCount = rec.ViolationCount
	u.LastRequest = rec.LastRequest
	if rec.Date == l.day(now) {
		u.DailyCount = rec.DailyCount
		u.Remaining = max(l.opts.MaxPerDay-rec.DailyCount, 0)
	}
	return u
}

// Stats summarizes limiter state.
type Stats struct {
	Enabled      bool `json:"enabled"`
	TrackedUsers int  `json:"tracked_users"`
	Blacklisted  int  `json:"blacklisted"`
	MaxPerDay    int  `json:"max_per_day"`
}

// Stats returns a summary of limiter state.
func (l *Limiter) Stats() Stats {
	return Stats{
		Enabled:      l.opts.Enabled,
		TrackedUsers: l.records.Len(),
		Blacklisted:  l.blacklist.Len(),
		MaxPerDay:    l.opts.MaxPerDay,
	}
}

// SweepResult reports what a sweep changed.
type SweepResult struct {
	Reset         int `json:"reset"`
	Dropped       int `json:"dropped"`
	ExpiredBlocks int `json:"expired_blocks"`
}

// Sweep resets daily counts whose day rolled over, drops records that carry
// no information any more and purges expired blacklist entries.
func (l *Limiter) Sweep() SweepResult {
	now := l.opts.Now()
	today := l.day(now)

	var res SweepResult
	res.Dropped = l.records.Sweep(func(_ string, rec *RateRecord) bool {
		if rec.Date == today {
			return true
		}
		if rec.ViolationCount == 0 && now.Sub(rec.LastRequest) >= l.opts.Cooldown {
			return false
		}
		rec.Date = today
		rec.DailyCount = 0
		res.Reset++
		return true
	})
	res.ExpiredBlocks = l.blacklist.Sweep(func(e *BlacklistEntry) bool {
		return !e.Expired(now)
	})
	metrics.BlacklistSize.Set(float64(l.blacklist.Len()))
	return res
}

// Run sweeps on the configured interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := l.Sweep()
			l.logger.Info("rate limit sweep",
				zap.Int("reset", res.Reset),
				zap.Int("dropped", res.Dropped),
				zap.Int("expired_blocks", res.ExpiredBlocks),
			)
		}
	}
}

func blacklistMessage(entry BlacklistEntry) string {
	if entry.ExpiresAt != nil {
		return fmt.Sprintf("Your access has been suspended until %s.", entry.ExpiresAt.Format(time.RFC1123))
	}
	return "Your access has been suspended. Please contact the service desk."
}

func ceilSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
