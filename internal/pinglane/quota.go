package pinglane

import (
	"context"
	"sync/atomic"
)

const (
	DefaultFreeLimit = 100
	DefaultProLimit  = 1000
)

// TierLimits holds the monthly event allowance per subscription tier.
type TierLimits struct {
	Free int `json:"free"`
	Pro  int `json:"pro"`
}

func DefaultTierLimits() TierLimits {
	return TierLimits{Free: DefaultFreeLimit, Pro: DefaultProLimit}
}

// QuotaPolicy maps a plan to its current limit. Limits are swappable at
// runtime (see WatchTierLimits); reads never block writers.
type QuotaPolicy struct {
	limits atomic.Pointer[TierLimits]
}

func NewQuotaPolicy() *QuotaPolicy {
	p := &QuotaPolicy{}
	defaults := DefaultTierLimits()
	p.limits.Store(&defaults)
	return p
}

func (p *QuotaPolicy) Limits() TierLimits {
	return *p.limits.Load()
}

// SetLimits replaces the active limits. Non-positive values fall back to
// the built-in defaults.
func (p *QuotaPolicy) SetLimits(limits TierLimits) {
	if limits.Free <= 0 {
		limits.Free = DefaultFreeLimit
	}
	if limits.Pro <= 0 {
		limits.Pro = DefaultProLimit
	}
	p.limits.Store(&limits)
}

func (p *QuotaPolicy) LimitFor(plan Plan) int {
	limits := p.Limits()
	if plan == PlanPro {
		return limits.Pro
	}
	return limits.Free
}

// QuotaStatus is the result of a pre-delivery quota check.
type QuotaStatus struct {
	WithinLimit bool
	Limit       int
	Count       int
}

// QuotaLedger tracks per-account monthly usage against the tier limit.
// Check must run before any delivery attempt; RecordSuccess only after the
// delivery is confirmed. The check-then-act gap is deliberately unguarded:
// a concurrent burst near the boundary may admit slightly more than the
// limit, and the storage-level upsert keeps the counter itself exact.
type QuotaLedger struct {
	store  Store
	policy *QuotaPolicy
}

func NewQuotaLedger(store Store, policy *QuotaPolicy) *QuotaLedger {
	if policy == nil {
		policy = NewQuotaPolicy()
	}
	return &QuotaLedger{store: store, policy: policy}
}

// Check reads the counter for the period; a missing counter counts as zero.
// Read-only.
func (l *QuotaLedger) Check(ctx context.Context, account Account, period Period) (QuotaStatus, error) {
	count, err := l.store.QuotaCount(ctx, account.ID, period)
	if err != nil {
		return QuotaStatus{}, err
	}
	limit := l.policy.LimitFor(account.Plan)
	return QuotaStatus{
		WithinLimit: count < limit,
		Limit:       limit,
		Count:       count,
	}, nil
}

// RecordSuccess increments the counter for the period, creating it at 1 if
// absent. Atomicity across concurrent callers is delegated to the store.
func (l *QuotaLedger) RecordSuccess(ctx context.Context, accountID string, period Period) error {
	return l.store.IncrementQuota(ctx, accountID, period)
}
