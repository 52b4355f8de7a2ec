// Package policy enforces wallet spending limits. Usage for the daily and
// monthly windows is derived from the committed transfer ledger on every
// evaluation; nothing is cached, so there is no counter to reset and no drift
// across process restarts or replicas.
package policy

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
)

// UsageSource reports how much a wallet has spent in completed transfers
// since a point in time.
type UsageSource interface {
	SpentSince(ctx context.Context, walletID string, since time.Time) (decimal.Decimal, error)
}

// Evaluator runs the spending checks in fixed order, short-circuiting on the
// first failure: allow-list, per-request ceiling, daily window, monthly
// window, approval threshold.
type Evaluator struct {
	usage UsageSource
	now   func() time.Time
}

// NewEvaluator builds an Evaluator over the given ledger-backed usage source.
func NewEvaluator(usage UsageSource) *Evaluator {
	return &Evaluator{usage: usage, now: time.Now}
}

// WithClock overrides the evaluator's clock. Intended for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate approves or rejects a requested spend. target identifies the
// counterparty (endpoint, mandate or merchant) checked against the wallet's
// allow-list. A returned *domain.Error carries the limiting amounts.
func (e *Evaluator) Evaluate(ctx context.Context, w *domain.Wallet, amount decimal.Decimal, target string) error {
	p := w.Policy

	if len(p.ApprovedTargets) > 0 && !slices.Contains(p.ApprovedTargets, target) {
		return domain.NewError(domain.KindPolicy, domain.CodeNotApproved,
			"counterparty %q is not on the wallet's approved list", target)
	}

	if p.PerRequestLimit.Valid && amount.GreaterThan(p.PerRequestLimit.Decimal) {
		return domain.NewError(domain.KindPolicy, domain.CodePerRequestLimit,
			"amount %s exceeds per-request limit %s", amount, p.PerRequestLimit.Decimal).
			WithAmounts(p.PerRequestLimit.Decimal, amount, decimal.Zero)
	}

	now := e.now().UTC()

	if p.DailyLimit.Valid {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := e.usage.SpentSince(ctx, w.ID, dayStart)
		if err != nil {
			return domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
				"daily usage lookup failed").WithCause(err)
		}
		if spent.Add(amount).GreaterThan(p.DailyLimit.Decimal) {
			return domain.NewError(domain.KindPolicy, domain.CodeDailyLimit,
				"amount %s would exceed daily limit %s (spent %s today)", amount, p.DailyLimit.Decimal, spent).
				WithAmounts(p.DailyLimit.Decimal, amount, spent)
		}
	}

	if p.MonthlyLimit.Valid {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := e.usage.SpentSince(ctx, w.ID, monthStart)
		if err != nil {
			return domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
				"monthly usage lookup failed").WithCause(err)
		}
		if spent.Add(amount).GreaterThan(p.MonthlyLimit.Decimal) {
			return domain.NewError(domain.KindPolicy, domain.CodeMonthlyLimit,
				"amount %s would exceed monthly limit %s (spent %s this month)", amount, p.MonthlyLimit.Decimal, spent).
				WithAmounts(p.MonthlyLimit.Decimal, amount, spent)
		}
	}

	if p.ApprovalThreshold.Valid && amount.GreaterThan(p.ApprovalThreshold.Decimal) {
		return domain.NewError(domain.KindPolicy, domain.CodeRequiresApproval,
			"amount %s is above the approval threshold %s", amount, p.ApprovalThreshold.Decimal).
			WithAmounts(p.ApprovalThreshold.Decimal, amount, decimal.Zero)
	}

	return nil
}
