// Package engine is the settlement core shared by the x402, AP2 and ACP
// adapters. Every adapter validates its own protocol state, then funnels
// into one settle path: idempotency guard, spending policy, fee split, and
// the store's atomic transfer commit.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
	"github.com/payos-hq/payos/internal/fees"
	"github.com/payos-hq/payos/internal/policy"
	"github.com/payos-hq/payos/internal/store"
	"github.com/payos-hq/payos/internal/webhook"
)

var settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payos_settlements_total",
	Help: "Settlement attempts by protocol and outcome",
}, []string{"protocol", "outcome"})

// Engine executes settlements. It holds no per-request state; correctness
// under concurrency comes entirely from the store's conditional writes, so
// any number of Engine instances can share one backend.
type Engine struct {
	store    store.Store
	policy   *policy.Evaluator
	fees     fees.Model
	notifier webhook.Notifier
	logger   *slog.Logger
	now      func() time.Time
	quoteTTL time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the post-commit settlement notifier.
func WithNotifier(n webhook.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the engine clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.policy.WithClock(now)
	}
}

// WithQuoteTTL sets how long x402 quotes stay valid.
func WithQuoteTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.quoteTTL = ttl }
}

// New builds an Engine over the given store and platform fee model.
func New(s store.Store, feeModel fees.Model, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		policy:   policy.NewEvaluator(s),
		fees:     feeModel,
		notifier: webhook.Discard{},
		logger:   slog.Default(),
		now:      time.Now,
		quoteTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// settleParams is one adapter-validated settlement handed to the shared
// commit path.
type settleParams struct {
	protocol  domain.Protocol
	requestID string
	payer     *domain.Wallet
	payeeID   string
	gross     decimal.Decimal
	target    string // counterparty identifier for the allow-list check
	metadata  domain.TransferMetadata
}

// settle runs the shared tail of every payment: policy, fee split, atomic
// commit, post-commit notification. Callers run the duplicate guard before
// any state check, so settle only handles the insert race here. The bool
// result reports an idempotent replay.
func (e *Engine) settle(ctx context.Context, p settleParams) (*store.ApplyResult, bool, error) {
	if err := e.policy.Evaluate(ctx, p.payer, p.gross, p.target); err != nil {
		e.count(p.protocol, "policy_rejected")
		return nil, false, err
	}

	fee, net := e.fees.Apply(p.gross)

	res, err := e.store.ApplyTransfer(ctx, store.ApplyTransferParams{
		TransferID:    newTransferID(),
		Protocol:      p.protocol,
		RequestID:     p.requestID,
		PayerWalletID: p.payer.ID,
		PayeeWalletID: p.payeeID,
		Currency:      p.payer.Currency,
		Gross:         p.gross,
		Fee:           fee,
		Net:           net,
		Metadata:      p.metadata,
		Now:           e.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			// Lost the insert race. The winner has committed by the time the
			// unique violation surfaces, so read it back and apply the same
			// replay-or-conflict rule.
			res, replayed, err := e.checkDuplicate(ctx, p.protocol, p.requestID, p.gross)
			if err != nil {
				return nil, false, err
			}
			if !replayed {
				return nil, false, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
					"settled transfer for request %s is not readable", p.requestID)
			}
			return res, true, nil
		}
		e.count(p.protocol, "rejected")
		return nil, false, err
	}

	e.count(p.protocol, "completed")
	e.notifier.Enqueue(webhook.SettlementEvent(res.Transfer))
	e.logger.Info("settlement committed",
		"protocol", p.protocol,
		"transfer_id", res.Transfer.ID,
		"payer_wallet_id", p.payer.ID,
		"gross", p.gross,
		"fee", fee)
	return res, false, nil
}

// checkDuplicate returns the previously committed transfer for (protocol,
// requestID), enforcing that a duplicate carries the same amount as the
// original. The original is never modified. Replay and conflict outcomes
// are counted here, so every caller shares one metrics path.
func (e *Engine) checkDuplicate(ctx context.Context, protocol domain.Protocol, requestID string, gross decimal.Decimal) (*store.ApplyResult, bool, error) {
	existing, err := e.store.FindTransferByRequest(ctx, protocol, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"duplicate lookup failed").WithCause(err)
	}
	if existing.Status != domain.TransferCompleted {
		e.count(protocol, "conflict")
		return nil, false, domain.NewError(domain.KindConflict, domain.CodeDuplicateInProgress,
			"request %s is already being processed", requestID)
	}
	if !existing.GrossAmount.Equal(gross) {
		e.count(protocol, "conflict")
		return nil, false, domain.NewError(domain.KindConflict, domain.CodeAmountMismatch,
			"request %s was already settled for %s, not %s", requestID, existing.GrossAmount, gross)
	}
	e.count(protocol, "replay")
	return &store.ApplyResult{Transfer: existing}, true, nil
}

// loadWallet fetches a wallet, failing closed on any lookup problem.
func (e *Engine) loadWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	w, err := e.store.GetWallet(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewError(domain.KindNotFound, domain.CodeWalletNotFound, "wallet %s not found", id)
	}
	if err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"wallet lookup failed").WithCause(err)
	}
	return w, nil
}

func newTransferID() string { return uuid.NewString() }

func (e *Engine) count(protocol domain.Protocol, outcome string) {
	settlementsTotal.WithLabelValues(string(protocol), outcome).Inc()
}

// GetTransfer returns a committed transfer by id.
func (e *Engine) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	t, err := e.store.GetTransfer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewError(domain.KindNotFound, domain.CodeTransferNotFound, "transfer %s not found", id)
	}
	return t, err
}

// ListTransfers returns the latest transfers, optionally filtered by
// protocol. Read surface for analytics consumers.
func (e *Engine) ListTransfers(ctx context.Context, protocol domain.Protocol, limit int) ([]domain.Transfer, error) {
	return e.store.ListTransfers(ctx, protocol, limit)
}
