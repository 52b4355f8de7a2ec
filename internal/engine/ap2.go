package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
	"github.com/payos-hq/payos/internal/store"
)

// CreateMandateParams authorizes a cumulative spending envelope for an
// agent wallet against one payee.
type CreateMandateParams struct {
	WalletID         string
	PayeeWalletID    string
	AuthorizedAmount decimal.Decimal
	ExpiresAt        *time.Time
}

// ExecuteMandateRequest draws one amount down from an active mandate.
// RequestID makes retries idempotent; Proof is an opaque authorization
// artifact recorded with the transfer.
type ExecuteMandateRequest struct {
	MandateID string
	Amount    decimal.Decimal
	RequestID string
	Proof     string
}

// ExecuteMandateResult is one committed (or replayed) execution with the
// mandate snapshot after it.
type ExecuteMandateResult struct {
	Transfer  *domain.Transfer         `json:"transfer"`
	Execution *domain.MandateExecution `json:"execution"`
	Mandate   *domain.Mandate          `json:"mandate"`
	Replayed  bool                     `json:"replayed"`
}

// CreateMandate validates and persists a new active mandate.
func (e *Engine) CreateMandate(ctx context.Context, p CreateMandateParams) (*domain.Mandate, error) {
	if p.AuthorizedAmount.Sign() <= 0 {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidAmount,
			"authorized amount must be positive")
	}

	payer, err := e.loadWallet(ctx, p.WalletID)
	if err != nil {
		return nil, err
	}
	payee, err := e.loadWallet(ctx, p.PayeeWalletID)
	if err != nil {
		return nil, err
	}
	if payer.Currency != payee.Currency {
		return nil, domain.NewError(domain.KindValidation, domain.CodeCurrencyMismatch,
			"payer currency %s does not match payee currency %s", payer.Currency, payee.Currency)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(e.now().UTC()) {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidRequest,
			"expiry must be in the future")
	}

	now := e.now().UTC()
	m := &domain.Mandate{
		ID:               uuid.NewString(),
		WalletID:         payer.ID,
		PayeeWalletID:    payee.ID,
		Currency:         payer.Currency,
		AuthorizedAmount: p.AuthorizedAmount,
		UsedAmount:       decimal.Zero,
		RemainingAmount:  p.AuthorizedAmount,
		Status:           domain.MandateActive,
		ExpiresAt:        p.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateMandate(ctx, m); err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"mandate create failed").WithCause(err)
	}
	return m, nil
}

// GetMandate returns a mandate by id.
func (e *Engine) GetMandate(ctx context.Context, id string) (*domain.Mandate, error) {
	m, err := e.store.GetMandate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewError(domain.KindNotFound, domain.CodeMandateNotFound, "mandate %s not found", id)
	}
	return m, err
}

// ListMandateExecutions returns the append-only execution history.
func (e *Engine) ListMandateExecutions(ctx context.Context, mandateID string) ([]domain.MandateExecution, error) {
	if _, err := e.GetMandate(ctx, mandateID); err != nil {
		return nil, err
	}
	return e.store.ListExecutions(ctx, mandateID)
}

// ExecuteMandate draws amount down from a mandate. The remaining-amount
// check commits atomically with the payer debit, so concurrent executions
// against one mandate serialize exactly like concurrent wallet debits: the
// committed draws never exceed the authorized amount.
func (e *Engine) ExecuteMandate(ctx context.Context, req ExecuteMandateRequest) (*ExecuteMandateResult, error) {
	if req.Amount.Sign() <= 0 {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidAmount, "amount must be positive")
	}

	// Guard before state checks: a retry of the execution that exhausted the
	// mandate must replay rather than fail on the now-completed status.
	if req.RequestID != "" {
		if res, replayed, err := e.checkDuplicate(ctx, domain.ProtocolAP2, req.RequestID, req.Amount); err != nil {
			return nil, err
		} else if replayed {
			return e.replayedExecution(ctx, res.Transfer)
		}
	}

	m, err := e.GetMandate(ctx, req.MandateID)
	if err != nil {
		return nil, err
	}
	if err := e.mandateExecutable(ctx, m); err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(m.RemainingAmount) {
		return nil, exceededErr(m, req.Amount)
	}

	payer, err := e.loadWallet(ctx, m.WalletID)
	if err != nil {
		return nil, err
	}

	res, replayed, err := e.settle(ctx, settleParams{
		protocol:  domain.ProtocolAP2,
		requestID: req.RequestID,
		payer:     payer,
		payeeID:   m.PayeeWalletID,
		gross:     req.Amount,
		target:    m.ID,
		metadata:  domain.AP2Metadata{MandateID: m.ID, Proof: req.Proof},
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, domain.NewError(domain.KindResource, domain.CodeInsufficientBalance,
				"wallet %s cannot cover %s", m.WalletID, req.Amount)
		case errors.Is(err, store.ErrMandateExceeded):
			// Lost a race against a concurrent execution; re-read for the
			// current remaining amount.
			if cur, gerr := e.store.GetMandate(ctx, m.ID); gerr == nil {
				return nil, exceededErr(cur, req.Amount)
			}
			return nil, exceededErr(m, req.Amount)
		case errors.Is(err, store.ErrInvalidState):
			return nil, e.mandateStateErr(ctx, m.ID)
		}
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"mandate execution failed").WithCause(err)
	}

	if replayed {
		return e.replayedExecution(ctx, res.Transfer)
	}
	return &ExecuteMandateResult{
		Transfer:  res.Transfer,
		Execution: res.Execution,
		Mandate:   res.Mandate,
	}, nil
}

// CancelMandate moves an active mandate to cancelled. Cancelled mandates
// reject all further executions regardless of remaining amount.
func (e *Engine) CancelMandate(ctx context.Context, id string) (*domain.Mandate, error) {
	m, err := e.store.TransitionMandate(ctx, id, domain.MandateActive, domain.MandateCancelled, e.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewError(domain.KindNotFound, domain.CodeMandateNotFound, "mandate %s not found", id)
	}
	if errors.Is(err, store.ErrInvalidState) {
		return nil, e.mandateStateErr(ctx, id)
	}
	if err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"mandate cancel failed").WithCause(err)
	}
	return m, nil
}

// mandateExecutable rejects terminal or expired mandates, lazily flipping an
// active mandate whose expiry has passed.
func (e *Engine) mandateExecutable(ctx context.Context, m *domain.Mandate) error {
	if m.Status == domain.MandateActive && m.ExpiredAt(e.now().UTC()) {
		// Terminal states never revert; losing this transition race just
		// means another process expired it first.
		_, _ = e.store.TransitionMandate(ctx, m.ID, domain.MandateActive, domain.MandateExpired, e.now().UTC())
		return domain.NewError(domain.KindState, domain.CodeMandateExpired, "mandate %s has expired", m.ID)
	}
	switch m.Status {
	case domain.MandateActive:
		return nil
	case domain.MandateCancelled:
		return domain.NewError(domain.KindState, domain.CodeMandateCancelled, "mandate %s is cancelled", m.ID)
	case domain.MandateCompleted:
		return domain.NewError(domain.KindState, domain.CodeMandateCompleted, "mandate %s is fully drawn", m.ID)
	default:
		return domain.NewError(domain.KindState, domain.CodeMandateExpired, "mandate %s has expired", m.ID)
	}
}

func (e *Engine) mandateStateErr(ctx context.Context, id string) error {
	if m, err := e.store.GetMandate(ctx, id); err == nil {
		if stateErr := e.mandateExecutable(ctx, m); stateErr != nil {
			return stateErr
		}
	}
	return domain.NewError(domain.KindState, domain.CodeMandateCancelled, "mandate %s is not active", id)
}

// replayedExecution rebuilds the original result for an idempotent retry
// from the committed transfer's correlation metadata.
func (e *Engine) replayedExecution(ctx context.Context, t *domain.Transfer) (*ExecuteMandateResult, error) {
	out := &ExecuteMandateResult{Transfer: t, Replayed: true}
	meta, ok := t.Metadata.(domain.AP2Metadata)
	if !ok {
		return out, nil
	}
	if m, err := e.store.GetMandate(ctx, meta.MandateID); err == nil {
		out.Mandate = m
	}
	execs, err := e.store.ListExecutions(ctx, meta.MandateID)
	if err == nil {
		for i := range execs {
			if execs[i].TransferID == t.ID {
				out.Execution = &execs[i]
				break
			}
		}
	}
	return out, nil
}

func exceededErr(m *domain.Mandate, requested decimal.Decimal) error {
	return domain.NewError(domain.KindPolicy, domain.CodeMandateExceeded,
		"requested %s exceeds remaining %s of authorized %s", requested, m.RemainingAmount, m.AuthorizedAmount).
		WithAmounts(m.RemainingAmount, requested, m.UsedAmount)
}
