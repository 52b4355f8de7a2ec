package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
	"github.com/payos-hq/payos/internal/fees"
	"github.com/payos-hq/payos/internal/store"
)

// CheckoutItemParams is one cart row as submitted by the caller.
type CheckoutItemParams struct {
	Name      string
	Quantity  int64
	UnitPrice decimal.Decimal
}

// CreateCheckoutParams opens a cart session. TotalAmount is derived here,
// once, and never recomputed afterwards.
type CreateCheckoutParams struct {
	WalletID         string
	MerchantWalletID string
	Items            []CheckoutItemParams
	Tax              decimal.Decimal
	Shipping         decimal.Decimal
	Discount         decimal.Decimal
	ExpiresAt        *time.Time
}

// CompleteCheckoutRequest settles a pending checkout in one transfer.
// PaymentToken is the opaque external payment authorization.
type CompleteCheckoutRequest struct {
	CheckoutID   string
	PaymentToken string
	RequestID    string
}

// CompleteCheckoutResult is the settled (or replayed) checkout.
type CompleteCheckoutResult struct {
	Transfer *domain.Transfer `json:"transfer"`
	Checkout *domain.Checkout `json:"checkout"`
	Replayed bool             `json:"replayed"`
}

// CreateCheckout validates the cart, fixes line totals and the final amount,
// and persists the session as pending.
func (e *Engine) CreateCheckout(ctx context.Context, p CreateCheckoutParams) (*domain.Checkout, error) {
	if len(p.Items) == 0 {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidRequest, "at least one line item is required")
	}
	if p.Tax.IsNegative() || p.Shipping.IsNegative() || p.Discount.IsNegative() {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidAmount,
			"tax, shipping and discount must be non-negative")
	}

	payer, err := e.loadWallet(ctx, p.WalletID)
	if err != nil {
		return nil, err
	}
	merchant, err := e.loadWallet(ctx, p.MerchantWalletID)
	if err != nil {
		return nil, err
	}
	if payer.Currency != merchant.Currency {
		return nil, domain.NewError(domain.KindValidation, domain.CodeCurrencyMismatch,
			"payer currency %s does not match merchant currency %s", payer.Currency, merchant.Currency)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(e.now().UTC()) {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidRequest,
			"expiry must be in the future")
	}

	items := make([]domain.LineItem, 0, len(p.Items))
	subtotal := decimal.Zero
	for _, it := range p.Items {
		if it.Name == "" || it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidRequest,
				"line items need a name, a positive quantity and a non-negative unit price")
		}
		lineTotal := fees.Round(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
		items = append(items, domain.LineItem{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
	}

	total := fees.Round(subtotal.Add(p.Tax).Add(p.Shipping).Sub(p.Discount))
	if total.IsNegative() {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidAmount,
			"discount %s exceeds the cart amount", p.Discount)
	}

	now := e.now().UTC()
	c := &domain.Checkout{
		ID:               uuid.NewString(),
		WalletID:         payer.ID,
		MerchantWalletID: merchant.ID,
		Currency:         payer.Currency,
		Items:            items,
		Subtotal:         subtotal,
		Tax:              p.Tax,
		Shipping:         p.Shipping,
		Discount:         p.Discount,
		TotalAmount:      total,
		Status:           domain.CheckoutPending,
		ExpiresAt:        p.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateCheckout(ctx, c); err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"checkout create failed").WithCause(err)
	}
	return c, nil
}

// GetCheckout returns a checkout session by id.
func (e *Engine) GetCheckout(ctx context.Context, id string) (*domain.Checkout, error) {
	c, err := e.store.GetCheckout(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewError(domain.KindNotFound, domain.CodeCheckoutNotFound, "checkout %s not found", id)
	}
	return c, err
}

// CompleteCheckout settles a pending checkout: exactly one transfer for the
// fixed TotalAmount, the pending-to-completed flip committing with it.
func (e *Engine) CompleteCheckout(ctx context.Context, req CompleteCheckoutRequest) (*CompleteCheckoutResult, error) {
	if req.PaymentToken == "" {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidRequest, "payment token is required")
	}

	c, err := e.GetCheckout(ctx, req.CheckoutID)
	if err != nil {
		return nil, err
	}

	// Guard before state checks so a retry of a completed checkout replays
	// instead of failing on the terminal status.
	if req.RequestID != "" {
		if res, replayed, derr := e.checkDuplicate(ctx, domain.ProtocolACP, req.RequestID, c.TotalAmount); derr != nil {
			return nil, derr
		} else if replayed {
			return &CompleteCheckoutResult{Transfer: res.Transfer, Checkout: c, Replayed: true}, nil
		}
	}

	if err := e.checkoutCompletable(ctx, c); err != nil {
		return nil, err
	}

	payer, err := e.loadWallet(ctx, c.WalletID)
	if err != nil {
		return nil, err
	}

	res, replayed, err := e.settle(ctx, settleParams{
		protocol:  domain.ProtocolACP,
		requestID: req.RequestID,
		payer:     payer,
		payeeID:   c.MerchantWalletID,
		gross:     c.TotalAmount,
		target:    c.MerchantWalletID,
		metadata: domain.ACPMetadata{
			CheckoutID:   c.ID,
			MerchantID:   c.MerchantWalletID,
			PaymentToken: req.PaymentToken,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, domain.NewError(domain.KindResource, domain.CodeInsufficientBalance,
				"wallet %s cannot cover %s", c.WalletID, c.TotalAmount)
		case errors.Is(err, store.ErrInvalidState):
			return nil, domain.NewError(domain.KindState, domain.CodeCheckoutNotPending,
				"checkout %s is no longer pending", c.ID)
		}
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"checkout settlement failed").WithCause(err)
	}

	if replayed {
		out := &CompleteCheckoutResult{Transfer: res.Transfer, Replayed: true}
		if cur, gerr := e.store.GetCheckout(ctx, c.ID); gerr == nil {
			out.Checkout = cur
		}
		return out, nil
	}
	return &CompleteCheckoutResult{Transfer: res.Transfer, Checkout: res.Checkout}, nil
}

// CancelCheckout moves a pending checkout to cancelled with no transfer side
// effects.
func (e *Engine) CancelCheckout(ctx context.Context, id string) (*domain.Checkout, error) {
	c, err := e.store.TransitionCheckout(ctx, id, domain.CheckoutPending, domain.CheckoutCancelled, e.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewError(domain.KindNotFound, domain.CodeCheckoutNotFound, "checkout %s not found", id)
	}
	if errors.Is(err, store.ErrInvalidState) {
		return nil, domain.NewError(domain.KindState, domain.CodeCheckoutNotPending,
			"checkout %s is no longer pending", id)
	}
	if err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"checkout cancel failed").WithCause(err)
	}
	return c, nil
}

// checkoutCompletable rejects non-pending or expired checkouts, lazily
// flipping a pending checkout whose expiry has passed.
func (e *Engine) checkoutCompletable(ctx context.Context, c *domain.Checkout) error {
	if c.Status == domain.CheckoutPending && c.ExpiredAt(e.now().UTC()) {
		_, _ = e.store.TransitionCheckout(ctx, c.ID, domain.CheckoutPending, domain.CheckoutExpired, e.now().UTC())
		return domain.NewError(domain.KindState, domain.CodeCheckoutExpired, "checkout %s has expired", c.ID)
	}
	switch c.Status {
	case domain.CheckoutPending:
		return nil
	case domain.CheckoutExpired:
		return domain.NewError(domain.KindState, domain.CodeCheckoutExpired, "checkout %s has expired", c.ID)
	default:
		return domain.NewError(domain.KindState, domain.CodeCheckoutNotPending,
			"checkout %s is %s", c.ID, c.Status)
	}
}
