package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
	"github.com/payos-hq/payos/internal/fees"
	"github.com/payos-hq/payos/internal/store"
)

// Quote is a priced offer for one metered call. The price reflects the
// requesting wallet's volume-discount tier at quote time.
type Quote struct {
	EndpointID string          `json:"endpoint_id"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// PayRequest is one metered x402 payment. Amount is the price the caller
// agreed to, normally taken from a quote.
type PayRequest struct {
	EndpointID string
	RequestID  string
	WalletID   string
	Amount     decimal.Decimal
}

// PayResult is a settled (or idempotently replayed) x402 payment.
type PayResult struct {
	Transfer *domain.Transfer `json:"transfer"`
	Endpoint *domain.Endpoint `json:"-"`
	Proof    string           `json:"proof"`
	Replayed bool             `json:"replayed"`
}

// Quote prices one call against an endpoint for the given wallet. walletID
// may be empty for an anonymous base-price quote.
func (e *Engine) Quote(ctx context.Context, endpointID, walletID string) (*Quote, error) {
	ep, err := e.loadEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	price := ep.Price
	if walletID != "" {
		calls, err := e.store.EndpointCallCount(ctx, walletID, endpointID)
		if err != nil {
			return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
				"call count lookup failed").WithCause(err)
		}
		price = fees.Round(ep.Price.Mul(ep.TierMultiplier(calls)))
	}

	return &Quote{
		EndpointID: ep.ID,
		Price:      price,
		Currency:   ep.Currency,
		ExpiresAt:  e.now().UTC().Add(e.quoteTTL),
	}, nil
}

// Pay settles one metered call: endpoint lookup, duplicate short-circuit,
// policy, tier-priced gross, fee split, atomic commit with the endpoint's
// call and revenue counters, then a queued best-effort notification.
func (e *Engine) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	if req.RequestID == "" {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidRequest, "request id is required")
	}
	if req.Amount.Sign() <= 0 {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidAmount, "amount must be positive")
	}

	// The duplicate guard runs before any state check: a retry of an
	// already-settled payment returns the original transfer even if the
	// endpoint has since been paused or repriced.
	if res, replayed, err := e.checkDuplicate(ctx, domain.ProtocolX402, req.RequestID, req.Amount); err != nil {
		return nil, err
	} else if replayed {
		return payResultFrom(res, true), nil
	}

	ep, err := e.loadEndpoint(ctx, req.EndpointID)
	if err != nil {
		return nil, err
	}

	payer, err := e.loadWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if payer.Currency != ep.Currency {
		return nil, domain.NewError(domain.KindValidation, domain.CodeCurrencyMismatch,
			"wallet currency %s does not match endpoint currency %s", payer.Currency, ep.Currency)
	}

	calls, err := e.store.EndpointCallCount(ctx, req.WalletID, req.EndpointID)
	if err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"call count lookup failed").WithCause(err)
	}
	gross := fees.Round(ep.Price.Mul(ep.TierMultiplier(calls)))
	if !req.Amount.Equal(gross) {
		return nil, domain.NewError(domain.KindValidation, domain.CodeInvalidAmount,
			"amount %s does not match the current price %s", req.Amount, gross)
	}

	res, replayed, err := e.settle(ctx, settleParams{
		protocol:  domain.ProtocolX402,
		requestID: req.RequestID,
		payer:     payer,
		payeeID:   ep.ProviderWalletID,
		gross:     gross,
		target:    ep.ID,
		metadata: domain.X402Metadata{
			EndpointID: ep.ID,
			RequestID:  req.RequestID,
			Proof:      settlementProof(domain.ProtocolX402, req.RequestID, req.WalletID),
		},
	})
	if err != nil {
		return nil, mapX402Err(err, req)
	}
	return payResultFrom(res, replayed), nil
}

// Verify reports whether a transfer id is the committed settlement for a
// request id.
func (e *Engine) Verify(ctx context.Context, requestID, transferID string) (bool, error) {
	t, err := e.store.FindTransferByRequest(ctx, domain.ProtocolX402, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"transfer lookup failed").WithCause(err)
	}
	return t.ID == transferID && t.Status == domain.TransferCompleted, nil
}

func (e *Engine) loadEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	ep, err := e.store.GetEndpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewError(domain.KindNotFound, domain.CodeEndpointNotFound, "endpoint %s not found", id)
	}
	if err != nil {
		return nil, domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
			"endpoint lookup failed").WithCause(err)
	}
	if ep.Status != domain.EndpointActive {
		return nil, domain.NewError(domain.KindState, domain.CodeEndpointInactive,
			"endpoint %s is %s", id, ep.Status)
	}
	return ep, nil
}

func payResultFrom(res *store.ApplyResult, replayed bool) *PayResult {
	out := &PayResult{Transfer: res.Transfer, Endpoint: res.Endpoint, Replayed: replayed}
	if m, ok := res.Transfer.Metadata.(domain.X402Metadata); ok {
		out.Proof = m.Proof
	}
	return out
}

func mapX402Err(err error, req PayRequest) error {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return domain.NewError(domain.KindResource, domain.CodeInsufficientBalance,
			"wallet %s cannot cover %s", req.WalletID, req.Amount)
	case errors.Is(err, store.ErrInvalidState):
		return domain.NewError(domain.KindState, domain.CodeEndpointInactive,
			"endpoint %s is no longer active", req.EndpointID)
	case errors.Is(err, store.ErrNotFound):
		// The commit path only reports ErrNotFound for a missing wallet row;
		// a missing endpoint is caught before settlement.
		return domain.NewError(domain.KindNotFound, domain.CodeWalletNotFound,
			"payer or payee wallet for endpoint %s is missing", req.EndpointID)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.NewError(domain.KindInfrastructure, domain.CodeStoreUnavailable,
		"settlement failed").WithCause(err)
}

// settlementProof derives the opaque proof string returned to the payer.
// Deterministic over the request identity so a replay carries the same
// proof as the original settlement.
func settlementProof(protocol domain.Protocol, requestID, walletID string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", protocol, requestID, walletID))
	return hex.EncodeToString(sum[:])
}
