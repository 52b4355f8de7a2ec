// Package store is the durable state layer. Every cross-request invariant
// (non-negative balance, non-negative mandate remaining, exactly-once request
// processing) is enforced here with atomic conditional writes, never with
// application locks, so multiple stateless processes can share one backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
)

var (
	// ErrNotFound reports a missing wallet, endpoint, mandate, checkout or
	// transfer.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is the zero-row result of the conditional payer
	// debit. No partial state is left behind.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrDuplicateRequest reports a lost insert race on (protocol,
	// request_id). The caller reads the winning transfer back and decides
	// between replay and conflict.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrMandateExceeded is the zero-row result of the conditional mandate
	// draw-down: the requested amount is above the remaining envelope.
	ErrMandateExceeded = errors.New("mandate remaining amount exceeded")

	// ErrInvalidState reports a conditional lifecycle transition that found
	// the row in a different state than required.
	ErrInvalidState = errors.New("invalid lifecycle state")
)

// ApplyTransferParams describes one settlement unit of work. The protocol
// variant carried in Metadata selects the aggregate that commits with the
// transfer: endpoint stats for x402, mandate usage plus an execution row for
// AP2, checkout completion for ACP.
type ApplyTransferParams struct {
	TransferID    string
	Protocol      domain.Protocol
	RequestID     string
	PayerWalletID string
	PayeeWalletID string
	Currency      string
	Gross         decimal.Decimal
	Fee           decimal.Decimal
	Net           decimal.Decimal
	Metadata      domain.TransferMetadata
	Now           time.Time
}

// ApplyResult is the committed transfer plus the after-image of whichever
// protocol aggregate moved with it.
type ApplyResult struct {
	Transfer  *domain.Transfer
	Endpoint  *domain.Endpoint
	Mandate   *domain.Mandate
	Execution *domain.MandateExecution
	Checkout  *domain.Checkout
}

// Store is the durable backend. The Postgres implementation is the
// production path; the in-memory implementation backs tests and
// single-process development with identical semantics.
type Store interface {
	CreateWallet(ctx context.Context, w *domain.Wallet) error
	GetWallet(ctx context.Context, id string) (*domain.Wallet, error)

	CreateEndpoint(ctx context.Context, e *domain.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error)
	// UpdateEndpointStatus flips an endpoint's serving state; ErrNotFound when
	// the endpoint does not exist.
	UpdateEndpointStatus(ctx context.Context, id string, status domain.EndpointStatus, now time.Time) (*domain.Endpoint, error)

	CreateMandate(ctx context.Context, m *domain.Mandate) error
	GetMandate(ctx context.Context, id string) (*domain.Mandate, error)
	// TransitionMandate moves a mandate from one status to another as a
	// single conditional write; ErrInvalidState when the mandate is no
	// longer in from.
	TransitionMandate(ctx context.Context, id string, from, to domain.MandateStatus, now time.Time) (*domain.Mandate, error)
	ListExecutions(ctx context.Context, mandateID string) ([]domain.MandateExecution, error)

	CreateCheckout(ctx context.Context, c *domain.Checkout) error
	GetCheckout(ctx context.Context, id string) (*domain.Checkout, error)
	// TransitionCheckout is the checkout counterpart of TransitionMandate.
	TransitionCheckout(ctx context.Context, id string, from, to domain.CheckoutStatus, now time.Time) (*domain.Checkout, error)

	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	// FindTransferByRequest returns the transfer committed under (protocol,
	// request id), or ErrNotFound.
	FindTransferByRequest(ctx context.Context, protocol domain.Protocol, requestID string) (*domain.Transfer, error)
	ListTransfers(ctx context.Context, protocol domain.Protocol, limit int) ([]domain.Transfer, error)

	// SpentSince sums the gross amounts of a payer's completed transfers
	// created at or after since. Feeds the policy evaluator.
	SpentSince(ctx context.Context, walletID string, since time.Time) (decimal.Decimal, error)
	// EndpointCallCount counts a payer's completed x402 calls against one
	// endpoint. Selects the volume-discount tier.
	EndpointCallCount(ctx context.Context, walletID, endpointID string) (int64, error)

	// ApplyTransfer commits one settlement atomically: the conditional payer
	// debit, the payee credit, the transfer row and the protocol aggregate
	// all succeed or fail together. A payer debit without its transfer
	// record cannot exist in any outcome.
	ApplyTransfer(ctx context.Context, p ApplyTransferParams) (*ApplyResult, error)
}
