package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Protocol tags a transfer with the agent payment protocol that produced it.
type Protocol string

const (
	ProtocolX402  Protocol = "x402"
	ProtocolAP2   Protocol = "ap2"
	ProtocolACP   Protocol = "acp"
	ProtocolOther Protocol = "other"
)

// TransferStatus is the lifecycle state of a transfer record.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// SpendingPolicy limits what a wallet may spend. Limits with Valid == false
// are not configured. Daily and monthly windows are UTC and are always
// derived from the committed transfer ledger at evaluation time.
type SpendingPolicy struct {
	PerRequestLimit   decimal.NullDecimal `json:"per_request_limit"`
	DailyLimit        decimal.NullDecimal `json:"daily_limit"`
	MonthlyLimit      decimal.NullDecimal `json:"monthly_limit"`
	ApprovalThreshold decimal.NullDecimal `json:"approval_threshold"`
	ApprovedTargets   []string            `json:"approved_targets,omitempty"`
}

// Wallet is a payer or payee balance holder. Balance is mutated only through
// the store's atomic transfer commit and never goes negative.
type Wallet struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Policy    SpendingPolicy  `json:"policy"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transfer is the immutable record of one settled payment.
type Transfer struct {
	ID            string           `json:"id"`
	Protocol      Protocol         `json:"protocol"`
	RequestID     string           `json:"request_id,omitempty"`
	PayerWalletID string           `json:"payer_wallet_id"`
	PayeeWalletID string           `json:"payee_wallet_id"`
	Currency      string           `json:"currency"`
	GrossAmount   decimal.Decimal  `json:"gross_amount"`
	FeeAmount     decimal.Decimal  `json:"fee_amount"`
	NetAmount     decimal.Decimal  `json:"net_amount"`
	Status        TransferStatus   `json:"status"`
	Metadata      TransferMetadata `json:"metadata"`
	CreatedAt     time.Time        `json:"created_at"`
	SettledAt     *time.Time       `json:"settled_at,omitempty"`
}

// EndpointStatus is the serving state of a metered x402 endpoint.
type EndpointStatus string

const (
	EndpointActive   EndpointStatus = "active"
	EndpointPaused   EndpointStatus = "paused"
	EndpointDisabled EndpointStatus = "disabled"
)

// PriceTier discounts the endpoint price once a payer's completed call count
// reaches Threshold. Multiplier scales the base price (for example 0.8 for a
// 20% discount).
type PriceTier struct {
	Threshold  int64           `json:"threshold"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Endpoint is a priced API surface paid per call over x402.
// TotalRevenue accumulates net amounts and is monotonic non-decreasing.
type Endpoint struct {
	ID               string          `json:"id"`
	ProviderWalletID string          `json:"provider_wallet_id"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Currency         string          `json:"currency"`
	Tiers            []PriceTier     `json:"tiers,omitempty"`
	TotalCalls       int64           `json:"total_calls"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	Status           EndpointStatus  `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MandateStatus is the lifecycle state of an AP2 spending mandate.
// Completed, cancelled and expired are terminal and never revert.
type MandateStatus string

const (
	MandateActive    MandateStatus = "active"
	MandateCompleted MandateStatus = "completed"
	MandateCancelled MandateStatus = "cancelled"
	MandateExpired   MandateStatus = "expired"
)

// Mandate is a pre-authorized cumulative spending envelope drawn down by
// discrete executions. Invariant: UsedAmount + RemainingAmount ==
// AuthorizedAmount after every committed execution.
type Mandate struct {
	ID               string          `json:"id"`
	WalletID         string          `json:"wallet_id"`
	PayeeWalletID    string          `json:"payee_wallet_id"`
	Currency         string          `json:"currency"`
	AuthorizedAmount decimal.Decimal `json:"authorized_amount"`
	UsedAmount       decimal.Decimal `json:"used_amount"`
	RemainingAmount  decimal.Decimal `json:"remaining_amount"`
	ExecutionCount   int64           `json:"execution_count"`
	Status           MandateStatus   `json:"status"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MandateExecution is one append-only draw against a mandate. Rows are never
// mutated after creation.
type MandateExecution struct {
	ID             string          `json:"id"`
	MandateID      string          `json:"mandate_id"`
	ExecutionIndex int64           `json:"execution_index"`
	Amount         decimal.Decimal `json:"amount"`
	TransferID     string          `json:"transfer_id"`
	Status         TransferStatus  `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CheckoutStatus is the lifecycle state of an ACP checkout session.
type CheckoutStatus string

const (
	CheckoutPending   CheckoutStatus = "pending"
	CheckoutCompleted CheckoutStatus = "completed"
	CheckoutCancelled CheckoutStatus = "cancelled"
	CheckoutExpired   CheckoutStatus = "expired"
)

// LineItem is one cart row. LineTotal = Quantity * UnitPrice, fixed at
// checkout creation.
type LineItem struct {
	Name      string          `json:"name"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Checkout is an ACP cart session settled in one transfer on completion.
// TotalAmount is computed once at creation and never recomputed.
type Checkout struct {
	ID               string          `json:"id"`
	WalletID         string          `json:"wallet_id"`
	MerchantWalletID string          `json:"merchant_wallet_id"`
	Currency         string          `json:"currency"`
	Items            []LineItem      `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Shipping         decimal.Decimal `json:"shipping"`
	Discount         decimal.Decimal `json:"discount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Status           CheckoutStatus  `json:"status"`
	PaymentToken     string          `json:"payment_token,omitempty"`
	TransferID       string          `json:"transfer_id,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TierMultiplier returns the price multiplier for a payer that has already
// completed callCount calls against this endpoint: the highest tier whose
// threshold is reached, or 1 when no tier applies.
func (e *Endpoint) TierMultiplier(callCount int64) decimal.Decimal {
	mult := decimal.NewFromInt(1)
	best := int64(-1)
	for _, t := range e.Tiers {
		if callCount >= t.Threshold && t.Threshold > best {
			best = t.Threshold
			mult = t.Multiplier
		}
	}
	return mult
}

// ExpiredAt reports whether the mandate's expiry has passed at the given time.
func (m *Mandate) ExpiredAt(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// ExpiredAt reports whether the checkout's expiry has passed at the given time.
func (c *Checkout) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
