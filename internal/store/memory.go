package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
)

// MemoryStore keeps all state behind one mutex. Suitable for tests and
// single-process development; multi-process deployments use the Postgres
// store. Both implementations enforce the same conditional-write semantics.
type MemoryStore struct {
	mu         sync.Mutex
	wallets    map[string]*domain.Wallet
	endpoints  map[string]*domain.Endpoint
	mandates   map[string]*domain.Mandate
	executions map[string][]domain.MandateExecution
	checkouts  map[string]*domain.Checkout
	transfers  map[string]*domain.Transfer
	byRequest  map[string]string // protocol|requestID -> transferID
	order      []string          // transfer ids in commit order
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:    make(map[string]*domain.Wallet),
		endpoints:  make(map[string]*domain.Endpoint),
		mandates:   make(map[string]*domain.Mandate),
		executions: make(map[string][]domain.MandateExecution),
		checkouts:  make(map[string]*domain.Checkout),
		transfers:  make(map[string]*domain.Transfer),
		byRequest:  make(map[string]string),
	}
}

func requestKey(p domain.Protocol, requestID string) string {
	return string(p) + "|" + requestID
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.wallets[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, e *domain.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Tiers = append([]domain.PriceTier(nil), e.Tiers...)
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	cp.Tiers = append([]domain.PriceTier(nil), e.Tiers...)
	return &cp, nil
}

func (s *MemoryStore) UpdateEndpointStatus(_ context.Context, id string, status domain.EndpointStatus, now time.Time) (*domain.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = now
	cp := *e
	cp.Tiers = append([]domain.PriceTier(nil), e.Tiers...)
	return &cp, nil
}

func (s *MemoryStore) CreateMandate(_ context.Context, m *domain.Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.mandates[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMandate(_ context.Context, id string) (*domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) TransitionMandate(_ context.Context, id string, from, to domain.MandateStatus, now time.Time) (*domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.Status != from {
		return nil, ErrInvalidState
	}
	m.Status = to
	m.UpdatedAt = now
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, mandateID string) ([]domain.MandateExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MandateExecution(nil), s.executions[mandateID]...), nil
}

func (s *MemoryStore) CreateCheckout(_ context.Context, c *domain.Checkout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.Items = append([]domain.LineItem(nil), c.Items...)
	s.checkouts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCheckout(_ context.Context, id string) (*domain.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Items = append([]domain.LineItem(nil), c.Items...)
	return &cp, nil
}

func (s *MemoryStore) TransitionCheckout(_ context.Context, id string, from, to domain.CheckoutStatus, now time.Time) (*domain.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != from {
		return nil, ErrInvalidState
	}
	c.Status = to
	c.UpdatedAt = now
	cp := *c
	cp.Items = append([]domain.LineItem(nil), c.Items...)
	return &cp, nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) FindTransferByRequest(_ context.Context, protocol domain.Protocol, requestID string) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRequest[requestKey(protocol, requestID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.transfers[id]
	return &cp, nil
}

func (s *MemoryStore) ListTransfers(_ context.Context, protocol domain.Protocol, limit int) ([]domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transfer
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := s.transfers[s.order[i]]
		if protocol != "" && t.Protocol != protocol {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *MemoryStore) SpentSince(_ context.Context, walletID string, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, t := range s.transfers {
		if t.PayerWalletID == walletID && t.Status == domain.TransferCompleted && !t.CreatedAt.Before(since) {
			total = total.Add(t.GrossAmount)
		}
	}
	return total, nil
}

func (s *MemoryStore) EndpointCallCount(_ context.Context, walletID, endpointID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.transfers {
		if t.PayerWalletID != walletID || t.Status != domain.TransferCompleted {
			continue
		}
		if m, ok := t.Metadata.(domain.X402Metadata); ok && m.EndpointID == endpointID {
			n++
		}
	}
	return n, nil
}

// ApplyTransfer performs the whole settlement under one mutex hold: all
// checks first, then all mutations, so a failed check leaves no partial
// state, mirroring the Postgres transaction.
func (s *MemoryStore) ApplyTransfer(_ context.Context, p ApplyTransferParams) (*ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.RequestID != "" {
		if _, exists := s.byRequest[requestKey(p.Protocol, p.RequestID)]; exists {
			return nil, ErrDuplicateRequest
		}
	}

	payer, ok := s.wallets[p.PayerWalletID]
	if !ok {
		return nil, ErrNotFound
	}
	payee, ok := s.wallets[p.PayeeWalletID]
	if !ok {
		return nil, ErrNotFound
	}
	if payer.Balance.LessThan(p.Gross) {
		return nil, ErrInsufficientFunds
	}

	res := &ApplyResult{}

	var endpoint *domain.Endpoint
	var mandate *domain.Mandate
	var checkout *domain.Checkout
	meta := p.Metadata

	switch m := p.Metadata.(type) {
	case domain.X402Metadata:
		// Missing and inactive collapse to the same error, matching the
		// postgres aggregate update which only matches active rows. This
		// keeps ErrNotFound reserved for wallet rows.
		endpoint, ok = s.endpoints[m.EndpointID]
		if !ok || endpoint.Status != domain.EndpointActive {
			return nil, ErrInvalidState
		}
	case domain.AP2Metadata:
		mandate, ok = s.mandates[m.MandateID]
		if !ok {
			return nil, ErrNotFound
		}
		if mandate.Status != domain.MandateActive {
			return nil, ErrInvalidState
		}
		if mandate.RemainingAmount.LessThan(p.Gross) {
			return nil, ErrMandateExceeded
		}
	case domain.ACPMetadata:
		checkout, ok = s.checkouts[m.CheckoutID]
		if !ok {
			return nil, ErrNotFound
		}
		if checkout.Status != domain.CheckoutPending {
			return nil, ErrInvalidState
		}
	}

	// All checks passed. Mutations below cannot fail.
	payer.Balance = payer.Balance.Sub(p.Gross)
	payer.UpdatedAt = p.Now
	payee.Balance = payee.Balance.Add(p.Net)
	payee.UpdatedAt = p.Now

	switch m := p.Metadata.(type) {
	case domain.X402Metadata:
		endpoint.TotalCalls++
		endpoint.TotalRevenue = endpoint.TotalRevenue.Add(p.Net)
		endpoint.UpdatedAt = p.Now
		cp := *endpoint
		cp.Tiers = append([]domain.PriceTier(nil), endpoint.Tiers...)
		res.Endpoint = &cp
	case domain.AP2Metadata:
		mandate.UsedAmount = mandate.UsedAmount.Add(p.Gross)
		mandate.RemainingAmount = mandate.RemainingAmount.Sub(p.Gross)
		mandate.ExecutionCount++
		if mandate.RemainingAmount.IsZero() {
			mandate.Status = domain.MandateCompleted
		}
		mandate.UpdatedAt = p.Now
		m.ExecutionIndex = mandate.ExecutionCount
		meta = m
		exec := domain.MandateExecution{
			ID:             uuid.NewString(),
			MandateID:      mandate.ID,
			ExecutionIndex: mandate.ExecutionCount,
			Amount:         p.Gross,
			TransferID:     p.TransferID,
			Status:         domain.TransferCompleted,
			CreatedAt:      p.Now,
		}
		s.executions[mandate.ID] = append(s.executions[mandate.ID], exec)
		mcp := *mandate
		res.Mandate = &mcp
		ecp := exec
		res.Execution = &ecp
	case domain.ACPMetadata:
		checkout.Status = domain.CheckoutCompleted
		checkout.PaymentToken = m.PaymentToken
		checkout.TransferID = p.TransferID
		checkout.UpdatedAt = p.Now
		ccp := *checkout
		ccp.Items = append([]domain.LineItem(nil), checkout.Items...)
		res.Checkout = &ccp
	}

	settled := p.Now
	t := &domain.Transfer{
		ID:            p.TransferID,
		Protocol:      p.Protocol,
		RequestID:     p.RequestID,
		PayerWalletID: p.PayerWalletID,
		PayeeWalletID: p.PayeeWalletID,
		Currency:      p.Currency,
		GrossAmount:   p.Gross,
		FeeAmount:     p.Fee,
		NetAmount:     p.Net,
		Status:        domain.TransferCompleted,
		Metadata:      meta,
		CreatedAt:     p.Now,
		SettledAt:     &settled,
	}
	s.transfers[t.ID] = t
	s.order = append(s.order, t.ID)
	if p.RequestID != "" {
		s.byRequest[requestKey(p.Protocol, p.RequestID)] = t.ID
	}

	cp := *t
	res.Transfer = &cp
	return res, nil
}

// Snapshot returns copies of all wallets sorted by id. Test helper for
// conservation checks.
func (s *MemoryStore) Snapshot() []domain.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
