package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payos-hq/payos/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func addWallet(t *testing.T, s *MemoryStore, balance string) *domain.Wallet {
	t.Helper()
	now := time.Now().UTC()
	w := &domain.Wallet{
		ID:        uuid.NewString(),
		AccountID: uuid.NewString(),
		Currency:  "USD",
		Balance:   d(balance),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateWallet(context.Background(), w))
	return w
}

func transferParams(payer, payee *domain.Wallet, gross, fee string, requestID string) ApplyTransferParams {
	g := d(gross)
	f := d(fee)
	return ApplyTransferParams{
		TransferID:    uuid.NewString(),
		Protocol:      domain.ProtocolOther,
		RequestID:     requestID,
		PayerWalletID: payer.ID,
		PayeeWalletID: payee.ID,
		Currency:      "USD",
		Gross:         g,
		Fee:           f,
		Net:           g.Sub(f),
		Now:           time.Now().UTC(),
	}
}

func TestApplyTransferNeverOverdraws(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payer := addWallet(t, s, "1.00")
	payee := addWallet(t, s, "0")

	// 50 concurrent debits of 0.10 against 1.00: exactly 10 can commit.
	const attempts = 50
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyTransfer(ctx, transferParams(payer, payee, "0.10", "0", ""))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	committed := 0
	for err := range errs {
		if err == nil {
			committed++
		} else {
			require.ErrorIs(t, err, ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 10, committed)

	p, err := s.GetWallet(ctx, payer.ID)
	require.NoError(t, err)
	assert.True(t, p.Balance.IsZero(), "payer balance %s", p.Balance)
	assert.False(t, p.Balance.IsNegative())
}

func TestApplyTransferDuplicateRequest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payer := addWallet(t, s, "10.00")
	payee := addWallet(t, s, "0")

	first, err := s.ApplyTransfer(ctx, transferParams(payer, payee, "1.00", "0", "dup-1"))
	require.NoError(t, err)

	_, err = s.ApplyTransfer(ctx, transferParams(payer, payee, "1.00", "0", "dup-1"))
	require.ErrorIs(t, err, ErrDuplicateRequest)

	// The loser reads the winner back under the same key.
	winner, err := s.FindTransferByRequest(ctx, domain.ProtocolOther, "dup-1")
	require.NoError(t, err)
	assert.Equal(t, first.Transfer.ID, winner.ID)

	// Same request id under a different protocol is a different key.
	_, err = s.FindTransferByRequest(ctx, domain.ProtocolX402, "dup-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyTransferConservation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wallets := make([]*domain.Wallet, 6)
	for i := range wallets {
		wallets[i] = addWallet(t, s, "100.00")
	}
	initial := d("600.00")

	// Hammer random-ish transfers with fees between all wallet pairs.
	amounts := []string{"0.01", "1.37", "12.00", "0.99", "55.00"}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payer := wallets[i%len(wallets)]
			payee := wallets[(i+1+i%3)%len(wallets)]
			if payer == payee {
				return
			}
			gross := amounts[i%len(amounts)]
			fee := "0.001"
			_, _ = s.ApplyTransfer(ctx, transferParams(payer, payee, gross, fee, ""))
		}(i)
	}
	wg.Wait()

	// Money only leaves the wallet set as recorded fees: the balance sum plus
	// the fee sum of committed transfers equals the initial total.
	balances := decimal.Zero
	for _, w := range s.Snapshot() {
		require.False(t, w.Balance.IsNegative(), "wallet %s went negative", w.ID)
		balances = balances.Add(w.Balance)
	}

	transfers, err := s.ListTransfers(ctx, "", 0)
	require.NoError(t, err)
	fees := decimal.Zero
	for _, tr := range transfers {
		require.Equal(t, domain.TransferCompleted, tr.Status)
		fees = fees.Add(tr.FeeAmount)
	}

	total := balances.Add(fees)
	assert.True(t, total.Equal(initial), "balances %s + fees %s != %s", balances, fees, initial)
}

func TestDebitAlwaysHasRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payer := addWallet(t, s, "5.00")
	payee := addWallet(t, s, "0")

	// Mix committed and rejected attempts.
	for i := 0; i < 20; i++ {
		_, _ = s.ApplyTransfer(ctx, transferParams(payer, payee, "0.40", "0", fmt.Sprintf("r-%d", i)))
	}

	p, err := s.GetWallet(ctx, payer.ID)
	require.NoError(t, err)

	transfers, err := s.ListTransfers(ctx, "", 0)
	require.NoError(t, err)
	debited := decimal.Zero
	for _, tr := range transfers {
		debited = debited.Add(tr.GrossAmount)
	}

	// Every cent that left the wallet is accounted for by a completed
	// transfer row, and vice versa.
	assert.True(t, d("5.00").Sub(debited).Equal(p.Balance),
		"balance %s, debited %s", p.Balance, debited)
}

func TestTransitionMandate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	m := &domain.Mandate{
		ID:               uuid.NewString(),
		WalletID:         uuid.NewString(),
		PayeeWalletID:    uuid.NewString(),
		Currency:         "USD",
		AuthorizedAmount: d("10.00"),
		RemainingAmount:  d("10.00"),
		Status:           domain.MandateActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateMandate(ctx, m))

	got, err := s.TransitionMandate(ctx, m.ID, domain.MandateActive, domain.MandateCancelled, now)
	require.NoError(t, err)
	assert.Equal(t, domain.MandateCancelled, got.Status)

	// Terminal states never revert.
	_, err = s.TransitionMandate(ctx, m.ID, domain.MandateActive, domain.MandateExpired, now)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.TransitionMandate(ctx, "missing", domain.MandateActive, domain.MandateCancelled, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpentSinceWindows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payer := addWallet(t, s, "100.00")
	payee := addWallet(t, s, "0")

	base := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	for i, gross := range []string{"1.00", "2.00", "4.00"} {
		p := transferParams(payer, payee, gross, "0", "")
		p.Now = base.Add(time.Duration(i) * 24 * time.Hour)
		_, err := s.ApplyTransfer(ctx, p)
		require.NoError(t, err)
	}

	spent, err := s.SpentSince(ctx, payer.ID, base)
	require.NoError(t, err)
	assert.True(t, spent.Equal(d("7.00")), "spent %s", spent)

	spent, err = s.SpentSince(ctx, payer.ID, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, spent.Equal(d("6.00")), "spent %s", spent)

	// Only the payer's own spend counts; the payee spent nothing.
	spent, err = s.SpentSince(ctx, payee.ID, base)
	require.NoError(t, err)
	assert.True(t, spent.IsZero())
}

func TestEndpointCallCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	provider := addWallet(t, s, "0")
	payer := addWallet(t, s, "100.00")
	other := addWallet(t, s, "100.00")

	now := time.Now().UTC()
	ep := &domain.Endpoint{
		ID:               uuid.NewString(),
		ProviderWalletID: provider.ID,
		Name:             "search",
		Price:            d("0.01"),
		Currency:         "USD",
		TotalRevenue:     decimal.Zero,
		Status:           domain.EndpointActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateEndpoint(ctx, ep))

	for i, w := range []*domain.Wallet{payer, payer, other} {
		p := transferParams(w, provider, "0.01", "0", fmt.Sprintf("c-%d", i))
		p.Protocol = domain.ProtocolX402
		p.Metadata = domain.X402Metadata{EndpointID: ep.ID, RequestID: p.RequestID}
		_, err := s.ApplyTransfer(ctx, p)
		require.NoError(t, err)
	}

	n, err := s.EndpointCallCount(ctx, payer.ID, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.EndpointCallCount(ctx, other.ID, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
