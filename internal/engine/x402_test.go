package engine_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payos-hq/payos/internal/domain"
	"github.com/payos-hq/payos/internal/engine"
	"github.com/payos-hq/payos/internal/fees"
	"github.com/payos-hq/payos/internal/store"
)

func TestPayDebitsGrossAndCreditsNet(t *testing.T) {
	eng, st := newTestEngine(t, fees.Model{Type: fees.Percentage, Percent: dec("2.9")})
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "10.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.50")

	res, err := eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID,
		RequestID:  "req-1",
		WalletID:   payer.ID,
		Amount:     dec("0.50"),
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.NotEmpty(t, res.Proof)

	tr := res.Transfer
	assert.Equal(t, domain.ProtocolX402, tr.Protocol)
	assert.Equal(t, domain.TransferCompleted, tr.Status)
	assert.True(t, tr.GrossAmount.Equal(dec("0.50")), "gross %s", tr.GrossAmount)
	assert.True(t, tr.FeeAmount.Equal(dec("0.0145")), "fee %s", tr.FeeAmount)
	assert.True(t, tr.NetAmount.Equal(dec("0.4855")), "net %s", tr.NetAmount)
	assert.True(t, tr.GrossAmount.Equal(tr.FeeAmount.Add(tr.NetAmount)))

	p, err := st.GetWallet(ctx, payer.ID)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(dec("9.50")), "payer balance %s", p.Balance)

	m, err := st.GetWallet(ctx, provider.ID)
	require.NoError(t, err)
	assert.True(t, m.Balance.Equal(dec("0.4855")), "provider balance %s", m.Balance)

	got, err := st.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalCalls)
	assert.True(t, got.TotalRevenue.Equal(dec("0.4855")), "revenue %s", got.TotalRevenue)
}

func TestPayConcurrentMeteredCalls(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "100.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.001")

	const calls = 100
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eng.Pay(ctx, engine.PayRequest{
				EndpointID: ep.ID,
				RequestID:  fmt.Sprintf("req-%d", i),
				WalletID:   payer.ID,
				Amount:     dec("0.001"),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := st.GetWallet(ctx, payer.ID)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(dec("99.9")), "payer balance %s", p.Balance)

	m, err := st.GetWallet(ctx, provider.ID)
	require.NoError(t, err)
	assert.True(t, m.Balance.Equal(dec("0.1")), "provider balance %s", m.Balance)

	got, err := st.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(calls), got.TotalCalls)
	assert.True(t, got.TotalRevenue.Equal(dec("0.1")), "revenue %s", got.TotalRevenue)

	transfers, err := st.ListTransfers(ctx, domain.ProtocolX402, 0)
	require.NoError(t, err)
	assert.Len(t, transfers, calls)
}

func TestPayIdempotentReplay(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "1.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.25")

	req := engine.PayRequest{EndpointID: ep.ID, RequestID: "req-replay", WalletID: payer.ID, Amount: dec("0.25")}

	first, err := eng.Pay(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := eng.Pay(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transfer.ID, second.Transfer.ID)
	assert.Equal(t, first.Proof, second.Proof)

	p, err := st.GetWallet(ctx, payer.ID)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(dec("0.75")), "balance charged twice: %s", p.Balance)

	transfers, err := st.ListTransfers(ctx, domain.ProtocolX402, 0)
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
}

func TestPayConcurrentSameRequestID(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "1.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.10")

	type outcome struct {
		res *engine.PayResult
		err error
	}
	const racers = 16
	var wg sync.WaitGroup
	results := make(chan outcome, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Pay(ctx, engine.PayRequest{
				EndpointID: ep.ID,
				RequestID:  "req-race",
				WalletID:   payer.ID,
				Amount:     dec("0.10"),
			})
			results <- outcome{res, err}
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]struct{}{}
	for out := range results {
		require.NoError(t, out.err)
		ids[out.res.Transfer.ID] = struct{}{}
	}
	assert.Len(t, ids, 1, "all racers must converge on one transfer")

	p, err := st.GetWallet(ctx, payer.ID)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(dec("0.90")), "balance %s", p.Balance)
}

func TestPayDuplicateRequestAmountMismatch(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "1.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.10")

	_, err := eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID, RequestID: "req-mismatch", WalletID: payer.ID, Amount: dec("0.10"),
	})
	require.NoError(t, err)

	_, err = eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID, RequestID: "req-mismatch", WalletID: payer.ID, Amount: dec("0.20"),
	})
	assertCode(t, err, domain.CodeAmountMismatch)
}

func TestPayInsufficientBalance(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "0.005", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.01")

	_, err := eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID, RequestID: "req-broke", WalletID: payer.ID, Amount: dec("0.01"),
	})
	assertCode(t, err, domain.CodeInsufficientBalance)

	// The failed attempt leaves no trace: no debit, no transfer row.
	p, err := st.GetWallet(ctx, payer.ID)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(dec("0.005")), "balance %s", p.Balance)

	transfers, err := st.ListTransfers(ctx, domain.ProtocolX402, 0)
	require.NoError(t, err)
	assert.Empty(t, transfers)

	_, err = st.FindTransferByRequest(ctx, domain.ProtocolX402, "req-broke")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPayVolumeTierPricing(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "10.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.10",
		domain.PriceTier{Threshold: 2, Multiplier: dec("0.8")},
		domain.PriceTier{Threshold: 4, Multiplier: dec("0.5")},
	)

	want := []string{"0.10", "0.10", "0.08", "0.08", "0.05"}
	for i, price := range want {
		q, err := eng.Quote(ctx, ep.ID, payer.ID)
		require.NoError(t, err)
		require.True(t, q.Price.Equal(dec(price)), "call %d: quote %s, want %s", i, q.Price, price)

		_, err = eng.Pay(ctx, engine.PayRequest{
			EndpointID: ep.ID,
			RequestID:  fmt.Sprintf("tier-%d", i),
			WalletID:   payer.ID,
			Amount:     q.Price,
		})
		require.NoError(t, err)
	}

	// A stale pre-discount amount is rejected once the tier has moved on.
	_, err := eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID, RequestID: "tier-stale", WalletID: payer.ID, Amount: dec("0.10"),
	})
	assertCode(t, err, domain.CodeInvalidAmount)
}

func TestPayInactiveEndpoint(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "1.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.10")
	_, err := st.UpdateEndpointStatus(ctx, ep.ID, domain.EndpointPaused, time.Now().UTC())
	require.NoError(t, err)

	_, err = eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID, RequestID: "req-paused", WalletID: payer.ID, Amount: dec("0.10"),
	})
	assertCode(t, err, domain.CodeEndpointInactive)
}

func TestPayReplayWinsOverPausedEndpoint(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "1.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.10")

	req := engine.PayRequest{EndpointID: ep.ID, RequestID: "req-then-paused", WalletID: payer.ID, Amount: dec("0.10")}
	first, err := eng.Pay(ctx, req)
	require.NoError(t, err)

	_, err = st.UpdateEndpointStatus(ctx, ep.ID, domain.EndpointPaused, time.Now().UTC())
	require.NoError(t, err)

	second, err := eng.Pay(ctx, req)
	require.NoError(t, err, "a settled payment replays even after the endpoint pauses")
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transfer.ID, second.Transfer.ID)
}

func TestPayCurrencyMismatch(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.10")

	payer := seedWalletCurrency(t, st, "1.00", "EUR", domain.SpendingPolicy{})

	_, err := eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID, RequestID: "req-eur", WalletID: payer.ID, Amount: dec("0.10"),
	})
	assertCode(t, err, domain.CodeCurrencyMismatch)
}

func TestPaySpendingPolicy(t *testing.T) {
	t.Run("per request limit", func(t *testing.T) {
		eng, st := newTestEngine(t, fees.Free)
		provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
		payer := seedWallet(t, st, "10.00", domain.SpendingPolicy{
			PerRequestLimit: decimal.NewNullDecimal(dec("0.05")),
		})
		ep := seedEndpoint(t, st, provider.ID, "0.10")

		_, err := eng.Pay(context.Background(), engine.PayRequest{
			EndpointID: ep.ID, RequestID: "req-limit", WalletID: payer.ID, Amount: dec("0.10"),
		})
		assertCode(t, err, domain.CodePerRequestLimit)
	})

	t.Run("daily limit counts committed spend", func(t *testing.T) {
		noon := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		eng, st := newTestEngine(t, fees.Free, engine.WithClock(func() time.Time { return noon }))
		ctx := context.Background()
		provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
		payer := seedWallet(t, st, "10.00", domain.SpendingPolicy{
			DailyLimit: decimal.NewNullDecimal(dec("0.30")),
		})
		ep := seedEndpoint(t, st, provider.ID, "0.10")

		for i := 0; i < 3; i++ {
			_, err := eng.Pay(ctx, engine.PayRequest{
				EndpointID: ep.ID, RequestID: fmt.Sprintf("daily-%d", i), WalletID: payer.ID, Amount: dec("0.10"),
			})
			require.NoError(t, err)
		}
		_, err := eng.Pay(ctx, engine.PayRequest{
			EndpointID: ep.ID, RequestID: "daily-over", WalletID: payer.ID, Amount: dec("0.10"),
		})
		assertCode(t, err, domain.CodeDailyLimit)
	})

	t.Run("target not approved", func(t *testing.T) {
		eng, st := newTestEngine(t, fees.Free)
		provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
		payer := seedWallet(t, st, "10.00", domain.SpendingPolicy{
			ApprovedTargets: []string{"some-other-endpoint"},
		})
		ep := seedEndpoint(t, st, provider.ID, "0.10")

		_, err := eng.Pay(context.Background(), engine.PayRequest{
			EndpointID: ep.ID, RequestID: "req-unapproved", WalletID: payer.ID, Amount: dec("0.10"),
		})
		assertCode(t, err, domain.CodeNotApproved)
	})
}

func TestVerify(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, st, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, st, "1.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, provider.ID, "0.10")

	res, err := eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID, RequestID: "req-verify", WalletID: payer.ID, Amount: dec("0.10"),
	})
	require.NoError(t, err)

	ok, err := eng.Verify(ctx, "req-verify", res.Transfer.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.Verify(ctx, "req-verify", "not-the-transfer")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = eng.Verify(ctx, "never-seen", res.Transfer.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPayMissingProviderWallet(t *testing.T) {
	eng, st := newTestEngine(t, fees.Free)
	ctx := context.Background()

	payer := seedWallet(t, st, "5.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, st, uuid.NewString(), "0.25")

	_, err := eng.Pay(ctx, engine.PayRequest{
		EndpointID: ep.ID, RequestID: "req-ghost-provider", WalletID: payer.ID, Amount: dec("0.25"),
	})
	assertCode(t, err, domain.CodeWalletNotFound)

	// Nothing settled and nothing debited.
	w, gerr := st.GetWallet(ctx, payer.ID)
	require.NoError(t, gerr)
	assert.True(t, w.Balance.Equal(dec("5.00")), "balance changed: %s", w.Balance)
}

// countingStore counts request-id lookups to pin down how many reads a
// payment costs.
type countingStore struct {
	*store.MemoryStore
	finds atomic.Int64
}

func (c *countingStore) FindTransferByRequest(ctx context.Context, protocol domain.Protocol, requestID string) (*domain.Transfer, error) {
	c.finds.Add(1)
	return c.MemoryStore.FindTransferByRequest(ctx, protocol, requestID)
}

func TestPayDuplicateGuardRunsOnce(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	eng := engine.New(cs, fees.Free)
	ctx := context.Background()

	provider := seedWallet(t, cs.MemoryStore, "0", domain.SpendingPolicy{})
	payer := seedWallet(t, cs.MemoryStore, "2.00", domain.SpendingPolicy{})
	ep := seedEndpoint(t, cs.MemoryStore, provider.ID, "0.10")

	req := engine.PayRequest{
		EndpointID: ep.ID, RequestID: "req-one-read", WalletID: payer.ID, Amount: dec("0.10"),
	}

	_, err := eng.Pay(ctx, req)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cs.finds.Load(), "first-time payment should look up the request id once")

	res, err := eng.Pay(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.EqualValues(t, 2, cs.finds.Load(), "replay should look up the request id once")
}
