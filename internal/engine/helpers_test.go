package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/payos-hq/payos/internal/domain"
	"github.com/payos-hq/payos/internal/engine"
	"github.com/payos-hq/payos/internal/fees"
	"github.com/payos-hq/payos/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEngine(t *testing.T, feeModel fees.Model, opts ...engine.Option) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return engine.New(st, feeModel, opts...), st
}

func seedWallet(t *testing.T, st *store.MemoryStore, balance string, policy domain.SpendingPolicy) *domain.Wallet {
	t.Helper()
	return seedWalletCurrency(t, st, balance, "USD", policy)
}

func seedWalletCurrency(t *testing.T, st *store.MemoryStore, balance, currency string, policy domain.SpendingPolicy) *domain.Wallet {
	t.Helper()
	now := time.Now().UTC()
	w := &domain.Wallet{
		ID:        uuid.NewString(),
		AccountID: uuid.NewString(),
		Currency:  currency,
		Balance:   dec(balance),
		Policy:    policy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateWallet(context.Background(), w))
	return w
}

func seedEndpoint(t *testing.T, st *store.MemoryStore, providerID, price string, tiers ...domain.PriceTier) *domain.Endpoint {
	t.Helper()
	now := time.Now().UTC()
	ep := &domain.Endpoint{
		ID:               uuid.NewString(),
		ProviderWalletID: providerID,
		Name:             "inference-api",
		Price:            dec(price),
		Currency:         "USD",
		Tiers:            tiers,
		TotalRevenue:     decimal.Zero,
		Status:           domain.EndpointActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, st.CreateEndpoint(context.Background(), ep))
	return ep
}

func assertCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var de *domain.Error
	require.ErrorAs(t, err, &de, "expected a domain error, got %v", err)
	require.Equal(t, code, de.Code, "unexpected error code: %v", err)
}
