package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataWireForm(t *testing.T) {
	data, err := MarshalMetadata(X402Metadata{EndpointID: "ep-1", RequestID: "req-1", Proof: "abc"})
	require.NoError(t, err)

	// Flat object with the protocol tag alongside the variant fields.
	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "x402", flat["protocol"])
	assert.Equal(t, "ep-1", flat["endpoint_id"])
	assert.Equal(t, "req-1", flat["request_id"])

	back, err := UnmarshalMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, X402Metadata{EndpointID: "ep-1", RequestID: "req-1", Proof: "abc"}, back)
}

func TestMetadataVariants(t *testing.T) {
	variants := []TransferMetadata{
		X402Metadata{EndpointID: "ep-1", RequestID: "r-1"},
		AP2Metadata{MandateID: "m-1", ExecutionIndex: 3, Proof: "sig"},
		ACPMetadata{CheckoutID: "c-1", MerchantID: "w-9", PaymentToken: "tok"},
	}
	for _, v := range variants {
		data, err := MarshalMetadata(v)
		require.NoError(t, err)
		back, err := UnmarshalMetadata(data)
		require.NoError(t, err)
		assert.Equal(t, v, back)
		assert.Equal(t, v.MetadataProtocol(), back.MetadataProtocol())
	}
}

func TestMetadataUnknownProtocol(t *testing.T) {
	_, err := UnmarshalMetadata([]byte(`{"protocol":"carrier-pigeon"}`))
	assert.Error(t, err)

	back, err := UnmarshalMetadata([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, back)

	back, err = UnmarshalMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, back)
}

func TestTransferJSONRoundTrip(t *testing.T) {
	settled := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	orig := Transfer{
		ID:            "t-1",
		Protocol:      ProtocolAP2,
		RequestID:     "req-9",
		PayerWalletID: "w-1",
		PayeeWalletID: "w-2",
		Currency:      "USD",
		GrossAmount:   decimal.RequireFromString("12.50"),
		FeeAmount:     decimal.RequireFromString("0.36"),
		NetAmount:     decimal.RequireFromString("12.14"),
		Status:        TransferCompleted,
		Metadata:      AP2Metadata{MandateID: "m-7", ExecutionIndex: 2},
		CreatedAt:     settled,
		SettledAt:     &settled,
	}

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Transfer
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, orig.ID, back.ID)
	assert.Equal(t, orig.Metadata, back.Metadata)
	assert.True(t, orig.GrossAmount.Equal(back.GrossAmount))
	assert.Equal(t, orig.Status, back.Status)
}
