package domain

import (
	"encoding/json"
	"fmt"
)

// TransferMetadata is the protocol-tagged correlation document attached to a
// transfer. It is a closed set: exactly one variant per protocol. The wire
// form is a flat JSON object carrying a "protocol" discriminator plus the
// variant's own fields, so the transfer stream can be queried per protocol or
// uniformly. Schema changes must be additive; renamed fields keep the old key
// populated for a deprecation window.
type TransferMetadata interface {
	MetadataProtocol() Protocol
}

// X402Metadata correlates a transfer with the metered endpoint call that
// produced it.
type X402Metadata struct {
	EndpointID string `json:"endpoint_id"`
	RequestID  string `json:"request_id"`
	Proof      string `json:"proof,omitempty"`
}

func (X402Metadata) MetadataProtocol() Protocol { return ProtocolX402 }

// AP2Metadata correlates a transfer with one mandate execution.
type AP2Metadata struct {
	MandateID      string `json:"mandate_id"`
	ExecutionIndex int64  `json:"execution_index"`
	Proof          string `json:"proof,omitempty"`
}

func (AP2Metadata) MetadataProtocol() Protocol { return ProtocolAP2 }

// ACPMetadata correlates a transfer with a completed checkout session.
type ACPMetadata struct {
	CheckoutID   string `json:"checkout_id"`
	MerchantID   string `json:"merchant_id"`
	PaymentToken string `json:"payment_token,omitempty"`
}

func (ACPMetadata) MetadataProtocol() Protocol { return ProtocolACP }

type metadataEnvelope struct {
	Protocol Protocol `json:"protocol"`
}

// MarshalMetadata serializes a metadata variant into its flat, tagged wire
// form.
func MarshalMetadata(m TransferMetadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(m.MetadataProtocol())
	fields["protocol"] = tag
	return json.Marshal(fields)
}

// UnmarshalMetadata reads the protocol discriminator and decodes into the
// matching variant.
func UnmarshalMetadata(data []byte) (TransferMetadata, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("metadata envelope: %w", err)
	}
	switch env.Protocol {
	case ProtocolX402:
		var m X402Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case ProtocolAP2:
		var m AP2Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case ProtocolACP:
		var m ACPMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown metadata protocol %q", env.Protocol)
	}
}

// MarshalJSON writes the transfer with its metadata in tagged wire form.
func (t Transfer) MarshalJSON() ([]byte, error) {
	type alias Transfer
	meta, err := MarshalMetadata(t.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias(t), meta})
}

// UnmarshalJSON reads the transfer, decoding metadata via its protocol tag.
func (t *Transfer) UnmarshalJSON(data []byte) error {
	type alias Transfer
	var aux struct {
		alias
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	meta, err := UnmarshalMetadata(aux.Metadata)
	if err != nil {
		return err
	}
	*t = Transfer(aux.alias)
	t.Metadata = meta
	return nil
}
