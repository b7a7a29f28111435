package record

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// payloadArgs is the inter-chain layout: abi.encode(signer, originChainId, name, message, timestamp).
// Every peer must agree on it; changing it needs a coordinated redeploy.
var payloadArgs abi.Arguments

func init() {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("record: invalid abi type %s: %v", t, err))
		}
		return typ
	}

	payloadArgs = abi.Arguments{
		{Name: "signer", Type: mustType("address")},
		{Name: "originChainId", Type: mustType("uint32")},
		{Name: "name", Type: mustType("string")},
		{Name: "message", Type: mustType("string")},
		{Name: "timestamp", Type: mustType("uint64")},
	}
}

// Encode serializes the record into the payload sent across chains.
func Encode(r SignatureRecord) ([]byte, error) {
	data, err := payloadArgs.Pack(r.Signer, r.OriginChainID, r.Name, r.Message, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature record: %w", err)
	}
	return data, nil
}

// Decode is the exact inverse of Encode.
func Decode(data []byte) (SignatureRecord, error) {
	values, err := payloadArgs.Unpack(data)
	if err != nil {
		return SignatureRecord{}, fmt.Errorf("failed to decode signature record: %w", err)
	}
	if len(values) != len(payloadArgs) {
		return SignatureRecord{}, fmt.Errorf("failed to decode signature record: expected %d fields, got %d", len(payloadArgs), len(values))
	}

	signer, ok := values[0].(common.Address)
	if !ok {
		return SignatureRecord{}, fmt.Errorf("invalid signer field type %T", values[0])
	}
	origin, ok := values[1].(uint32)
	if !ok {
		return SignatureRecord{}, fmt.Errorf("invalid origin chain id field type %T", values[1])
	}
	name, ok := values[2].(string)
	if !ok {
		return SignatureRecord{}, fmt.Errorf("invalid name field type %T", values[2])
	}
	message, ok := values[3].(string)
	if !ok {
		return SignatureRecord{}, fmt.Errorf("invalid message field type %T", values[3])
	}
	timestamp, ok := values[4].(uint64)
	if !ok {
		return SignatureRecord{}, fmt.Errorf("invalid timestamp field type %T", values[4])
	}

	return SignatureRecord{
		Signer:        signer,
		OriginChainID: origin,
		Name:          name,
		Message:       message,
		Timestamp:     timestamp,
	}, nil
}
