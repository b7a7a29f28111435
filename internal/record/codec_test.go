package record

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		record SignatureRecord
	}{
		{
			name: "local record",
			record: SignatureRecord{
				Signer:        common.HexToAddress("0x00000000000000000000000000000000000000a1"),
				OriginChainID: 1,
				Name:          "alice",
				Message:       "gm",
				Timestamp:     1700000000,
			},
		},
		{
			name: "remote origin preserved",
			record: SignatureRecord{
				Signer:        common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"),
				OriginChainID: 30110,
				Name:          "bob",
				Message:       "hello from arbitrum ✓",
				Timestamp:     1,
			},
		},
		{
			name: "empty strings",
			record: SignatureRecord{
				Signer:        common.Address{},
				OriginChainID: 0,
				Timestamp:     0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.record)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded != tt.record {
				t.Errorf("Decode() = %+v, want %+v", decoded, tt.record)
			}
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	signer := common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4")
	rec := SignatureRecord{Signer: signer, OriginChainID: 40161, Name: "n", Message: "m", Timestamp: 42}

	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// five head words, then length+data words for each string
	if len(data) != 32*5+64+64 {
		t.Fatalf("expected %d bytes, got %d", 32*5+64+64, len(data))
	}
	if !bytes.Equal(data[12:32], signer.Bytes()) {
		t.Errorf("signer not left-padded into first word")
	}
	if got := binary.BigEndian.Uint32(data[60:64]); got != 40161 {
		t.Errorf("expected origin 40161 in second word, got %d", got)
	}
	if got := binary.BigEndian.Uint64(data[152:160]); got != 42 {
		t.Errorf("expected timestamp 42 in fifth word, got %d", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	data, err := Encode(New(common.HexToAddress("0x01"), 2, "carol", "hi", time.Unix(5, 0)))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := Decode(nil); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := Decode(data[:100]); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestIsLocal(t *testing.T) {
	rec := New(common.HexToAddress("0x01"), 7, "x", "y", time.Now())
	if !rec.IsLocal(7) {
		t.Error("expected record to be local to chain 7")
	}
	if rec.IsLocal(8) {
		t.Error("expected record not to be local to chain 8")
	}
}
