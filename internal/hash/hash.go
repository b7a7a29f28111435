package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Genesis is the previous hash of the first entry of every chain.
const Genesis = "genesis"

func Calculate(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	return CalculateBytes(jsonData), nil
}

func CalculateBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func CalculateString(data string) string {
	return CalculateBytes([]byte(data))
}

// Link derives an entry hash from its predecessor and its own content hash.
func Link(previousHash, dataHash string) string {
	return CalculateString(previousHash + dataHash)
}

type HashChain struct {
	previousHash string
}

func NewHashChain(initialHash string) *HashChain {
	return &HashChain{
		previousHash: initialHash,
	}
}

// Extend appends an already computed content hash.
func (hc *HashChain) Extend(dataHash string) string {
	newHash := Link(hc.previousHash, dataHash)
	hc.previousHash = newHash
	return newHash
}

func (hc *HashChain) GetPreviousHash() string {
	return hc.previousHash
}
