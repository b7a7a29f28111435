package eventlog

import (
	"errors"
	"fmt"

	"github.com/sigcast/sigcast/internal/hash"
	bolt "go.etcd.io/bbolt"
)

type IntegrityError struct {
	Seq      uint64
	Expected string
	Actual   string
	Message  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("LOG INTEGRITY VIOLATION at seq %d: %s (expected %s, got %s)",
		e.Seq, e.Message, e.Expected, e.Actual)
}

func AsIntegrityError(err error) *IntegrityError {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}

// Verify recomputes the hash chain over the whole log and returns the number of entries checked.
func Verify(tx *bolt.Tx) (uint64, error) {
	chain := hash.NewHashChain(hash.Genesis)
	expectedSeq := uint64(1)

	err := Scan(tx, 1, func(entry *Entry) error {
		if entry.Seq != expectedSeq {
			return &IntegrityError{
				Seq:      expectedSeq,
				Expected: fmt.Sprintf("%d", expectedSeq),
				Actual:   fmt.Sprintf("%d", entry.Seq),
				Message:  "sequence gap",
			}
		}

		if entry.PreviousHash != chain.GetPreviousHash() {
			return &IntegrityError{
				Seq:      entry.Seq,
				Expected: chain.GetPreviousHash(),
				Actual:   entry.PreviousHash,
				Message:  "previous hash mismatch",
			}
		}

		dataHash, err := hash.Calculate(entry.Event)
		if err != nil {
			return fmt.Errorf("failed to hash event %d: %w", entry.Seq, err)
		}
		if dataHash != entry.DataHash {
			return &IntegrityError{
				Seq:      entry.Seq,
				Expected: entry.DataHash,
				Actual:   dataHash,
				Message:  "event content modified",
			}
		}

		if got := chain.Extend(dataHash); got != entry.Hash {
			return &IntegrityError{
				Seq:      entry.Seq,
				Expected: got,
				Actual:   entry.Hash,
				Message:  "entry hash mismatch",
			}
		}

		expectedSeq++
		return nil
	})

	return expectedSeq - 1, err
}
