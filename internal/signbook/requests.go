package signbook

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var ErrDuplicateRequest = errors.New("request already executed")

// claimRequest records req as executed at unix time now, failing if it was
// already claimed and has not expired. Expired claims are pruned on the way.
func (b *Book) claimRequest(req Request, now int64) error {
	return b.store.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.RequestsBucket)

		if v := bucket.Get(req.ID[:]); v != nil && expiry(v) >= now {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID.Hex())
		}

		var expired [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if expiry(v) < now {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to prune request: %w", err)
			}
		}

		var exp [8]byte
		binary.BigEndian.PutUint64(exp[:], uint64(req.Expires))
		if err := bucket.Put(req.ID[:], exp[:]); err != nil {
			return fmt.Errorf("failed to record request: %w", err)
		}
		return nil
	})
}

func expiry(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}
