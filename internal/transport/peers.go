package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

// PeerID identifies the counterpart instance on a destination chain.
// Addresses are left-padded to 32 bytes; the zero value means "no peer".
type PeerID = common.Hash

var ErrNoPeer = errors.New("no peer configured for destination")

func PeerFromAddress(addr common.Address) PeerID {
	return common.BytesToHash(addr.Bytes())
}

// PeerStore is the authoritative destination -> peer mapping. It supports lookup
// by key only; enumeration is the registry's job.
type PeerStore struct{}

func NewPeerStore() *PeerStore {
	return &PeerStore{}
}

func (s *PeerStore) Peer(tx *bolt.Tx, eid uint32) (PeerID, error) {
	data := tx.Bucket(storage.PeersBucket).Get(eidKey(eid))
	if data == nil {
		return PeerID{}, nil
	}
	if len(data) != common.HashLength {
		return PeerID{}, fmt.Errorf("invalid peer length %d for eid %d", len(data), eid)
	}
	return common.BytesToHash(data), nil
}

// SetPeer stores peer for eid; the zero peer deletes the mapping.
func (s *PeerStore) SetPeer(tx *bolt.Tx, eid uint32, peer PeerID) error {
	bucket := tx.Bucket(storage.PeersBucket)
	if peer == (PeerID{}) {
		return bucket.Delete(eidKey(eid))
	}
	return bucket.Put(eidKey(eid), peer.Bytes())
}

func (s *PeerStore) requirePeer(tx *bolt.Tx, eid uint32) (PeerID, error) {
	peer, err := s.Peer(tx, eid)
	if err != nil {
		return PeerID{}, err
	}
	if peer == (PeerID{}) {
		return PeerID{}, fmt.Errorf("%w: %d", ErrNoPeer, eid)
	}
	return peer, nil
}

func eidKey(eid uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, eid)
	return key
}
