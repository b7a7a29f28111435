// Package registry keeps the enumerable list of destinations that have a peer.
//
// The transport's peer store can only be looked up by key. Registry mirrors it:
// SetPeer and RemovePeer mutate both inside the caller's transaction, so a chain
// is listed exactly when its peer mapping is non-zero.
//
// Removal moves the last entry into the freed slot. List order is insertion
// order only until the first removal.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sigcast/sigcast/internal/storage"
	"github.com/sigcast/sigcast/internal/transport"
	bolt "go.etcd.io/bbolt"
)

var ErrSelfPeering = errors.New("cannot register the local chain as a peer")

var chainsKey = []byte("chains")

// PeerStore is the authoritative destination -> peer mapping.
type PeerStore interface {
	Peer(tx *bolt.Tx, eid uint32) (transport.PeerID, error)
	SetPeer(tx *bolt.Tx, eid uint32, peer transport.PeerID) error
}

// Events receives registry membership changes.
type Events interface {
	ChainAdded(tx *bolt.Tx, chainID uint32) error
	ChainRemoved(tx *bolt.Tx, chainID uint32) error
}

type Registry struct {
	localChainID uint32
	peers        PeerStore
	events       Events
	logger       *slog.Logger
}

func New(localChainID uint32, peers PeerStore, events Events, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		localChainID: localChainID,
		peers:        peers,
		events:       events,
		logger:       logger,
	}
}

// SetPeer maps chainID to peer. A zero peer removes the chain. Re-peering a
// registered chain updates the mapping only.
func (r *Registry) SetPeer(tx *bolt.Tx, chainID uint32, peer transport.PeerID) error {
	if chainID == r.localChainID {
		return fmt.Errorf("%w: %d", ErrSelfPeering, chainID)
	}
	if peer == (transport.PeerID{}) {
		return r.RemovePeer(tx, chainID)
	}

	if err := r.peers.SetPeer(tx, chainID, peer); err != nil {
		return fmt.Errorf("failed to set peer: %w", err)
	}

	chains, err := r.List(tx)
	if err != nil {
		return err
	}
	if indexOf(chains, chainID) >= 0 {
		r.logger.Debug("Peer updated", "chain_id", chainID, "peer", peer.Hex())
		return nil
	}

	if err := r.store(tx, append(chains, chainID)); err != nil {
		return err
	}
	if err := r.events.ChainAdded(tx, chainID); err != nil {
		return err
	}

	r.logger.Info("Chain added", "chain_id", chainID, "peer", peer.Hex())
	return nil
}

// RemovePeer clears the peer of chainID. Removing an unregistered chain is a no-op.
func (r *Registry) RemovePeer(tx *bolt.Tx, chainID uint32) error {
	chains, err := r.List(tx)
	if err != nil {
		return err
	}
	i := indexOf(chains, chainID)
	if i < 0 {
		return nil
	}

	last := len(chains) - 1
	chains[i] = chains[last]
	chains = chains[:last]

	if err := r.peers.SetPeer(tx, chainID, transport.PeerID{}); err != nil {
		return fmt.Errorf("failed to clear peer: %w", err)
	}
	if err := r.store(tx, chains); err != nil {
		return err
	}
	if err := r.events.ChainRemoved(tx, chainID); err != nil {
		return err
	}

	r.logger.Info("Chain removed", "chain_id", chainID)
	return nil
}

func (r *Registry) Contains(tx *bolt.Tx, chainID uint32) (bool, error) {
	chains, err := r.List(tx)
	if err != nil {
		return false, err
	}
	return indexOf(chains, chainID) >= 0, nil
}

// List returns a snapshot of registered chains in current order.
func (r *Registry) List(tx *bolt.Tx) ([]uint32, error) {
	data := tx.Bucket(storage.RegistryBucket).Get(chainsKey)
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("corrupt registry index: length %d", len(data))
	}
	chains := make([]uint32, 0, len(data)/4)
	for off := 0; off < len(data); off += 4 {
		chains = append(chains, binary.BigEndian.Uint32(data[off:off+4]))
	}
	return chains, nil
}

func (r *Registry) store(tx *bolt.Tx, chains []uint32) error {
	data := make([]byte, 0, len(chains)*4)
	for _, id := range chains {
		data = binary.BigEndian.AppendUint32(data, id)
	}
	if err := tx.Bucket(storage.RegistryBucket).Put(chainsKey, data); err != nil {
		return fmt.Errorf("failed to write registry index: %w", err)
	}
	return nil
}

func indexOf(chains []uint32, chainID uint32) int {
	for i, id := range chains {
		if id == chainID {
			return i
		}
	}
	return -1
}
