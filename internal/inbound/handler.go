// Package inbound republishes records delivered from other chains.
package inbound

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/record"
	bolt "go.etcd.io/bbolt"
)

type State int

const (
	StateIdle State = iota
	StateProcessingInbound
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessingInbound:
		return "processing_inbound"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Publisher appends a record to the local log.
type Publisher interface {
	RecordPublished(tx *bolt.Tx, rec record.SignatureRecord) error
}

// Handler decodes transport payloads and republishes them unchanged. Peer
// verification happens in the transport before Handle is called.
type Handler struct {
	localChainID uint32
	publisher    Publisher
	logger       *slog.Logger

	mu    sync.Mutex
	state State
}

func NewHandler(localChainID uint32, publisher Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		localChainID: localChainID,
		publisher:    publisher,
		logger:       logger,
	}
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Handle republishes the record carried by payload, keeping its origin chain.
func (h *Handler) Handle(tx *bolt.Tx, srcChainID uint32, guid common.Hash, payload []byte) (record.SignatureRecord, error) {
	h.setState(StateProcessingInbound)
	defer h.setState(StateIdle)

	rec, err := record.Decode(payload)
	if err != nil {
		return record.SignatureRecord{}, fmt.Errorf("failed to decode inbound payload %s: %w", guid.Hex(), err)
	}

	if rec.OriginChainID != srcChainID {
		h.logger.Warn("Inbound record origin differs from source chain",
			"guid", guid.Hex(),
			"src_chain_id", srcChainID,
			"origin_chain_id", rec.OriginChainID,
		)
	}

	if err := h.publisher.RecordPublished(tx, rec); err != nil {
		return record.SignatureRecord{}, err
	}

	h.logger.Info("Inbound record republished",
		"guid", guid.Hex(),
		"signer", rec.Signer.Hex(),
		"origin_chain_id", rec.OriginChainID,
	)
	return rec, nil
}
