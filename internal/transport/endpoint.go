// Package transport is the messaging endpoint a chain uses to reach its peers.
//
// Sends are written to the outbox inside the caller's transaction, so a send
// exists exactly when the operation that issued it commits. The Relay drains
// committed packets to Kafka; the Receiver consumes packets addressed to the
// local chain and hands them back for verification and delivery.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sigcast/sigcast/internal/ledger"
	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrFeeTooLow        = errors.New("fee below quote")
	ErrUnknownSender    = errors.New("packet sender is not the configured peer")
	ErrWrongDestination = errors.New("packet not addressed to this endpoint")
	ErrDuplicatePacket  = errors.New("packet already delivered")
)

// Packet is the unit carried between chains.
type Packet struct {
	GUID     common.Hash   `json:"guid"`
	Nonce    uint64        `json:"nonce"`
	SrcEid   uint32        `json:"src_eid"`
	Sender   PeerID        `json:"sender"`
	DstEid   uint32        `json:"dst_eid"`
	Receiver PeerID        `json:"receiver"`
	Payload  hexutil.Bytes `json:"payload"`
	Options  Options       `json:"options,omitempty"`
	Fee      *big.Int      `json:"fee"`
}

// Receipt describes an accepted send.
type Receipt struct {
	GUID   common.Hash `json:"guid"`
	Nonce  uint64      `json:"nonce"`
	DstEid uint32      `json:"dst_eid"`
	Fee    *big.Int    `json:"fee"`
}

type EndpointConfig struct {
	LocalEid uint32
	// App is the application served by this endpoint. Inbound packets must be
	// addressed to it.
	App      common.Address
	Treasury common.Address
	Fees     *FeeTable
}

type Endpoint struct {
	localEid uint32
	app      PeerID
	treasury common.Address
	fees     *FeeTable
	ledger   *ledger.Ledger
	peers    *PeerStore
	logger   *slog.Logger
}

func NewEndpoint(cfg EndpointConfig, l *ledger.Ledger, peers *PeerStore, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	fees := cfg.Fees
	if fees == nil {
		fees = &FeeTable{}
	}
	return &Endpoint{
		localEid: cfg.LocalEid,
		app:      PeerFromAddress(cfg.App),
		treasury: cfg.Treasury,
		fees:     fees,
		ledger:   l,
		peers:    peers,
		logger:   logger,
	}
}

// Quote prices a send of payload to dst. The destination must have a peer.
func (e *Endpoint) Quote(tx *bolt.Tx, dst uint32, payload []byte, opts Options) (*big.Int, error) {
	if _, err := e.peers.requirePeer(tx, dst); err != nil {
		return nil, err
	}
	gas, err := opts.GasLimit()
	if err != nil {
		return nil, err
	}
	return e.fees.For(dst).Fee(len(payload), gas), nil
}

// Send charges fee to sender and queues payload for dst. Any fee above the
// current quote is returned to refundTo.
func (e *Endpoint) Send(tx *bolt.Tx, sender common.Address, dst uint32, payload []byte, opts Options, fee *big.Int, refundTo common.Address) (Receipt, error) {
	required, err := e.Quote(tx, dst, payload, opts)
	if err != nil {
		return Receipt{}, err
	}
	if fee == nil || fee.Cmp(required) < 0 {
		return Receipt{}, fmt.Errorf("%w: paid %v, quoted %s", ErrFeeTooLow, fee, required)
	}

	if err := e.ledger.Transfer(tx, sender, e.treasury, required); err != nil {
		return Receipt{}, fmt.Errorf("failed to pay transport fee: %w", err)
	}
	if excess := new(big.Int).Sub(fee, required); excess.Sign() > 0 {
		if err := e.ledger.Transfer(tx, sender, refundTo, excess); err != nil {
			return Receipt{}, fmt.Errorf("failed to refund excess fee: %w", err)
		}
	}

	receiver, err := e.peers.requirePeer(tx, dst)
	if err != nil {
		return Receipt{}, err
	}
	nonce, err := e.nextNonce(tx, dst)
	if err != nil {
		return Receipt{}, err
	}

	pkt := Packet{
		Nonce:    nonce,
		SrcEid:   e.localEid,
		Sender:   PeerFromAddress(sender),
		DstEid:   dst,
		Receiver: receiver,
		Payload:  append([]byte(nil), payload...),
		Options:  opts,
		Fee:      new(big.Int).Set(required),
	}
	pkt.GUID = PacketGUID(pkt.Nonce, pkt.SrcEid, pkt.Sender, pkt.DstEid, pkt.Receiver)

	if err := putPacket(tx, &pkt); err != nil {
		return Receipt{}, err
	}

	e.logger.Debug("Packet queued", "guid", pkt.GUID.Hex(), "dst", dst, "nonce", nonce, "fee", required)
	return Receipt{GUID: pkt.GUID, Nonce: nonce, DstEid: dst, Fee: pkt.Fee}, nil
}

// Accept verifies an inbound packet and records its GUID as delivered.
func (e *Endpoint) Accept(tx *bolt.Tx, pkt Packet) error {
	if pkt.DstEid != e.localEid {
		return fmt.Errorf("%w: dst %d, local %d", ErrWrongDestination, pkt.DstEid, e.localEid)
	}
	if pkt.Receiver != e.app {
		return fmt.Errorf("%w: receiver %s", ErrWrongDestination, pkt.Receiver.Hex())
	}
	peer, err := e.peers.Peer(tx, pkt.SrcEid)
	if err != nil {
		return err
	}
	if peer == (PeerID{}) || peer != pkt.Sender {
		return fmt.Errorf("%w: src %d sender %s", ErrUnknownSender, pkt.SrcEid, pkt.Sender.Hex())
	}

	bucket := tx.Bucket(storage.InboundBucket)
	if bucket.Get(pkt.GUID.Bytes()) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicatePacket, pkt.GUID.Hex())
	}
	return bucket.Put(pkt.GUID.Bytes(), eidKey(pkt.SrcEid))
}

// PacketGUID is keccak256(nonce ‖ srcEid ‖ sender ‖ dstEid ‖ receiver).
func PacketGUID(nonce uint64, src uint32, sender PeerID, dst uint32, receiver PeerID) common.Hash {
	buf := make([]byte, 0, 8+4+32+4+32)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint32(buf, src)
	buf = append(buf, sender.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, dst)
	buf = append(buf, receiver.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// Pending returns up to limit packets not yet relayed, in (dst, nonce) order.
func Pending(tx *bolt.Tx, limit int) ([]Packet, error) {
	var packets []Packet
	cursors := map[uint32]uint64{}
	cursor := tx.Bucket(storage.OutboxBucket).Cursor()
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		dst := binary.BigEndian.Uint32(k[0:4])
		nonce := binary.BigEndian.Uint64(k[4:12])

		relayed, ok := cursors[dst]
		if !ok {
			var err error
			if relayed, err = RelayCursor(tx, dst); err != nil {
				return nil, err
			}
			cursors[dst] = relayed
		}
		if nonce <= relayed {
			continue
		}

		var pkt Packet
		if err := json.Unmarshal(v, &pkt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outbox packet: %w", err)
		}
		packets = append(packets, pkt)
		if limit > 0 && len(packets) >= limit {
			break
		}
	}
	return packets, nil
}

// RelayCursor is the highest nonce to dst already handed to the relay topic.
func RelayCursor(tx *bolt.Tx, dst uint32) (uint64, error) {
	v, ok := storage.GetMetadata(tx, relayKey(dst))
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid relay cursor for %d: %w", dst, err)
	}
	return n, nil
}

// MarkRelayed advances the relay cursor of dst. The cursor never moves back.
func MarkRelayed(tx *bolt.Tx, dst uint32, nonce uint64) error {
	current, err := RelayCursor(tx, dst)
	if err != nil {
		return err
	}
	if nonce <= current {
		return nil
	}
	return storage.PutMetadata(tx, relayKey(dst), strconv.FormatUint(nonce, 10))
}

func relayKey(dst uint32) string {
	return "relay:" + strconv.FormatUint(uint64(dst), 10)
}

func putPacket(tx *bolt.Tx, pkt *Packet) error {
	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}
	if err := tx.Bucket(storage.OutboxBucket).Put(outboxKey(pkt.DstEid, pkt.Nonce), data); err != nil {
		return fmt.Errorf("failed to write outbox packet: %w", err)
	}
	return nil
}

func (e *Endpoint) nextNonce(tx *bolt.Tx, dst uint32) (uint64, error) {
	key := "nonce:" + strconv.FormatUint(uint64(dst), 10)
	var nonce uint64
	if v, ok := storage.GetMetadata(tx, key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid outbound nonce for %d: %w", dst, err)
		}
		nonce = n
	}
	nonce++
	if err := storage.PutMetadata(tx, key, strconv.FormatUint(nonce, 10)); err != nil {
		return 0, err
	}
	return nonce, nil
}

func outboxKey(dst uint32, nonce uint64) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[0:4], dst)
	binary.BigEndian.PutUint64(key[4:12], nonce)
	return key
}
