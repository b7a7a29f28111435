// Package signbook is the public operation surface of one chain.
//
// Every mutating operation runs in exactly one storage transaction. The
// transaction is the unit of atomicity: when any step fails, log entries,
// outbox packets, balance moves and registry changes made by the operation are
// all discarded together.
package signbook

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/broadcast"
	"github.com/sigcast/sigcast/internal/eventlog"
	"github.com/sigcast/sigcast/internal/inbound"
	"github.com/sigcast/sigcast/internal/ledger"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/registry"
	"github.com/sigcast/sigcast/internal/replay"
	"github.com/sigcast/sigcast/internal/storage"
	"github.com/sigcast/sigcast/internal/transport"
	bolt "go.etcd.io/bbolt"
)

type Config struct {
	LocalChainID uint32
	Owner        common.Address
	// Account holds budgets while a publish is in flight and pays transport fees.
	Account  common.Address
	Treasury common.Address
	Fees     *transport.FeeTable
	Now      func() time.Time
}

func (c *Config) validate() error {
	if c.LocalChainID == 0 {
		return fmt.Errorf("local chain id is required")
	}
	if c.Owner == (common.Address{}) {
		return fmt.Errorf("owner address is required")
	}
	if c.Account == (common.Address{}) {
		return fmt.Errorf("application account is required")
	}
	if c.Treasury == (common.Address{}) {
		return fmt.Errorf("treasury address is required")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Call carries the context of one invocation: who calls, the native value
// attached as budget, and the block time the operation runs at.
type Call struct {
	Sender common.Address
	Value  *big.Int
	Time   time.Time
}

type PublishResult struct {
	Record   record.SignatureRecord `json:"record"`
	Receipts []transport.Receipt    `json:"receipts"`
	Refunded *big.Int               `json:"refunded"`
}

type Book struct {
	cfg        Config
	store      *storage.Storage
	log        *eventlog.Log
	ledger     *ledger.Ledger
	peers      *transport.PeerStore
	endpoint   *transport.Endpoint
	registry   *registry.Registry
	quoter     *broadcast.Quoter
	dispatcher *broadcast.Dispatcher
	inbound    *inbound.Handler
	replayer   *replay.Replayer
	logger     *slog.Logger
}

func New(store *storage.Storage, cfg Config, logger *slog.Logger) (*Book, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid signbook config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	log := eventlog.New(logger)
	l := ledger.New()
	peers := transport.NewPeerStore()
	endpoint := transport.NewEndpoint(transport.EndpointConfig{
		LocalEid: cfg.LocalChainID,
		App:      cfg.Account,
		Treasury: cfg.Treasury,
		Fees:     cfg.Fees,
	}, l, peers, logger)
	reg := registry.New(cfg.LocalChainID, peers, log, logger)

	return &Book{
		cfg:        cfg,
		store:      store,
		log:        log,
		ledger:     l,
		peers:      peers,
		endpoint:   endpoint,
		registry:   reg,
		quoter:     broadcast.NewQuoter(cfg.LocalChainID, reg, endpoint, cfg.Now),
		dispatcher: broadcast.NewDispatcher(cfg.Account, reg, endpoint, l, logger),
		inbound:    inbound.NewHandler(cfg.LocalChainID, log, logger),
		replayer:   replay.New(log, logger),
		logger:     logger,
	}, nil
}

func (b *Book) Storage() *storage.Storage {
	return b.store
}

func (b *Book) LocalChainID() uint32 {
	return b.cfg.LocalChainID
}

func (b *Book) Owner() common.Address {
	return b.cfg.Owner
}

// SetPeer registers, re-peers or (with a zero peer) removes a destination.
func (b *Book) SetPeer(call Call, chainID uint32, peer transport.PeerID) error {
	if err := b.requireOwner(call, OpSetPeer); err != nil {
		return err
	}
	return b.store.Update(func(tx *bolt.Tx) error {
		return b.registry.SetPeer(tx, chainID, peer)
	})
}

func (b *Book) Quote(signer common.Address, name, message string, opts transport.Options) (*big.Int, error) {
	var fee *big.Int
	err := b.store.View(func(tx *bolt.Tx) error {
		var err error
		fee, err = b.quoter.Quote(tx, signer, name, message, opts)
		return err
	})
	return fee, err
}

// Publish records a signature by the caller and broadcasts it, paid from call.Value.
func (b *Book) Publish(call Call, name, message string, opts transport.Options) (*PublishResult, error) {
	return b.publish(call, OpPublish, call.Sender, name, message, opts)
}

// PublishFor records a signature on behalf of signer. Only signer or the owner may call it.
func (b *Book) PublishFor(call Call, signer common.Address, name, message string, opts transport.Options) (*PublishResult, error) {
	if call.Sender != signer && call.Sender != b.cfg.Owner {
		return nil, &AuthorizationError{Caller: call.Sender, Op: OpPublishFor}
	}
	return b.publish(call, OpPublishFor, signer, name, message, opts)
}

func (b *Book) publish(call Call, op Op, signer common.Address, name, message string, opts transport.Options) (*PublishResult, error) {
	value := new(big.Int)
	if call.Value != nil {
		if call.Value.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative value", ledger.ErrInvalidAmount)
		}
		value.Set(call.Value)
	}

	var result *PublishResult
	err := b.store.Update(func(tx *bolt.Tx) error {
		if err := b.collect(tx, call.Sender, value); err != nil {
			return err
		}

		rec := record.New(signer, b.cfg.LocalChainID, name, message, b.callTime(call))

		required, err := b.quoter.QuoteRecord(tx, rec, opts)
		if err != nil {
			return err
		}
		if value.Cmp(required) < 0 {
			return &broadcast.InsufficientFundsError{Aggregate: true, Required: required, Available: value}
		}

		if err := b.log.RecordPublished(tx, rec); err != nil {
			return err
		}

		dispatched, err := b.dispatcher.Dispatch(tx, rec, opts, value, call.Sender)
		if err != nil {
			return err
		}

		result = &PublishResult{Record: rec, Receipts: dispatched.Receipts, Refunded: dispatched.Refunded}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("Signature published",
		"op", op,
		"signer", signer.Hex(),
		"caller", call.Sender.Hex(),
		"destinations", len(result.Receipts),
		"refunded", result.Refunded,
	)
	return result, nil
}

// collect moves the attached value from the caller into the application account.
func (b *Book) collect(tx *bolt.Tx, from common.Address, value *big.Int) error {
	err := b.ledger.Transfer(tx, from, b.cfg.Account, value)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		available, balErr := b.ledger.Balance(tx, from)
		if balErr != nil {
			return balErr
		}
		return &broadcast.InsufficientFundsError{Aggregate: true, Required: new(big.Int).Set(value), Available: available}
	}
	return err
}

// Replay republishes historical records locally without broadcasting them.
func (b *Book) Replay(call Call, records []record.SignatureRecord) error {
	if err := b.requireOwner(call, OpReplay); err != nil {
		return err
	}
	return b.store.Update(func(tx *bolt.Tx) error {
		return b.replayer.Replay(tx, records)
	})
}

// Receive verifies an inbound packet and republishes the record it carries.
func (b *Book) Receive(pkt transport.Packet) (record.SignatureRecord, error) {
	var rec record.SignatureRecord
	err := b.store.Update(func(tx *bolt.Tx) error {
		if err := b.endpoint.Accept(tx, pkt); err != nil {
			return err
		}
		var err error
		rec, err = b.inbound.Handle(tx, pkt.SrcEid, pkt.GUID, pkt.Payload)
		return err
	})
	return rec, err
}

func (b *Book) ListRegisteredChains() ([]uint32, error) {
	var chains []uint32
	err := b.store.View(func(tx *bolt.Tx) error {
		var err error
		chains, err = b.registry.List(tx)
		return err
	})
	return chains, err
}

func (b *Book) IsRegistered(chainID uint32) (bool, error) {
	var ok bool
	err := b.store.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = b.registry.Contains(tx, chainID)
		return err
	})
	return ok, err
}

func (b *Book) Peer(chainID uint32) (transport.PeerID, error) {
	var peer transport.PeerID
	err := b.store.View(func(tx *bolt.Tx) error {
		var err error
		peer, err = b.peers.Peer(tx, chainID)
		return err
	})
	return peer, err
}

// Fund credits native value to account.
func (b *Book) Fund(call Call, account common.Address, amount *big.Int) error {
	if err := b.requireOwner(call, OpFund); err != nil {
		return err
	}
	return b.store.Update(func(tx *bolt.Tx) error {
		return b.ledger.Credit(tx, account, amount)
	})
}

func (b *Book) SetPayable(call Call, account common.Address, payable bool) error {
	if err := b.requireOwner(call, OpSetPayable); err != nil {
		return err
	}
	return b.store.Update(func(tx *bolt.Tx) error {
		return b.ledger.SetPayable(tx, account, payable)
	})
}

func (b *Book) Balance(account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := b.store.View(func(tx *bolt.Tx) error {
		var err error
		balance, err = b.ledger.Balance(tx, account)
		return err
	})
	return balance, err
}

func (b *Book) requireOwner(call Call, op Op) error {
	if call.Sender != b.cfg.Owner {
		return &AuthorizationError{Caller: call.Sender, Op: op}
	}
	return nil
}

func (b *Book) callTime(call Call) time.Time {
	if call.Time.IsZero() {
		return b.cfg.Now()
	}
	return call.Time
}
