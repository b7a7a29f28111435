package signbook

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/broadcast"
	"github.com/sigcast/sigcast/internal/eventlog"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/registry"
	"github.com/sigcast/sigcast/internal/replay"
	"github.com/sigcast/sigcast/internal/storage"
	"github.com/sigcast/sigcast/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	account  = common.HexToAddress("0x00000000000000000000000000000000000000a9")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	alice    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	mallory  = common.HexToAddress("0x0000000000000000000000000000000000000bad")

	peerA = transport.PeerFromAddress(common.HexToAddress("0x2222"))
	peerB = transport.PeerFromAddress(common.HexToAddress("0x3333"))
)

var clock = time.Unix(1_700_000_000, 0)

func newTestBook(t *testing.T) *Book {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "signbook-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	book, err := New(store, Config{
		LocalChainID: 1,
		Owner:        owner,
		Account:      account,
		Treasury:     treasury,
		Fees:         transport.FlatFees(1000),
		Now:          func() time.Time { return clock },
	}, nil)
	require.NoError(t, err)

	require.NoError(t, book.Fund(ownerCall(), alice, big.NewInt(10_000)))
	return book
}

func ownerCall() Call {
	return Call{Sender: owner}
}

func withPeers(t *testing.T, book *Book) {
	t.Helper()
	require.NoError(t, book.SetPeer(ownerCall(), 2, peerA))
	require.NoError(t, book.SetPeer(ownerCall(), 3, peerB))
}

func events(t *testing.T, book *Book, kind eventlog.Kind) []eventlog.Event {
	t.Helper()
	var out []eventlog.Event
	require.NoError(t, book.Storage().View(func(tx *bolt.Tx) error {
		return eventlog.Scan(tx, 1, func(e *eventlog.Entry) error {
			if e.Event.Kind == kind {
				out = append(out, e.Event)
			}
			return nil
		})
	}))
	return out
}

func pending(t *testing.T, book *Book) []transport.Packet {
	t.Helper()
	var out []transport.Packet
	require.NoError(t, book.Storage().View(func(tx *bolt.Tx) error {
		var err error
		out, err = transport.Pending(tx, 0)
		return err
	}))
	return out
}

func balance(t *testing.T, book *Book, acct common.Address) int64 {
	t.Helper()
	b, err := book.Balance(acct)
	require.NoError(t, err)
	return b.Int64()
}

func TestNewValidatesConfig(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "cfg.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = New(store, Config{LocalChainID: 1, Account: account, Treasury: treasury}, nil)
	assert.Error(t, err)

	_, err = New(store, Config{Owner: owner, Account: account, Treasury: treasury}, nil)
	assert.Error(t, err)
}

func TestSetPeer(t *testing.T) {
	book := newTestBook(t)

	require.NoError(t, book.SetPeer(ownerCall(), 2, peerA))
	ok, err := book.IsRegistered(2)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, book.SetPeer(ownerCall(), 2, peerB))
	chains, err := book.ListRegisteredChains()
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, chains)

	peer, err := book.Peer(2)
	require.NoError(t, err)
	assert.Equal(t, peerB, peer)

	assert.Len(t, events(t, book, eventlog.KindChainAdded), 1)
}

func TestSetPeerZeroRemoves(t *testing.T) {
	book := newTestBook(t)
	withPeers(t, book)

	require.NoError(t, book.SetPeer(ownerCall(), 2, transport.PeerID{}))

	ok, err := book.IsRegistered(2)
	require.NoError(t, err)
	assert.False(t, ok)

	chains, err := book.ListRegisteredChains()
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, chains)
	assert.Len(t, events(t, book, eventlog.KindChainRemoved), 1)
}

func TestSetPeerRejected(t *testing.T) {
	book := newTestBook(t)

	err := book.SetPeer(ownerCall(), 1, peerA)
	require.ErrorIs(t, err, registry.ErrSelfPeering)

	err = book.SetPeer(Call{Sender: mallory}, 2, peerA)
	require.ErrorIs(t, err, ErrUnauthorized)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, mallory, authErr.Caller)

	chains, err := book.ListRegisteredChains()
	require.NoError(t, err)
	assert.Empty(t, chains)
	assert.Equal(t, uint32(1), book.LocalChainID())
}

func TestQuote(t *testing.T) {
	book := newTestBook(t)

	fee, err := book.Quote(alice, "alice", "hello", nil)
	require.NoError(t, err)
	assert.Zero(t, fee.Sign())

	withPeers(t, book)
	fee, err = book.Quote(alice, "alice", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), fee.Int64())
}

func TestPublishWithExactBudget(t *testing.T) {
	book := newTestBook(t)
	withPeers(t, book)

	res, err := book.Publish(Call{Sender: alice, Value: big.NewInt(2000)}, "alice", "hello", nil)
	require.NoError(t, err)

	published := events(t, book, eventlog.KindRecordPublished)
	require.Len(t, published, 1)
	assert.Equal(t, uint32(1), published[0].Record.OriginChainID)
	assert.Equal(t, alice, published[0].Record.Signer)
	assert.Equal(t, uint64(clock.Unix()), published[0].Record.Timestamp)

	assert.Len(t, res.Receipts, 2)
	assert.Len(t, pending(t, book), 2)
	assert.Zero(t, res.Refunded.Sign())
	assert.Equal(t, int64(8000), balance(t, book, alice))
}

func TestPublishScenarioRefundsExcess(t *testing.T) {
	book := newTestBook(t)
	withPeers(t, book)

	quote, err := book.Quote(alice, "alice", "hello", nil)
	require.NoError(t, err)
	require.Equal(t, int64(2000), quote.Int64())

	res, err := book.Publish(Call{Sender: alice, Value: big.NewInt(2500)}, "alice", "hello", nil)
	require.NoError(t, err)

	require.Len(t, res.Receipts, 2)
	for _, r := range res.Receipts {
		assert.Equal(t, int64(1000), r.Fee.Int64())
	}
	assert.Equal(t, []uint32{2, 3}, []uint32{res.Receipts[0].DstEid, res.Receipts[1].DstEid})
	assert.Equal(t, int64(500), res.Refunded.Int64())

	assert.Equal(t, int64(8000), balance(t, book, alice))
	assert.Equal(t, int64(2000), balance(t, book, treasury))
	assert.Equal(t, int64(0), balance(t, book, account))

	payload, err := record.Encode(res.Record)
	require.NoError(t, err)
	for _, pkt := range pending(t, book) {
		assert.Equal(t, payload, []byte(pkt.Payload))
	}
}

func TestPublishInsufficientBudget(t *testing.T) {
	book := newTestBook(t)
	withPeers(t, book)

	_, err := book.Publish(Call{Sender: alice, Value: big.NewInt(1999)}, "alice", "hello", nil)
	require.ErrorIs(t, err, broadcast.ErrInsufficientFunds)
	assert.True(t, broadcast.AsInsufficientFunds(err).Aggregate)

	assert.Empty(t, events(t, book, eventlog.KindRecordPublished))
	assert.Empty(t, pending(t, book))
	assert.Equal(t, int64(10_000), balance(t, book, alice))
	assert.Equal(t, int64(0), balance(t, book, treasury))
}

func TestPublishValueAboveBalance(t *testing.T) {
	book := newTestBook(t)

	_, err := book.Publish(Call{Sender: mallory, Value: big.NewInt(1)}, "m", "x", nil)
	require.ErrorIs(t, err, broadcast.ErrInsufficientFunds)
	assert.Empty(t, events(t, book, eventlog.KindRecordPublished))
}

func TestPublishEmptyRegistry(t *testing.T) {
	book := newTestBook(t)

	res, err := book.Publish(Call{Sender: alice, Value: big.NewInt(300)}, "alice", "solo", nil)
	require.NoError(t, err)

	assert.Len(t, events(t, book, eventlog.KindRecordPublished), 1)
	assert.Empty(t, res.Receipts)
	assert.Equal(t, int64(300), res.Refunded.Int64())
	assert.Equal(t, int64(10_000), balance(t, book, alice))

	res, err = book.Publish(Call{Sender: mallory}, "mallory", "free", nil)
	require.NoError(t, err)
	assert.Zero(t, res.Refunded.Sign())
}

func TestPublishRefundFailureRollsBack(t *testing.T) {
	book := newTestBook(t)
	withPeers(t, book)
	require.NoError(t, book.SetPayable(ownerCall(), alice, false))

	_, err := book.Publish(Call{Sender: alice, Value: big.NewInt(2500)}, "alice", "hello", nil)
	require.ErrorIs(t, err, broadcast.ErrRefundFailed)

	assert.Empty(t, events(t, book, eventlog.KindRecordPublished))
	assert.Empty(t, pending(t, book))
	assert.Equal(t, int64(10_000), balance(t, book, alice))
	assert.Equal(t, int64(0), balance(t, book, treasury))
	assert.Equal(t, int64(0), balance(t, book, account))
}

func TestPublishFor(t *testing.T) {
	book := newTestBook(t)

	_, err := book.PublishFor(Call{Sender: mallory}, alice, "alice", "forged", nil)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, events(t, book, eventlog.KindRecordPublished))

	res, err := book.PublishFor(ownerCall(), alice, "alice", "by owner", nil)
	require.NoError(t, err)
	assert.Equal(t, alice, res.Record.Signer)

	res, err = book.PublishFor(Call{Sender: alice}, alice, "alice", "by self", nil)
	require.NoError(t, err)
	assert.Equal(t, alice, res.Record.Signer)

	assert.Len(t, events(t, book, eventlog.KindRecordPublished), 2)
}

func TestReplay(t *testing.T) {
	book := newTestBook(t)
	withPeers(t, book)

	err := book.Replay(ownerCall(), nil)
	require.ErrorIs(t, err, replay.ErrEmptyBatch)

	r1 := record.New(alice, 5, "old", "first", time.Unix(100, 0))
	r2 := record.New(mallory, 9, "old", "second", time.Unix(200, 0))

	err = book.Replay(Call{Sender: alice}, []record.SignatureRecord{r1})
	require.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, book.Replay(ownerCall(), []record.SignatureRecord{r1, r2}))

	published := events(t, book, eventlog.KindRecordPublished)
	require.Len(t, published, 2)
	assert.Equal(t, r1, *published[0].Record)
	assert.Equal(t, r2, *published[1].Record)
	assert.Empty(t, pending(t, book))
}

func TestReceive(t *testing.T) {
	book := newTestBook(t)
	withPeers(t, book)

	remote := record.New(common.HexToAddress("0xbeef"), 2, "bob", "from chain 2", time.Unix(1_650_000_000, 0))
	payload, err := record.Encode(remote)
	require.NoError(t, err)

	appPeer := transport.PeerFromAddress(account)
	pkt := transport.Packet{
		Nonce:    1,
		SrcEid:   2,
		Sender:   peerA,
		DstEid:   1,
		Receiver: appPeer,
		Payload:  payload,
	}
	pkt.GUID = transport.PacketGUID(1, 2, peerA, 1, appPeer)

	got, err := book.Receive(pkt)
	require.NoError(t, err)
	assert.Equal(t, remote, got)

	published := events(t, book, eventlog.KindRecordPublished)
	require.Len(t, published, 1)
	assert.Equal(t, remote, *published[0].Record)
	assert.False(t, published[0].Record.IsLocal(book.LocalChainID()))

	_, err = book.Receive(pkt)
	require.ErrorIs(t, err, transport.ErrDuplicatePacket)

	forged := pkt
	forged.Sender = peerB
	forged.GUID = common.HexToHash("0x0f")
	_, err = book.Receive(forged)
	require.ErrorIs(t, err, transport.ErrUnknownSender)

	assert.Len(t, events(t, book, eventlog.KindRecordPublished), 1)
}

func TestExecuteCommand(t *testing.T) {
	book := newTestBook(t)
	ctx := context.Background()

	cmd, err := NewCommand(OpSetPeer, ownerCall(), SetPeerArgs{ChainID: 2, Peer: peerA})
	require.NoError(t, err)
	_, err = book.Execute(ctx, cmd)
	require.NoError(t, err)

	cmd, err = NewCommand(OpPublish, Call{Sender: alice, Value: big.NewInt(1500), Time: time.Unix(42, 0)},
		PublishArgs{Name: "alice", Message: "via command", Options: transport.NewOptions(0)})
	require.NoError(t, err)

	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	var decoded Command
	require.NoError(t, json.Unmarshal(data, &decoded))

	out, err := book.Execute(ctx, decoded)
	require.NoError(t, err)
	require.NotNil(t, out.Publish)
	assert.Equal(t, uint64(42), out.Publish.Record.Timestamp)
	assert.Len(t, out.Publish.Receipts, 1)
	assert.Equal(t, int64(500), out.Publish.Refunded.Int64())

	_, err = book.Execute(ctx, Command{Op: "bogus"})
	assert.Error(t, err)

	_, err = book.Execute(ctx, Command{Op: OpFund, Sender: owner})
	assert.Error(t, err)
}

func TestLogVerifiesAfterMixedOperations(t *testing.T) {
	book := newTestBook(t)
	withPeers(t, book)

	_, err := book.Publish(Call{Sender: alice, Value: big.NewInt(2000)}, "alice", "one", nil)
	require.NoError(t, err)
	require.NoError(t, book.SetPeer(ownerCall(), 3, transport.PeerID{}))
	require.NoError(t, book.Replay(ownerCall(), []record.SignatureRecord{record.New(alice, 8, "n", "m", clock)}))

	require.NoError(t, book.Storage().View(func(tx *bolt.Tx) error {
		n, err := eventlog.Verify(tx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n)
		return nil
	}))
}

func TestExecuteClaimsRequestOnce(t *testing.T) {
	book := newTestBook(t)
	ctx := context.Background()

	fund := func(at int64, id string) error {
		cmd, err := NewCommand(OpFund, Call{Sender: owner, Time: time.Unix(at, 0)},
			FundArgs{Account: alice, Amount: big.NewInt(1)})
		require.NoError(t, err)
		cmd.Request = &Request{ID: common.HexToHash(id), Expires: 1_000}
		_, err = book.Execute(ctx, cmd)
		return err
	}

	require.NoError(t, fund(900, "0x01"))
	require.ErrorIs(t, fund(950, "0x01"), ErrDuplicateRequest)
	require.NoError(t, fund(950, "0x02"))
	assert.Equal(t, int64(10_002), balance(t, book, alice))

	// Once expired, claims are pruned.
	require.NoError(t, fund(1_001, "0x03"))
	err := book.Storage().View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.RequestsBucket)
		assert.Nil(t, bucket.Get(common.HexToHash("0x01").Bytes()))
		assert.NotNil(t, bucket.Get(common.HexToHash("0x03").Bytes()))
		return nil
	})
	require.NoError(t, err)
}
