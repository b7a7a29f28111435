package consensus

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/raft"
	"github.com/sigcast/sigcast/internal/signbook"
	"github.com/sigcast/sigcast/internal/storage"
	"github.com/sigcast/sigcast/internal/transport"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	account  = common.HexToAddress("0x00000000000000000000000000000000000000a9")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	peer2    = transport.PeerFromAddress(common.HexToAddress("0x2222"))
)

func newTestBook(t *testing.T, name string) (*signbook.Book, *storage.Storage) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	book, err := signbook.New(store, signbook.Config{
		LocalChainID: 1,
		Owner:        owner,
		Account:      account,
		Treasury:     treasury,
		Fees:         transport.FlatFees(1000),
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create book: %v", err)
	}
	return book, store
}

func commandLog(t *testing.T, op signbook.Op, call signbook.Call, args any) *raft.Log {
	t.Helper()
	cmd, err := signbook.NewCommand(op, call, args)
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return &raft.Log{Index: 1, Data: data}
}

type mockSnapshotSink struct {
	bytes.Buffer
	cancelled bool
}

func (m *mockSnapshotSink) ID() string    { return "mock" }
func (m *mockSnapshotSink) Cancel() error { m.cancelled = true; return nil }
func (m *mockSnapshotSink) Close() error  { return nil }

func TestFSMApply(t *testing.T) {
	book, store := newTestBook(t, "fsm-apply.db")
	fsm := NewFSM(book, store, nil)

	resp := fsm.Apply(commandLog(t, signbook.OpSetPeer, signbook.Call{Sender: owner},
		signbook.SetPeerArgs{ChainID: 2, Peer: peer2}))

	result, ok := resp.(*ApplyResult)
	if !ok {
		t.Fatalf("Expected *ApplyResult, got %T", resp)
	}
	if result.Err != nil {
		t.Fatalf("SetPeer command failed: %v", result.Err)
	}

	registered, err := book.IsRegistered(2)
	if err != nil {
		t.Fatalf("IsRegistered failed: %v", err)
	}
	if !registered {
		t.Error("Expected chain 2 to be registered")
	}
}

func TestFSMApplyCarriesOperationErrors(t *testing.T) {
	book, store := newTestBook(t, "fsm-errors.db")
	fsm := NewFSM(book, store, nil)

	resp := fsm.Apply(commandLog(t, signbook.OpSetPeer, signbook.Call{Sender: account},
		signbook.SetPeerArgs{ChainID: 2, Peer: peer2}))
	result := resp.(*ApplyResult)
	if !errors.Is(result.Err, signbook.ErrUnauthorized) {
		t.Errorf("Expected authorization error, got %v", result.Err)
	}

	resp = fsm.Apply(&raft.Log{Data: []byte("{not json")})
	if resp.(*ApplyResult).Err == nil {
		t.Error("Expected error for malformed command")
	}
}

func TestFSMSnapshotRestore(t *testing.T) {
	book, store := newTestBook(t, "fsm-source.db")
	fsm := NewFSM(book, store, nil)

	fsm.Apply(commandLog(t, signbook.OpSetPeer, signbook.Call{Sender: owner},
		signbook.SetPeerArgs{ChainID: 2, Peer: peer2}))

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	defer snapshot.Release()

	var sink mockSnapshotSink
	if err := snapshot.Persist(&sink); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if sink.Len() == 0 {
		t.Fatal("Snapshot should not be empty")
	}

	replica, replicaStore := newTestBook(t, "fsm-replica.db")
	replicaFSM := NewFSM(replica, replicaStore, nil)
	if err := replicaFSM.Restore(io.NopCloser(&sink.Buffer)); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	chains, err := replica.ListRegisteredChains()
	if err != nil {
		t.Fatalf("ListRegisteredChains failed: %v", err)
	}
	if len(chains) != 1 || chains[0] != 2 {
		t.Errorf("restored chains = %v, want [2]", chains)
	}
}

func TestFSMApplyIsDeterministic(t *testing.T) {
	log := commandLog(t, signbook.OpPublish, signbook.Call{Sender: owner},
		signbook.PublishArgs{Name: "owner", Message: "same everywhere"})

	var records []string
	for _, name := range []string{"replica-a.db", "replica-b.db"} {
		book, store := newTestBook(t, name)
		result := NewFSM(book, store, nil).Apply(log).(*ApplyResult)
		if result.Err != nil {
			t.Fatalf("Publish command failed: %v", result.Err)
		}
		data, _ := json.Marshal(result.Outcome.Publish.Record)
		records = append(records, string(data))
	}

	if records[0] != records[1] {
		t.Errorf("replicas diverged:\n%s\n%s", records[0], records[1])
	}
}
