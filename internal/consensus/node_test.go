package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sigcast/sigcast/internal/signbook"
)

func TestNewNodeRequiresID(t *testing.T) {
	book, store := newTestBook(t, "node-id.db")
	if _, err := NewNode(&NodeConfig{}, book, store, nil); err == nil {
		t.Error("Expected error for missing node id")
	}
}

func TestNodeBeforeStart(t *testing.T) {
	book, store := newTestBook(t, "node-unstarted.db")
	node, err := NewNode(&NodeConfig{NodeID: "test-node", BindAddr: "127.0.0.1:17100", DataDir: t.TempDir()}, book, store, nil)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if stats := node.Stats(); stats["state"] != "not initialized" {
		t.Errorf("Expected state 'not initialized', got %s", stats["state"])
	}
	if node.IsLeader() {
		t.Error("Unstarted node should not be leader")
	}
	if node.Leader() != "" {
		t.Error("Unstarted node should not know a leader")
	}
	if _, err := node.Execute(context.Background(), signbook.Command{}); !errors.Is(err, ErrNotLeader) {
		t.Errorf("Expected ErrNotLeader, got %v", err)
	}
	if err := node.Stop(); err != nil {
		t.Errorf("Stop on unstarted node failed: %v", err)
	}
}

func TestSingleNodeCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping raft cluster test in short mode")
	}

	book, store := newTestBook(t, "node-single.db")
	node, err := NewNode(&NodeConfig{
		NodeID:    "node1",
		BindAddr:  "127.0.0.1:17101",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}, book, store, nil)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer node.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for !node.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if !node.IsLeader() {
		t.Fatal("single node did not become leader")
	}

	cmd, err := signbook.NewCommand(signbook.OpSetPeer, signbook.Call{Sender: owner},
		signbook.SetPeerArgs{ChainID: 2, Peer: peer2})
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	if _, err := node.Execute(context.Background(), cmd); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	cmd, _ = signbook.NewCommand(signbook.OpSetPeer, signbook.Call{Sender: owner},
		signbook.SetPeerArgs{ChainID: 1, Peer: peer2})
	if _, err := node.Execute(context.Background(), cmd); err == nil {
		t.Error("Expected self-peering error through the replicated log")
	}

	registered, err := book.IsRegistered(2)
	if err != nil {
		t.Fatalf("IsRegistered failed: %v", err)
	}
	if !registered {
		t.Error("Expected chain 2 to be registered after commit")
	}
}
