package ledger

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger-test.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func balanceOf(t *testing.T, store *storage.Storage, l *Ledger, account common.Address) int64 {
	t.Helper()
	var out int64
	err := store.View(func(tx *bolt.Tx) error {
		b, err := l.Balance(tx, account)
		out = b.Int64()
		return err
	})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return out
}

func TestTransfer(t *testing.T) {
	store := newTestStorage(t)
	l := New()

	err := store.Update(func(tx *bolt.Tx) error {
		return l.Credit(tx, alice, big.NewInt(1000))
	})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	tests := []struct {
		name      string
		from, to  common.Address
		amount    int64
		wantErr   error
		wantAlice int64
		wantBob   int64
	}{
		{name: "partial transfer", from: alice, to: bob, amount: 300, wantAlice: 700, wantBob: 300},
		{name: "zero amount is a no-op", from: bob, to: common.Address{}, amount: 0, wantAlice: 700, wantBob: 300},
		{name: "overdraft", from: bob, to: alice, amount: 301, wantErr: ErrInsufficientBalance, wantAlice: 700, wantBob: 300},
		{name: "zero address rejects value", from: alice, to: common.Address{}, amount: 1, wantErr: ErrNotPayable, wantAlice: 700, wantBob: 300},
		{name: "negative amount", from: alice, to: bob, amount: -1, wantErr: ErrInvalidAmount, wantAlice: 700, wantBob: 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Update(func(tx *bolt.Tx) error {
				return l.Transfer(tx, tt.from, tt.to, big.NewInt(tt.amount))
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transfer() error = %v, want %v", err, tt.wantErr)
			}
			if got := balanceOf(t, store, l, alice); got != tt.wantAlice {
				t.Errorf("alice balance = %d, want %d", got, tt.wantAlice)
			}
			if got := balanceOf(t, store, l, bob); got != tt.wantBob {
				t.Errorf("bob balance = %d, want %d", got, tt.wantBob)
			}
		})
	}
}

func TestSetPayable(t *testing.T) {
	store := newTestStorage(t)
	l := New()

	err := store.Update(func(tx *bolt.Tx) error {
		if err := l.Credit(tx, alice, big.NewInt(10)); err != nil {
			return err
		}
		return l.SetPayable(tx, bob, false)
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	err = store.Update(func(tx *bolt.Tx) error {
		return l.Transfer(tx, alice, bob, big.NewInt(5))
	})
	if !errors.Is(err, ErrNotPayable) {
		t.Fatalf("Expected ErrNotPayable, got %v", err)
	}

	err = store.Update(func(tx *bolt.Tx) error {
		if err := l.SetPayable(tx, bob, true); err != nil {
			return err
		}
		return l.Transfer(tx, alice, bob, big.NewInt(5))
	})
	if err != nil {
		t.Fatalf("Transfer after re-enabling failed: %v", err)
	}
	if got := balanceOf(t, store, l, bob); got != 5 {
		t.Errorf("bob balance = %d, want 5", got)
	}
}
