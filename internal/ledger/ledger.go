// Package ledger keeps native-currency balances of a chain: the budgets callers
// attach to operations, the fees paid to the transport and the refunds of excess.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotPayable          = errors.New("recipient does not accept value")
	ErrInvalidAmount       = errors.New("amount must be non-negative")
)

var notPayable = []byte{0}

type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Balance(tx *bolt.Tx, account common.Address) (*big.Int, error) {
	data := tx.Bucket(storage.BalancesBucket).Get(account.Bytes())
	return new(big.Int).SetBytes(data), nil
}

// Credit adds amount to account without a counterparty.
func (l *Ledger) Credit(tx *bolt.Tx, account common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	balance, err := l.Balance(tx, account)
	if err != nil {
		return err
	}
	return l.put(tx, account, balance.Add(balance, amount))
}

// Debit removes amount from account without a counterparty.
func (l *Ledger) Debit(tx *bolt.Tx, account common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	balance, err := l.Balance(tx, account)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, account.Hex(), balance, amount)
	}
	return l.put(tx, account, balance.Sub(balance, amount))
}

// Transfer moves amount from one account to another. The recipient must accept value.
func (l *Ledger) Transfer(tx *bolt.Tx, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if !l.Payable(tx, to) {
		return fmt.Errorf("%w: %s", ErrNotPayable, to.Hex())
	}

	if err := l.Debit(tx, from, amount); err != nil {
		return err
	}
	return l.Credit(tx, to, amount)
}

// Payable reports whether account can receive transfers. The zero address never can.
func (l *Ledger) Payable(tx *bolt.Tx, account common.Address) bool {
	if account == (common.Address{}) {
		return false
	}
	return tx.Bucket(storage.AccountsBucket).Get(account.Bytes()) == nil
}

func (l *Ledger) SetPayable(tx *bolt.Tx, account common.Address, payable bool) error {
	bucket := tx.Bucket(storage.AccountsBucket)
	if payable {
		return bucket.Delete(account.Bytes())
	}
	return bucket.Put(account.Bytes(), notPayable)
}

func (l *Ledger) put(tx *bolt.Tx, account common.Address, balance *big.Int) error {
	bucket := tx.Bucket(storage.BalancesBucket)
	if balance.Sign() == 0 {
		return bucket.Delete(account.Bytes())
	}
	return bucket.Put(account.Bytes(), balance.Bytes())
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
