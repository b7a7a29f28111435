package broadcast

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRefundFailed      = errors.New("refund failed")
)

// InsufficientFundsError reports a budget below what the broadcast requires.
// Aggregate is set when the whole budget, not a single send, was short, in
// which case Destination is meaningless.
type InsufficientFundsError struct {
	Aggregate   bool
	Destination uint32
	Required    *big.Int
	Available   *big.Int
}

func (e *InsufficientFundsError) Error() string {
	if e.Aggregate {
		return fmt.Sprintf("insufficient funds: need %s, have %s", e.Required, e.Available)
	}
	return fmt.Sprintf("insufficient funds for destination %d: need %s, have %s",
		e.Destination, e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

type RefundFailedError struct {
	To     common.Address
	Amount *big.Int
	Err    error
}

func (e *RefundFailedError) Error() string {
	return fmt.Sprintf("refund of %s to %s failed: %v", e.Amount, e.To.Hex(), e.Err)
}

func (e *RefundFailedError) Unwrap() error {
	return e.Err
}

func (e *RefundFailedError) Is(target error) bool {
	return target == ErrRefundFailed
}

func AsInsufficientFunds(err error) *InsufficientFundsError {
	var ie *InsufficientFundsError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}
