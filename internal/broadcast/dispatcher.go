package broadcast

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/transport"
	bolt "go.etcd.io/bbolt"
)

// Funds moves native value between ledger accounts.
type Funds interface {
	Transfer(tx *bolt.Tx, from, to common.Address, amount *big.Int) error
}

type Result struct {
	Receipts []transport.Receipt `json:"receipts"`
	Refunded *big.Int            `json:"refunded"`
}

// Dispatcher sends an already published record to every registered destination,
// paying each send from account. It must run inside the transaction that
// published the record so any failure discards the publication and all sends.
type Dispatcher struct {
	account  common.Address
	chains   Chains
	endpoint Endpoint
	funds    Funds
	logger   *slog.Logger
}

func NewDispatcher(account common.Address, chains Chains, endpoint Endpoint, funds Funds, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		account:  account,
		chains:   chains,
		endpoint: endpoint,
		funds:    funds,
		logger:   logger,
	}
}

// Dispatch spends budget on one send per destination, each paying exactly the
// fee quoted at send time, and returns what is left to refundTo.
func (d *Dispatcher) Dispatch(tx *bolt.Tx, rec record.SignatureRecord, opts transport.Options, budget *big.Int, refundTo common.Address) (*Result, error) {
	remaining := new(big.Int)
	if budget != nil {
		remaining.Set(budget)
	}
	result := &Result{Refunded: new(big.Int)}

	chains, err := d.chains.List(tx)
	if err != nil {
		return nil, err
	}

	if len(chains) > 0 {
		payload, err := record.Encode(rec)
		if err != nil {
			return nil, err
		}

		for _, dst := range chains {
			fee, err := d.endpoint.Quote(tx, dst, payload, opts)
			if err != nil {
				return nil, fmt.Errorf("failed to quote destination %d: %w", dst, err)
			}
			if remaining.Cmp(fee) < 0 {
				return nil, &InsufficientFundsError{
					Destination: dst,
					Required:    fee,
					Available:   new(big.Int).Set(remaining),
				}
			}

			receipt, err := d.endpoint.Send(tx, d.account, dst, payload, opts, fee, refundTo)
			if err != nil {
				return nil, fmt.Errorf("failed to send to destination %d: %w", dst, err)
			}
			remaining.Sub(remaining, fee)
			result.Receipts = append(result.Receipts, receipt)
		}
	}

	if remaining.Sign() > 0 {
		if err := d.funds.Transfer(tx, d.account, refundTo, remaining); err != nil {
			return nil, &RefundFailedError{To: refundTo, Amount: new(big.Int).Set(remaining), Err: err}
		}
		result.Refunded.Set(remaining)
	}

	d.logger.Debug("Record dispatched",
		"signer", rec.Signer.Hex(),
		"destinations", len(result.Receipts),
		"refunded", result.Refunded,
	)
	return result, nil
}
