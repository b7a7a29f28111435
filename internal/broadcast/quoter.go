// Package broadcast prices and dispatches one signature record to every
// registered destination.
package broadcast

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/transport"
	bolt "go.etcd.io/bbolt"
)

// Chains lists the registered destinations in broadcast order.
type Chains interface {
	List(tx *bolt.Tx) ([]uint32, error)
}

type Endpoint interface {
	Quote(tx *bolt.Tx, dst uint32, payload []byte, opts transport.Options) (*big.Int, error)
	Send(tx *bolt.Tx, sender common.Address, dst uint32, payload []byte, opts transport.Options, fee *big.Int, refundTo common.Address) (transport.Receipt, error)
}

type Quoter struct {
	localChainID uint32
	chains       Chains
	endpoint     Endpoint
	now          func() time.Time
}

func NewQuoter(localChainID uint32, chains Chains, endpoint Endpoint, now func() time.Time) *Quoter {
	if now == nil {
		now = time.Now
	}
	return &Quoter{
		localChainID: localChainID,
		chains:       chains,
		endpoint:     endpoint,
		now:          now,
	}
}

// Quote returns the total fee to broadcast a record signed now by signer.
func (q *Quoter) Quote(tx *bolt.Tx, signer common.Address, name, message string, opts transport.Options) (*big.Int, error) {
	rec := record.New(signer, q.localChainID, name, message, q.now())
	return q.QuoteRecord(tx, rec, opts)
}

// QuoteRecord sums the per-destination fee of rec's payload. An empty registry costs nothing.
func (q *Quoter) QuoteRecord(tx *bolt.Tx, rec record.SignatureRecord, opts transport.Options) (*big.Int, error) {
	chains, err := q.chains.List(tx)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	if len(chains) == 0 {
		return total, nil
	}

	payload, err := record.Encode(rec)
	if err != nil {
		return nil, err
	}
	for _, dst := range chains {
		fee, err := q.endpoint.Quote(tx, dst, payload, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to quote destination %d: %w", dst, err)
		}
		total.Add(total, fee)
	}
	return total, nil
}
