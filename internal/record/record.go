package record

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SignatureRecord is the unit published to every chain of the registered set.
// Values are immutable once built; there is no identity key and duplicates are allowed.
type SignatureRecord struct {
	Signer        common.Address `json:"signer"`
	OriginChainID uint32         `json:"origin_chain_id"`
	Name          string         `json:"name"`
	Message       string         `json:"message"`
	Timestamp     uint64         `json:"timestamp"`
}

func New(signer common.Address, originChainID uint32, name, message string, at time.Time) SignatureRecord {
	return SignatureRecord{
		Signer:        signer,
		OriginChainID: originChainID,
		Name:          name,
		Message:       message,
		Timestamp:     uint64(at.Unix()),
	}
}

// IsLocal reports whether the record was created on the given chain rather than replicated to it.
func (r SignatureRecord) IsLocal(localChainID uint32) bool {
	return r.OriginChainID == localChainID
}

func (r SignatureRecord) Time() time.Time {
	return time.Unix(int64(r.Timestamp), 0).UTC()
}

func (r SignatureRecord) String() string {
	return fmt.Sprintf("%s@%d %q", r.Signer.Hex(), r.OriginChainID, r.Name)
}
