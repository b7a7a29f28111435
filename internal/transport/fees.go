package transport

import (
	"math/big"
)

// FeeSchedule prices one packet: base + gasPrice*gasLimit + perByte*len(payload).
type FeeSchedule struct {
	Base     *big.Int
	GasPrice *big.Int
	PerByte  *big.Int
}

func (s FeeSchedule) Fee(payloadLen int, gasLimit uint64) *big.Int {
	fee := new(big.Int)
	if s.Base != nil {
		fee.Add(fee, s.Base)
	}
	if s.GasPrice != nil && gasLimit > 0 {
		fee.Add(fee, new(big.Int).Mul(s.GasPrice, new(big.Int).SetUint64(gasLimit)))
	}
	if s.PerByte != nil && payloadLen > 0 {
		fee.Add(fee, new(big.Int).Mul(s.PerByte, big.NewInt(int64(payloadLen))))
	}
	return fee
}

type FeeTable struct {
	Default FeeSchedule
	ByChain map[uint32]FeeSchedule
}

// FlatFees charges the same base fee to every destination.
func FlatFees(base int64) *FeeTable {
	return &FeeTable{Default: FeeSchedule{Base: big.NewInt(base)}}
}

func (t *FeeTable) For(eid uint32) FeeSchedule {
	if s, ok := t.ByChain[eid]; ok {
		return s
	}
	return t.Default
}
