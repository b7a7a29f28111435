package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const optionsType3 uint16 = 3

var ErrInvalidOptions = errors.New("invalid executor options")

// Options are opaque executor options forwarded with every send. The only
// layout understood here is type 3: uint16 type followed by a uint64 gas limit.
type Options []byte

func NewOptions(gasLimit uint64) Options {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint16(buf[0:2], optionsType3)
	binary.BigEndian.PutUint64(buf[2:10], gasLimit)
	return buf
}

// GasLimit returns the executor gas requested by o; empty options request none.
func (o Options) GasLimit() (uint64, error) {
	if len(o) == 0 {
		return 0, nil
	}
	if len(o) != 10 {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidOptions, len(o))
	}
	if typ := binary.BigEndian.Uint16(o[0:2]); typ != optionsType3 {
		return 0, fmt.Errorf("%w: type %d", ErrInvalidOptions, typ)
	}
	return binary.BigEndian.Uint64(o[2:10]), nil
}

func (o Options) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(o)), nil
}

func (o *Options) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*o = nil
		return nil
	}
	data, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	*o = data
	return nil
}
