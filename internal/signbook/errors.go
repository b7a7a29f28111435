package signbook

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnauthorized = errors.New("unauthorized")

// AuthorizationError is returned when caller may not perform op.
type AuthorizationError struct {
	Caller common.Address
	Op     Op
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s not authorized for %s", e.Caller.Hex(), e.Op)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}
