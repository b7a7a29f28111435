package consensus

import (
	"errors"
	"time"

	"github.com/sigcast/sigcast/internal/signbook"
)

var ErrNotLeader = errors.New("not the leader")

const applyTimeout = 10 * time.Second

// ApplyResult is what FSM.Apply returns for every committed command.
type ApplyResult struct {
	Outcome *signbook.Outcome
	Err     error
}
