package signbook

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/transport"
)

type Op string

const (
	OpSetPeer    Op = "set_peer"
	OpPublish    Op = "publish"
	OpPublishFor Op = "publish_for"
	OpReplay     Op = "replay"
	OpReceive    Op = "receive"
	OpFund       Op = "fund"
	OpSetPayable Op = "set_payable"
)

// Command is a serialized mutating operation. It carries the call time so that
// every replica executing it produces the same records.
type Command struct {
	Op      Op              `json:"op"`
	Sender  common.Address  `json:"sender"`
	Value   *big.Int        `json:"value,omitempty"`
	Time    int64           `json:"time"`
	Args    json.RawMessage `json:"args,omitempty"`
	Request *Request        `json:"request,omitempty"`
}

// Request identifies the signed request a command was built from. A request
// is executed at most once before it expires.
type Request struct {
	ID      common.Hash `json:"id"`
	Expires int64       `json:"expires"`
}

type SetPeerArgs struct {
	ChainID uint32           `json:"chain_id"`
	Peer    transport.PeerID `json:"peer"`
}

type PublishArgs struct {
	Signer  common.Address    `json:"signer,omitempty"`
	Name    string            `json:"name"`
	Message string            `json:"message"`
	Options transport.Options `json:"options,omitempty"`
}

type ReplayArgs struct {
	Records []record.SignatureRecord `json:"records"`
}

type FundArgs struct {
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
}

type SetPayableArgs struct {
	Account common.Address `json:"account"`
	Payable bool           `json:"payable"`
}

// Outcome is the result of an executed command.
type Outcome struct {
	Publish *PublishResult          `json:"publish,omitempty"`
	Record  *record.SignatureRecord `json:"record,omitempty"`
}

// NewCommand builds a command for op. A zero call time is stamped with now.
func NewCommand(op Op, call Call, args any) (Command, error) {
	at := call.Time
	if at.IsZero() {
		at = time.Now()
	}
	cmd := Command{Op: op, Sender: call.Sender, Value: call.Value, Time: at.Unix()}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return Command{}, fmt.Errorf("failed to marshal %s args: %w", op, err)
		}
		cmd.Args = data
	}
	return cmd, nil
}

func (c Command) Call() Call {
	return Call{Sender: c.Sender, Value: c.Value, Time: time.Unix(c.Time, 0)}
}

func (c Command) decode(v any) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("missing %s args", c.Op)
	}
	if err := json.Unmarshal(c.Args, v); err != nil {
		return fmt.Errorf("failed to decode %s args: %w", c.Op, err)
	}
	return nil
}

// Execute applies cmd to the local state.
func (b *Book) Execute(ctx context.Context, cmd Command) (*Outcome, error) {
	call := cmd.Call()

	if cmd.Request != nil {
		if err := b.claimRequest(*cmd.Request, cmd.Time); err != nil {
			return nil, err
		}
	}

	switch cmd.Op {
	case OpSetPeer:
		var args SetPeerArgs
		if err := cmd.decode(&args); err != nil {
			return nil, err
		}
		return empty(b.SetPeer(call, args.ChainID, args.Peer))

	case OpPublish, OpPublishFor:
		var args PublishArgs
		if err := cmd.decode(&args); err != nil {
			return nil, err
		}
		var (
			res *PublishResult
			err error
		)
		if cmd.Op == OpPublish {
			res, err = b.Publish(call, args.Name, args.Message, args.Options)
		} else {
			res, err = b.PublishFor(call, args.Signer, args.Name, args.Message, args.Options)
		}
		if err != nil {
			return nil, err
		}
		return &Outcome{Publish: res}, nil

	case OpReplay:
		var args ReplayArgs
		if err := cmd.decode(&args); err != nil {
			return nil, err
		}
		return empty(b.Replay(call, args.Records))

	case OpReceive:
		var pkt transport.Packet
		if err := cmd.decode(&pkt); err != nil {
			return nil, err
		}
		rec, err := b.Receive(pkt)
		if err != nil {
			return nil, err
		}
		return &Outcome{Record: &rec}, nil

	case OpFund:
		var args FundArgs
		if err := cmd.decode(&args); err != nil {
			return nil, err
		}
		return empty(b.Fund(call, args.Account, args.Amount))

	case OpSetPayable:
		var args SetPayableArgs
		if err := cmd.decode(&args); err != nil {
			return nil, err
		}
		return empty(b.SetPayable(call, args.Account, args.Payable))

	default:
		return nil, fmt.Errorf("unknown operation: %s", cmd.Op)
	}
}

func empty(err error) (*Outcome, error) {
	if err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

// Executor runs commands: a Book directly, or a consensus node through the replicated log.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Outcome, error)
}

// Deliverer adapts an Executor to the transport receiver.
func Deliverer(exec Executor) transport.Deliverer {
	return transport.DelivererFunc(func(ctx context.Context, pkt transport.Packet) error {
		cmd, err := NewCommand(OpReceive, Call{}, pkt)
		if err != nil {
			return err
		}
		_, err = exec.Execute(ctx, cmd)
		return err
	})
}
