package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/legacy"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/replay"
	"github.com/sigcast/sigcast/internal/signbook"
	"github.com/sigcast/sigcast/internal/transport"
	"github.com/spf13/cobra"
)

var (
	publishAs    string
	publishFor   string
	publishValue string
	publishName  string
	publishMsg   string
	publishGas   uint64

	replayFile         string
	replayFromPostgres bool
	replayFollow       bool
	replayAfterID      int64
)

func init() {
	peersCmd.AddCommand(peersSetCmd, peersRemoveCmd, peersListCmd)

	for _, c := range []*cobra.Command{quoteCmd, publishCmd} {
		c.Flags().StringVar(&publishName, "name", "", "signer display name")
		c.Flags().StringVar(&publishMsg, "message", "", "signed message")
		c.Flags().Uint64Var(&publishGas, "gas", 0, "destination gas limit (0 = default options)")
	}
	quoteCmd.Flags().StringVar(&publishAs, "signer", "", "signer address (default: owner)")
	publishCmd.Flags().StringVar(&publishAs, "as", "", "caller address (default: owner)")
	publishCmd.Flags().StringVar(&publishFor, "for", "", "publish on behalf of this signer")
	publishCmd.Flags().StringVar(&publishValue, "value", "0", "native value attached as broadcast budget")

	replayCmd.Flags().StringVar(&replayFile, "file", "", "JSON file with an array of signature records")
	replayCmd.Flags().BoolVar(&replayFromPostgres, "from-postgres", false, "load records from the legacy table")
	replayCmd.Flags().Int64Var(&replayAfterID, "after-id", 0, "resume the legacy load after this row id")
	replayCmd.Flags().BoolVar(&replayFollow, "follow", false, "keep replaying new legacy inserts")
}

func gasOptions() transport.Options {
	if publishGas == 0 {
		return nil
	}
	return transport.NewOptions(publishGas)
}

func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

func addressOr(s string, fallback common.Address) (common.Address, error) {
	if s == "" {
		return fallback, nil
	}
	return parseAddress(s)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Manage destination chains",
}

var peersSetCmd = &cobra.Command{
	Use:   "set <chain-id> <peer>",
	Short: "Register or re-peer a destination chain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid chain id %q", args[0])
		}
		var peer transport.PeerID
		if common.IsHexAddress(args[1]) {
			peer = transport.PeerFromAddress(common.HexToAddress(args[1]))
		} else if err := peer.UnmarshalText([]byte(args[1])); err != nil {
			return fmt.Errorf("invalid peer %q: %w", args[1], err)
		}

		cfg, book, store, err := openBook(newLogger())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := book.SetPeer(ownerCall(cfg), uint32(id), peer); err != nil {
			return err
		}
		fmt.Printf("Chain %d peered with %s\n", id, peer.Hex())
		return nil
	},
}

var peersRemoveCmd = &cobra.Command{
	Use:   "remove <chain-id>",
	Short: "Remove a destination chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid chain id %q", args[0])
		}

		cfg, book, store, err := openBook(newLogger())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := book.SetPeer(ownerCall(cfg), uint32(id), transport.PeerID{}); err != nil {
			return err
		}
		fmt.Printf("Chain %d removed\n", id)
		return nil
	},
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered destination chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, book, store, err := openBook(newLogger())
		if err != nil {
			return err
		}
		defer store.Close()

		chains, err := book.ListRegisteredChains()
		if err != nil {
			return err
		}
		for _, id := range chains {
			fmt.Println(id)
		}
		return nil
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Quote the fee to broadcast a signature to every registered chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, book, store, err := openBook(newLogger())
		if err != nil {
			return err
		}
		defer store.Close()

		signer, err := addressOr(publishAs, cfg.Chain.OwnerAddress())
		if err != nil {
			return err
		}
		fee, err := book.Quote(signer, publishName, publishMsg, gasOptions())
		if err != nil {
			return err
		}
		fmt.Println(fee)
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a signature and broadcast it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, book, store, err := openBook(newLogger())
		if err != nil {
			return err
		}
		defer store.Close()

		caller, err := addressOr(publishAs, cfg.Chain.OwnerAddress())
		if err != nil {
			return err
		}
		value, err := parseAmount(publishValue)
		if err != nil {
			return err
		}
		call := signbook.Call{Sender: caller, Value: value}

		var res *signbook.PublishResult
		if publishFor != "" {
			signer, err := parseAddress(publishFor)
			if err != nil {
				return err
			}
			res, err = book.PublishFor(call, signer, publishName, publishMsg, gasOptions())
			if err != nil {
				return err
			}
		} else if res, err = book.Publish(call, publishName, publishMsg, gasOptions()); err != nil {
			return err
		}

		fmt.Printf("Published %s\n", res.Record)
		for _, r := range res.Receipts {
			fmt.Printf("  -> chain %d nonce %d fee %s guid %s\n", r.DstEid, r.Nonce, r.Fee, r.GUID.Hex())
		}
		fmt.Printf("Refunded: %s\n", res.Refunded)
		return nil
	},
}

var fundCmd = &cobra.Command{
	Use:   "fund <account> <amount>",
	Short: "Credit native value to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}

		cfg, book, store, err := openBook(newLogger())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := book.Fund(ownerCall(cfg), account, amount); err != nil {
			return err
		}
		balance, err := book.Balance(account)
		if err != nil {
			return err
		}
		fmt.Printf("%s balance: %s\n", account.Hex(), balance)
		return nil
	},
}

var payableCmd = &cobra.Command{
	Use:   "payable <account> <true|false>",
	Short: "Set whether an account accepts refunds",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		payable, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("invalid flag %q", args[1])
		}

		cfg, book, store, err := openBook(newLogger())
		if err != nil {
			return err
		}
		defer store.Close()

		return book.SetPayable(ownerCall(cfg), account, payable)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical signature records into the local log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFile == "" && !replayFromPostgres && !replayFollow {
			return fmt.Errorf("one of --file, --from-postgres or --follow is required")
		}

		logger := newLogger()
		cfg, book, store, err := openBook(logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		replayBatch := func(_ context.Context, records []record.SignatureRecord) error {
			return book.Replay(ownerCall(cfg), records)
		}

		if replayFile != "" {
			data, err := os.ReadFile(replayFile)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", replayFile, err)
			}
			var records []record.SignatureRecord
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("failed to parse %s: %w", replayFile, err)
			}
			for i, chunk := range replay.Chunk(records, cfg.Replay.BatchSize) {
				if err := replayBatch(ctx, chunk); err != nil {
					return fmt.Errorf("batch %d: %w", i, err)
				}
			}
			fmt.Printf("Replayed %d records from %s\n", len(records), replayFile)
		}

		if replayFromPostgres {
			loader := legacy.NewLoader(cfg.Legacy.Database.ConnectionString(), cfg.Legacy.Table, logger)
			lastID, err := loader.Load(ctx, replayAfterID, cfg.Replay.BatchSize, replayBatch)
			if err != nil {
				return fmt.Errorf("legacy load stopped after id %d: %w", lastID, err)
			}
			fmt.Printf("Replayed legacy rows up to id %d\n", lastID)
		}

		if replayFollow {
			follower := legacy.NewFollower(followerConfig(cfg), func(ctx context.Context, rec record.SignatureRecord) error {
				return replayBatch(ctx, []record.SignatureRecord{rec})
			}, nil, logger)
			if err := follower.Initialize(ctx); err != nil {
				return err
			}
			fmt.Println("Following legacy inserts. Press Ctrl+C to stop.")
			return follower.Run(ctx)
		}
		return nil
	},
}
