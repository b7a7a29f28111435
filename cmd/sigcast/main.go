package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/alert"
	"github.com/sigcast/sigcast/internal/config"
	"github.com/sigcast/sigcast/internal/eventlog"
	"github.com/sigcast/sigcast/internal/signbook"
	"github.com/sigcast/sigcast/internal/storage"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

const version = "v0.3.0"

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "sigcast",
	Short: "sigcast - cross-chain signature broadcast",
	Long: `Publishes signature records to a chain's public log and broadcasts them
to every registered peer chain.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "sigcast.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(fundCmd)
	rootCmd.AddCommand(payableCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func dbPath(cfg *config.Config) string {
	return filepath.Join(cfg.Node.DataDir, "sigcast.db")
}

func bookConfig(cfg *config.Config) (signbook.Config, error) {
	fees, err := cfg.Transport.FeeTable()
	if err != nil {
		return signbook.Config{}, err
	}
	return signbook.Config{
		LocalChainID: cfg.Chain.LocalChainID,
		Owner:        cfg.Chain.OwnerAddress(),
		Account:      cfg.Chain.AccountAddress(),
		Treasury:     cfg.Chain.TreasuryAddress(),
		Fees:         fees,
	}, nil
}

// openBook loads the config and opens the local database. The node must not be
// running: the database file is locked by its owner.
func openBook(logger *slog.Logger) (*config.Config, *signbook.Book, *storage.Storage, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := storage.New(dbPath(cfg))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	bc, err := bookConfig(cfg)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	book, err := signbook.New(store, bc, logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return cfg, book, store, nil
}

func ownerCall(cfg *config.Config) signbook.Call {
	return signbook.Call{Sender: cfg.Chain.OwnerAddress()}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sigcast %s\n", version)
		fmt.Println("Cross-chain signature broadcast")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local chain database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := storage.New(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		fmt.Printf("Initialized sigcast node: %s\n", cfg.Node.ID)
		fmt.Printf("Local chain: %d\n", cfg.Chain.LocalChainID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Database path: %s\n", dbPath(cfg))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display chain status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, book, store, err := openBook(newLogger())
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Local chain: %d\n", book.LocalChainID())
		fmt.Printf("Owner: %s\n", book.Owner().Hex())

		chains, err := book.ListRegisteredChains()
		if err != nil {
			return err
		}
		fmt.Printf("\nRegistered chains (%d):\n", len(chains))
		for _, id := range chains {
			peer, err := book.Peer(id)
			if err != nil {
				return err
			}
			fmt.Printf("  - %d -> %s\n", id, peer.Hex())
		}

		err = store.View(func(tx *bolt.Tx) error {
			seq, head, err := eventlog.Head(tx)
			if err != nil {
				return err
			}
			fmt.Printf("\nLog entries: %d\n", seq)
			if seq > 0 {
				fmt.Printf("Head hash: %s\n", head[:16])
			}
			return nil
		})
		if err != nil {
			return err
		}

		for name, addr := range map[string]common.Address{
			"Application account": cfg.Chain.AccountAddress(),
			"Treasury":            cfg.Chain.TreasuryAddress(),
		} {
			balance, err := book.Balance(addr)
			if err != nil {
				return err
			}
			fmt.Printf("%s balance: %s\n", name, balance)
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the record log hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, _, store, err := openBook(logger)
		if err != nil {
			return err
		}
		defer store.Close()

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook, cfg.Chain.LocalChainID)
		return verifyLog(store, alerts, logger)
	},
}

func verifyLog(store *storage.Storage, alerts *alert.Manager, logger *slog.Logger) error {
	var checked uint64
	err := store.View(func(tx *bolt.Tx) error {
		var err error
		checked, err = eventlog.Verify(tx)
		return err
	})

	if ie := eventlog.AsIntegrityError(err); ie != nil {
		fmt.Printf("  ❌ FAILED: %v\n", ie)
		if alertErr := alerts.SendIntegrityAlert(ie.Seq, ie.Expected, ie.Actual, ie.Message); alertErr != nil {
			logger.Warn("Failed to send alert", "error", alertErr)
		}
		return ie
	}
	if err != nil {
		return fmt.Errorf("failed to verify log: %w", err)
	}

	fmt.Printf("  ✅ OK: %d log entries, hash chain is intact\n", checked)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
