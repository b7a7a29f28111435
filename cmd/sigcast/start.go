package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sigcast/sigcast/internal/alert"
	"github.com/sigcast/sigcast/internal/api"
	"github.com/sigcast/sigcast/internal/config"
	"github.com/sigcast/sigcast/internal/consensus"
	"github.com/sigcast/sigcast/internal/export"
	"github.com/sigcast/sigcast/internal/legacy"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/signbook"
	"github.com/sigcast/sigcast/internal/storage"
	"github.com/sigcast/sigcast/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

const leaderPollInterval = time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sigcast node",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Starting sigcast node: %s (chain %d)\n", cfg.Node.ID, cfg.Chain.LocalChainID)

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.New(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		bc, err := bookConfig(cfg)
		if err != nil {
			return err
		}
		book, err := signbook.New(store, bc, logger)
		if err != nil {
			return err
		}

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook, cfg.Chain.LocalChainID)

		fmt.Println("Verifying record log...")
		if err := verifyLog(store, alerts, logger); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var (
			exec     signbook.Executor = book
			isLeader                   = func() bool { return true }
			closers  []func() error
			wg       sync.WaitGroup
		)
		goRun := func(fn func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn()
			}()
		}

		if cfg.Raft.Enabled {
			fmt.Println("Starting Raft consensus...")
			node, err := consensus.NewNode(&consensus.NodeConfig{
				NodeID:    cfg.Node.ID,
				BindAddr:  cfg.Node.BindAddr,
				DataDir:   cfg.Node.DataDir,
				Bootstrap: cfg.Node.Bootstrap,
				PeerAddrs: cfg.Node.PeerAddrs,
			}, book, store, logger)
			if err != nil {
				return fmt.Errorf("failed to create raft node: %w", err)
			}
			if err := node.Start(ctx); err != nil {
				return fmt.Errorf("failed to start raft node: %w", err)
			}
			closers = append(closers, node.Stop)
			exec = node
			isLeader = node.IsLeader
			fmt.Printf("Raft node started, leader: %s\n", node.Leader())

			if cfg.Raft.LeadershipTransferInterval > 0 {
				rotator := consensus.NewLeadershipRotator(node, cfg.Raft.LeadershipTransferInterval, logger)
				goRun(func() { _ = rotator.Start(ctx) })
				closers = append(closers, func() error { rotator.Stop(); return nil })
			}
		} else {
			fmt.Println("Running in single-node mode (no Raft)")
		}

		if len(cfg.Transport.Brokers) > 0 {
			writer := transport.NewKafkaWriter(cfg.Transport.Brokers)
			relay := transport.NewRelay(store, writer, transport.RelayConfig{
				TopicPrefix: cfg.Transport.TopicPrefix,
				Interval:    cfg.Transport.RelayInterval,
				BatchSize:   cfg.Transport.RelayBatchSize,
				IsLeader:    isLeader,
			}, alerts, logger)
			goRun(func() { _ = relay.Start(ctx) })
			closers = append(closers, relay.Close)

			topic := transport.TopicFor(cfg.Transport.TopicPrefix, cfg.Chain.LocalChainID)
			deliver := signbook.Deliverer(exec)
			goRun(func() {
				whileLeader(ctx, isLeader, "receiver", logger, func(ctx context.Context) error {
					reader := transport.NewKafkaReader(cfg.Transport.Brokers, cfg.Transport.GroupID, topic)
					receiver := transport.NewReceiver(reader, deliver, logger)
					defer receiver.Close()
					return receiver.Run(ctx)
				})
			})
			fmt.Printf("Relaying packets under %s.*, receiving on %s\n", cfg.Transport.TopicPrefix, topic)
		} else {
			fmt.Println("No transport brokers configured; packets stay in the outbox")
		}

		if cfg.Indexer.Enabled {
			producer, err := export.NewProducer(cfg.Indexer.Brokers)
			if err != nil {
				return err
			}
			exporter := export.New(store, producer, export.Config{
				Topic:    cfg.Indexer.Topic,
				Interval: cfg.Indexer.Interval,
				IsLeader: isLeader,
			}, alerts, logger)
			exporter.Start(ctx)
			closers = append(closers, exporter.Close)
			fmt.Printf("Exporting record log to %s\n", cfg.Indexer.Topic)
		}

		if cfg.Legacy.Follow {
			goRun(func() {
				whileLeader(ctx, isLeader, "legacy follower", logger, func(ctx context.Context) error {
					follower := legacy.NewFollower(followerConfig(cfg), legacyReplayer(cfg, exec), alerts, logger)
					if err := follower.Initialize(ctx); err != nil {
						return err
					}
					return follower.Run(ctx)
				})
			})
		}

		server := api.NewServer(cfg.API.ListenAddr, api.NewHandler(book, exec, cfg.API.SignatureWindow, logger))
		server.Start()

		fmt.Println("sigcast node is running. Press Ctrl+C to stop.")
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = server.Shutdown(shutdownCtx)
		wg.Wait()
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		fmt.Println("sigcast node stopped")
		return nil
	},
}

func followerConfig(cfg *config.Config) legacy.FollowerConfig {
	return legacy.FollowerConfig{
		ConnString:            cfg.Legacy.Database.ConnectionString(),
		ReplicationConnString: cfg.Legacy.Database.ReplicationConnectionString(),
		Table:                 cfg.Legacy.Table,
		Publication:           cfg.Legacy.Publication,
		Slot:                  cfg.Legacy.Slot,
	}
}

// legacyReplayer replays each followed row as a batch of one through exec.
func legacyReplayer(cfg *config.Config, exec signbook.Executor) legacy.RecordFunc {
	return func(ctx context.Context, rec record.SignatureRecord) error {
		cmd, err := signbook.NewCommand(signbook.OpReplay, ownerCall(cfg),
			signbook.ReplayArgs{Records: []record.SignatureRecord{rec}})
		if err != nil {
			return err
		}
		_, err = exec.Execute(ctx, cmd)
		return err
	}
}

// whileLeader runs fn while this node leads, cancelling it when leadership is
// lost and restarting it once regained. It returns when ctx is done.
func whileLeader(ctx context.Context, isLeader func() bool, name string, logger *slog.Logger, fn func(context.Context) error) {
	ticker := time.NewTicker(leaderPollInterval)
	defer ticker.Stop()

	for {
		if isLeader() {
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- fn(runCtx) }()

			err := watchLeadership(runCtx, isLeader, done, ticker)
			cancel()
			if err == nil {
				err = <-done
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Leader task failed", "task", name, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchLeadership blocks until fn finishes (returning its error) or
// leadership is lost (returning nil so the caller drains done).
func watchLeadership(ctx context.Context, isLeader func() bool, done <-chan error, ticker *time.Ticker) error {
	for {
		select {
		case err := <-done:
			if err == nil {
				err = context.Canceled
			}
			return err
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !isLeader() {
				return nil
			}
		}
	}
}
