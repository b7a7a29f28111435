// Package export streams the public record log to an indexer topic.
//
// The exporter keeps its own cursor (the last acknowledged sequence number) in
// the metadata bucket and only advances it after Kafka acknowledges an entry,
// so an indexer sees every entry at least once and in log order.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sigcast/sigcast/internal/eventlog"
	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

const cursorKey = "export:cursor"

var errBatchFull = errors.New("batch full")

type Alerter interface {
	SendDeliveryAlert(component string, err error) error
}

type Config struct {
	Topic     string
	Interval  time.Duration
	BatchSize int
	// IsLeader gates exports in cluster mode. Nil means always export.
	IsLeader func() bool
}

type Exporter struct {
	store    *storage.Storage
	producer sarama.SyncProducer
	cfg      Config
	alerts   Alerter
	logger   *slog.Logger
	failing  bool
}

// NewProducer returns a sync producer that waits for all in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

func New(store *storage.Storage, producer sarama.SyncProducer, cfg Config, alerts Alerter, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "sigcast.log"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Exporter{
		store:    store,
		producer: producer,
		cfg:      cfg,
		alerts:   alerts,
		logger:   logger,
	}
}

func (e *Exporter) Start(ctx context.Context) {
	e.logger.Info("Log exporter started", "topic", e.cfg.Topic, "interval", e.cfg.Interval)

	go func() {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e.cfg.IsLeader != nil && !e.cfg.IsLeader() {
					continue
				}
				e.tick(ctx)
			}
		}
	}()
}

func (e *Exporter) tick(ctx context.Context) {
	n, err := e.ExportOnce(ctx)
	if err != nil {
		e.logger.Error("Log export failed", "error", err)
		if !e.failing && e.alerts != nil {
			if alertErr := e.alerts.SendDeliveryAlert("exporter", err); alertErr != nil {
				e.logger.Warn("Failed to send alert", "error", alertErr)
			}
		}
		e.failing = true
		return
	}

	if e.failing {
		e.logger.Info("Log export recovered")
		e.failing = false
	}
	if n > 0 {
		e.logger.Debug("Exported log entries", "count", n)
	}
}

// Cursor returns the sequence number of the last exported entry.
func (e *Exporter) Cursor() (uint64, error) {
	var cursor uint64
	err := e.store.View(func(tx *bolt.Tx) error {
		var err error
		cursor, err = readCursor(tx)
		return err
	})
	return cursor, err
}

// ExportOnce publishes up to one batch of entries after the cursor and
// returns how many were acknowledged.
func (e *Exporter) ExportOnce(ctx context.Context) (int, error) {
	var entries []*eventlog.Entry

	err := e.store.View(func(tx *bolt.Tx) error {
		cursor, err := readCursor(tx)
		if err != nil {
			return err
		}
		err = eventlog.Scan(tx, cursor+1, func(entry *eventlog.Entry) error {
			entries = append(entries, entry)
			if len(entries) >= e.cfg.BatchSize {
				return errBatchFull
			}
			return nil
		})
		if errors.Is(err, errBatchFull) {
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read log: %w", err)
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		value, err := json.Marshal(entry)
		if err != nil {
			return i, fmt.Errorf("failed to marshal entry %d: %w", entry.Seq, err)
		}

		msg := &sarama.ProducerMessage{
			Topic: e.cfg.Topic,
			Key:   sarama.StringEncoder(strconv.FormatUint(entry.Seq, 10)),
			Value: sarama.ByteEncoder(value),
		}
		if _, _, err := e.producer.SendMessage(msg); err != nil {
			return i, fmt.Errorf("failed to publish entry %d: %w", entry.Seq, err)
		}

		if err := e.advance(entry.Seq); err != nil {
			return i, err
		}
	}

	return len(entries), nil
}

func (e *Exporter) advance(seq uint64) error {
	return e.store.Update(func(tx *bolt.Tx) error {
		if err := storage.PutMetadata(tx, cursorKey, strconv.FormatUint(seq, 10)); err != nil {
			return fmt.Errorf("failed to advance export cursor: %w", err)
		}
		return nil
	})
}

func (e *Exporter) Close() error {
	return e.producer.Close()
}

func readCursor(tx *bolt.Tx) (uint64, error) {
	v, ok := storage.GetMetadata(tx, cursorKey)
	if !ok {
		return 0, nil
	}
	cursor, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid export cursor %q: %w", v, err)
	}
	return cursor, nil
}
