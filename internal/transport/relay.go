package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

// MessageWriter is the subset of *kafka.Writer used by the relay.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Alerter interface {
	SendSystemAlert(title, message, severity string) error
}

type RelayConfig struct {
	TopicPrefix string
	Interval    time.Duration
	BatchSize   int
	// IsLeader gates relaying in a cluster; nil means always relay.
	IsLeader func() bool
}

// Relay drains committed outbox packets to per-destination Kafka topics.
// Delivery is at-least-once; receivers discard GUIDs they have seen.
type Relay struct {
	store  *storage.Storage
	writer MessageWriter
	cfg    RelayConfig
	alerts Alerter
	logger *slog.Logger
}

func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func NewRelay(store *storage.Storage, writer MessageWriter, cfg RelayConfig, alerts Alerter, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sigcast.packets"
	}
	return &Relay{
		store:  store,
		writer: writer,
		cfg:    cfg,
		alerts: alerts,
		logger: logger,
	}
}

// TopicFor names the topic carrying packets addressed to eid.
func TopicFor(prefix string, eid uint32) string {
	return prefix + "." + strconv.FormatUint(uint64(eid), 10)
}

func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("Packet relay started", "interval", r.cfg.Interval, "topic_prefix", r.cfg.TopicPrefix)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.cfg.IsLeader != nil && !r.cfg.IsLeader() {
				continue
			}
			if _, err := r.RelayOnce(ctx); err != nil {
				r.logger.Error("Packet relay failed", "error", err)
				if r.alerts != nil {
					if alertErr := r.alerts.SendSystemAlert("Packet relay failed", err.Error(), "warning"); alertErr != nil {
						r.logger.Warn("Failed to send alert", "error", alertErr)
					}
				}
			}
		case <-ctx.Done():
			r.logger.Info("Packet relay stopped")
			return ctx.Err()
		}
	}
}

// RelayOnce publishes one batch of pending packets and returns how many were relayed.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var packets []Packet
	err := r.store.View(func(tx *bolt.Tx) error {
		var err error
		packets, err = Pending(tx, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}
	if len(packets) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(packets))
	for _, pkt := range packets {
		value, err := json.Marshal(pkt)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal packet: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: TopicFor(r.cfg.TopicPrefix, pkt.DstEid),
			Key:   pkt.GUID.Bytes(),
			Value: value,
			Time:  time.Now().UTC(),
		})
	}

	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("failed to write packets: %w", err)
	}

	err = r.store.Update(func(tx *bolt.Tx) error {
		for _, pkt := range packets {
			if err := MarkRelayed(tx, pkt.DstEid, pkt.Nonce); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance relay cursor: %w", err)
	}

	r.logger.Debug("Packets relayed", "count", len(packets))
	return len(packets), nil
}

func (r *Relay) Close() error {
	return r.writer.Close()
}
