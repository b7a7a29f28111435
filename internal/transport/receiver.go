package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader used by the receiver.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Deliverer applies a verified inbound packet to local state.
type Deliverer interface {
	Deliver(ctx context.Context, pkt Packet) error
}

type DelivererFunc func(ctx context.Context, pkt Packet) error

func (f DelivererFunc) Deliver(ctx context.Context, pkt Packet) error {
	return f(ctx, pkt)
}

const maxDeliveryAttempts = 5

type Receiver struct {
	reader  MessageReader
	handler Deliverer
	backoff time.Duration
	logger  *slog.Logger
}

func NewKafkaReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
}

func NewReceiver(reader MessageReader, handler Deliverer, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		reader:  reader,
		handler: handler,
		backoff: 200 * time.Millisecond,
		logger:  logger,
	}
}

// Rejected reports whether err means the packet can never be delivered.
func Rejected(err error) bool {
	return errors.Is(err, ErrUnknownSender) ||
		errors.Is(err, ErrWrongDestination) ||
		errors.Is(err, ErrDuplicatePacket) ||
		errors.Is(err, errMalformedPacket)
}

var errMalformedPacket = errors.New("malformed packet")

// Run consumes packets until ctx is cancelled. An offset is committed only once
// its packet is delivered or rejected. A packet that still fails after every
// retry stops the receiver uncommitted, so the next run reads it again.
func (r *Receiver) Run(ctx context.Context) error {
	r.logger.Info("Packet receiver started")

	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("Packet receiver stopped")
				return ctx.Err()
			}
			return fmt.Errorf("failed to read packet: %w", err)
		}

		if err := r.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !Rejected(err) {
				return fmt.Errorf("failed to deliver packet at %s offset %d: %w", msg.Topic, msg.Offset, err)
			}
			r.logger.Warn("Packet rejected", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}

		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (r *Receiver) handle(ctx context.Context, msg kafka.Message) error {
	var pkt Packet
	if err := json.Unmarshal(msg.Value, &pkt); err != nil {
		return fmt.Errorf("%w: %v", errMalformedPacket, err)
	}

	backoff := r.backoff
	var err error
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		err = r.handler.Deliver(ctx, pkt)
		if err == nil || Rejected(err) {
			return err
		}

		r.logger.Debug("Retrying packet delivery", "guid", pkt.GUID.Hex(), "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (r *Receiver) Close() error {
	return r.reader.Close()
}
