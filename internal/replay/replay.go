// Package replay republishes historical records sourced outside the chain set.
// Replayed records are logged locally only: no broadcast and no fee.
package replay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sigcast/sigcast/internal/record"
	bolt "go.etcd.io/bbolt"
)

const DefaultBatchSize = 500

var ErrEmptyBatch = errors.New("replay batch is empty")

type Publisher interface {
	RecordPublished(tx *bolt.Tx, rec record.SignatureRecord) error
}

type Replayer struct {
	publisher Publisher
	logger    *slog.Logger
}

func New(publisher Publisher, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{publisher: publisher, logger: logger}
}

// Replay publishes records unchanged and in order.
func (r *Replayer) Replay(tx *bolt.Tx, records []record.SignatureRecord) error {
	if len(records) == 0 {
		return ErrEmptyBatch
	}

	for i, rec := range records {
		if err := r.publisher.RecordPublished(tx, rec); err != nil {
			return fmt.Errorf("failed to replay record %d: %w", i, err)
		}
	}

	r.logger.Info("Historical records replayed", "count", len(records))
	return nil
}

// Chunk splits records into batches of at most size, preserving order.
func Chunk(records []record.SignatureRecord, size int) [][]record.SignatureRecord {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var batches [][]record.SignatureRecord
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}
