// Package eventlog is the append-only public log of a chain.
//
// It is the only persistent artifact for signature records: nothing in sigcast
// reads records back to make decisions. Entries are keyed by a big-endian
// sequence number and linked by a SHA-256 hash chain so that an indexer (or
// `sigcast verify`) can detect rewritten history.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sigcast/sigcast/internal/hash"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

type Kind string

const (
	KindRecordPublished Kind = "RecordPublished"
	KindChainAdded      Kind = "ChainAdded"
	KindChainRemoved    Kind = "ChainRemoved"
)

type Event struct {
	Kind    Kind                    `json:"kind"`
	Record  *record.SignatureRecord `json:"record,omitempty"`
	ChainID uint32                  `json:"chain_id,omitempty"`
}

type Entry struct {
	Seq          uint64 `json:"seq"`
	Event        Event  `json:"event"`
	DataHash     string `json:"data_hash"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

type Log struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// RecordPublished emits a RecordPublished event carrying rec unchanged.
func (l *Log) RecordPublished(tx *bolt.Tx, rec record.SignatureRecord) error {
	_, err := l.Append(tx, Event{Kind: KindRecordPublished, Record: &rec})
	return err
}

func (l *Log) ChainAdded(tx *bolt.Tx, chainID uint32) error {
	_, err := l.Append(tx, Event{Kind: KindChainAdded, ChainID: chainID})
	return err
}

func (l *Log) ChainRemoved(tx *bolt.Tx, chainID uint32) error {
	_, err := l.Append(tx, Event{Kind: KindChainRemoved, ChainID: chainID})
	return err
}

// Append writes ev as the next entry. It becomes visible only if tx commits.
func (l *Log) Append(tx *bolt.Tx, ev Event) (*Entry, error) {
	bucket := tx.Bucket(storage.LogBucket)

	seq := uint64(1)
	previousHash := hash.Genesis
	if k, v := bucket.Cursor().Last(); k != nil {
		var last Entry
		if err := json.Unmarshal(v, &last); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log head: %w", err)
		}
		seq = last.Seq + 1
		previousHash = last.Hash
	}

	dataHash, err := hash.Calculate(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to hash event: %w", err)
	}

	entry := &Entry{
		Seq:          seq,
		Event:        ev,
		DataHash:     dataHash,
		PreviousHash: previousHash,
		Hash:         hash.Link(previousHash, dataHash),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if err := bucket.Put(SeqKey(seq), data); err != nil {
		return nil, fmt.Errorf("failed to append log entry: %w", err)
	}

	l.logger.Debug("Log entry appended", "seq", seq, "kind", ev.Kind)
	return entry, nil
}

// Scan calls fn for every entry with Seq >= from, in log order.
func Scan(tx *bolt.Tx, from uint64, fn func(*Entry) error) error {
	cursor := tx.Bucket(storage.LogBucket).Cursor()

	for k, v := cursor.Seek(SeqKey(from)); k != nil; k, v = cursor.Next() {
		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal log entry %d: %w", binary.BigEndian.Uint64(k), err)
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}

	return nil
}

// Head returns the sequence number and hash of the last entry, or (0, Genesis) for an empty log.
func Head(tx *bolt.Tx) (uint64, string, error) {
	k, v := tx.Bucket(storage.LogBucket).Cursor().Last()
	if k == nil {
		return 0, hash.Genesis, nil
	}

	var entry Entry
	if err := json.Unmarshal(v, &entry); err != nil {
		return 0, "", fmt.Errorf("failed to unmarshal log head: %w", err)
	}
	return entry.Seq, entry.Hash, nil
}

func SeqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
