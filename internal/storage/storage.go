package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	LogBucket      = []byte("log")
	PeersBucket    = []byte("peers")
	RegistryBucket = []byte("registry")
	OutboxBucket   = []byte("outbox")
	InboundBucket  = []byte("inbound")
	BalancesBucket = []byte("balances")
	AccountsBucket = []byte("accounts")
	MetadataBucket = []byte("metadata")
	RequestsBucket = []byte("requests")
)

var allBuckets = [][]byte{
	LogBucket,
	PeersBucket,
	RegistryBucket,
	OutboxBucket,
	InboundBucket,
	BalancesBucket,
	AccountsBucket,
	MetadataBucket,
	RequestsBucket,
}

// Storage is the host state of one chain. bbolt admits a single writer at a time,
// so every Update is one serialized, all-or-nothing state transition.
type Storage struct {
	mu   sync.RWMutex
	path string
	db   *bolt.DB
}

func New(path string) (*Storage, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	return &Storage{path: path, db: db}, nil
}

func open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (s *Storage) Path() string {
	return s.path
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Update runs fn in a read-write transaction. Returning an error discards every write made by fn.
func (s *Storage) Update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(fn)
}

// View runs fn against a consistent read-only snapshot.
func (s *Storage) View(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(fn)
}

// Snapshot writes a consistent copy of the whole database to w.
func (s *Storage) Snapshot(w io.Writer) error {
	return s.View(func(tx *bolt.Tx) error {
		if _, err := tx.WriteTo(w); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		return nil
	})
}

// Restore replaces the database with the snapshot read from r.
func (s *Storage) Restore(r io.Reader) error {
	tmpPath := s.path + ".restore"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create restore file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write restore file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close restore file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close database: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}

	db, err := open(s.path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.Update(func(tx *bolt.Tx) error {
		return PutMetadata(tx, key, value)
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.View(func(tx *bolt.Tx) error {
		v, ok := GetMetadata(tx, key)
		if !ok {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = v
		return nil
	})

	return value, err
}

func PutMetadata(tx *bolt.Tx, key, value string) error {
	return tx.Bucket(MetadataBucket).Put([]byte(key), []byte(value))
}

func GetMetadata(tx *bolt.Tx, key string) (string, bool) {
	data := tx.Bucket(MetadataBucket).Get([]byte(key))
	if data == nil {
		return "", false
	}
	return string(data), true
}
