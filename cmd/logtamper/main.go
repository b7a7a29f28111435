// Command logtamper rewrites one record log entry in place without fixing its
// hashes, for exercising `sigcast verify` and the integrity alert.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/sigcast/sigcast/internal/eventlog"
	"github.com/sigcast/sigcast/internal/storage"
	bolt "go.etcd.io/bbolt"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <sigcast-db-path> <seq>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool alters the log entry at <seq> and leaves its hashes untouched\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	seq, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil || seq == 0 {
		fmt.Fprintf(os.Stderr, "Invalid sequence number: %s\n", os.Args[2])
		os.Exit(1)
	}

	fmt.Printf("Opening database: %s\n", dbPath)
	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	err = store.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.LogBucket)
		key := eventlog.SeqKey(seq)

		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("no log entry at seq %d", seq)
		}

		var entry eventlog.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		fmt.Printf("Found %s entry (seq=%d)\n", entry.Event.Kind, entry.Seq)
		fmt.Printf("  Hash: %s...\n", entry.Hash[:32])

		if rec := entry.Event.Record; rec != nil {
			fmt.Printf("  Original message: %q\n", rec.Message)
			rec.Message += " (altered)"
			fmt.Printf("  Altered message: %q\n", rec.Message)
		} else {
			fmt.Printf("  Original chain id: %d\n", entry.Event.ChainID)
			entry.Event.ChainID++
			fmt.Printf("  Altered chain id: %d\n", entry.Event.ChainID)
		}

		altered, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal altered entry: %w", err)
		}
		if err := bucket.Put(key, altered); err != nil {
			return fmt.Errorf("failed to save altered entry: %w", err)
		}

		fmt.Println("✓ Successfully altered log entry")
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Log tampering completed. Run `sigcast verify` to detect it.")
}
