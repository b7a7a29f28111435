package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/raft"
	"github.com/sigcast/sigcast/internal/signbook"
	"github.com/sigcast/sigcast/internal/storage"
)

// FSM applies committed signbook commands to the local chain state.
type FSM struct {
	book   signbook.Executor
	store  *storage.Storage
	logger *slog.Logger
}

func NewFSM(book signbook.Executor, store *storage.Storage, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		book:   book,
		store:  store,
		logger: logger,
	}
}

// Apply never returns a bare error: operation failures are part of the
// replicated outcome and must not stop the log.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd signbook.Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		f.logger.Error("Failed to decode command", "index", log.Index, "error", err)
		return &ApplyResult{Err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	outcome, err := f.book.Execute(context.Background(), cmd)
	if err != nil {
		f.logger.Debug("Command rejected", "index", log.Index, "op", cmd.Op, "error", err)
	}
	return &ApplyResult{Outcome: outcome, Err: err}
}

// Snapshot copies the whole database. Raft may call Apply while Persist runs,
// so the copy is taken here rather than in Persist.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var buf bytes.Buffer
	if err := f.store.Snapshot(&buf); err != nil {
		return nil, fmt.Errorf("failed to snapshot storage: %w", err)
	}
	return &fsmSnapshot{data: buf.Bytes()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	if err := f.store.Restore(rc); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	f.logger.Info("State restored from snapshot", "path", f.store.Path())
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
