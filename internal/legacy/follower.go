package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sigcast/sigcast/internal/record"
)

const (
	outputPlugin   = "pgoutput"
	receiveTimeout = 10 * time.Second
	maxBackoff     = 30 * time.Second
)

// RecordFunc is called once per inserted legacy row.
type RecordFunc func(ctx context.Context, rec record.SignatureRecord) error

type Alerter interface {
	SendSystemAlert(title, message, severity string) error
}

type FollowerConfig struct {
	ConnString            string
	ReplicationConnString string
	Table                 string
	Publication           string
	Slot                  string
}

// Follower tails inserts on the legacy table through logical replication.
//
// The confirmed WAL position only moves past a change once it has been
// handled. When a row fails, the stream is torn down and restarted from the
// last confirmed position, so the row is delivered again.
type Follower struct {
	cfg       FollowerConfig
	dial      func(ctx context.Context, start pglogrepl.LSN) (walStream, error)
	relations map[uint32]*pglogrepl.RelationMessage
	handle    RecordFunc
	alerts    Alerter
	logger    *slog.Logger
	backoff   time.Duration
	lsn       pglogrepl.LSN
}

// walStream yields decoded logical replication messages. Next returns a nil
// message when nothing arrived before the receive timeout.
type walStream interface {
	Next(ctx context.Context) (pglogrepl.Message, pglogrepl.LSN, error)
	Confirm(ctx context.Context, lsn pglogrepl.LSN) error
	Close(ctx context.Context) error
}

func NewFollower(cfg FollowerConfig, handle RecordFunc, alerts Alerter, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Follower{
		cfg:       cfg,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		handle:    handle,
		alerts:    alerts,
		logger:    logger,
		backoff:   time.Second,
	}
	f.dial = f.startReplication
	return f
}

// Initialize creates the publication and replication slot if they are missing.
func (f *Follower) Initialize(ctx context.Context) error {
	if err := f.ensurePublication(ctx); err != nil {
		return err
	}

	conn, err := pgconn.Connect(ctx, f.cfg.ReplicationConnString)
	if err != nil {
		return fmt.Errorf("failed to connect for replication: %w", err)
	}
	defer conn.Close(context.Background())

	result, err := pglogrepl.CreateReplicationSlot(ctx, conn, f.cfg.Slot, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); !ok || pgErr.Code != "42710" {
			return fmt.Errorf("failed to create replication slot: %w", err)
		}
		return nil
	}
	f.logger.Info("Created replication slot", "slot", result.SlotName, "lsn", result.ConsistentPoint)
	return nil
}

func (f *Follower) ensurePublication(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, f.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		f.cfg.Publication,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}
	if exists {
		return nil
	}

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s WITH (publish = 'insert')",
		pgx.Identifier{f.cfg.Publication}.Sanitize(), pgx.Identifier{f.cfg.Table}.Sanitize()))
	if err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}
	f.logger.Info("Created publication", "publication", f.cfg.Publication, "table", f.cfg.Table)
	return nil
}

// Run streams changes until ctx is cancelled. Any failure, including a row the
// handler could not replay, restarts the stream from the last confirmed
// position after an exponential backoff.
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Info("Following legacy table", "table", f.cfg.Table, "slot", f.cfg.Slot)

	errorCount := 0
	for {
		before := f.lsn
		err := f.follow(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if f.lsn != before {
			errorCount = 0
		}

		errorCount++
		backoff := f.backoff << min(errorCount, 5)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		f.logger.Error("Legacy replication interrupted", "error", err, "resume_lsn", f.lsn, "retry_in", backoff)
		if f.alerts != nil {
			_ = f.alerts.SendSystemAlert("Legacy Replication Failing",
				fmt.Sprintf("Replication stopped: %v. Resuming from %s in %v.", err, f.lsn, backoff), "danger")
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

// follow runs one replication session starting at the confirmed position.
func (f *Follower) follow(ctx context.Context) error {
	stream, err := f.dial(ctx, f.lsn)
	if err != nil {
		return err
	}
	defer stream.Close(context.Background())

	for {
		msg, end, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			if err := stream.Confirm(ctx, f.lsn); err != nil {
				return err
			}
			continue
		}
		if err := f.apply(ctx, msg); err != nil {
			return err
		}
		f.lsn = end
	}
}

func (f *Follower) apply(ctx context.Context, msg pglogrepl.Message) error {
	switch msg := msg.(type) {
	case *pglogrepl.RelationMessage:
		f.relations[msg.RelationID] = msg
	case *pglogrepl.InsertMessage:
		return f.handleInsert(ctx, msg)
	}
	return nil
}

func (f *Follower) handleInsert(ctx context.Context, msg *pglogrepl.InsertMessage) error {
	rel, ok := f.relations[msg.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}
	if rel.RelationName != f.cfg.Table {
		return nil
	}

	row, err := rowFromText(tupleValues(rel, msg.Tuple))
	if err != nil {
		f.logger.Warn("Skipping malformed legacy row", "error", err)
		return nil
	}
	rec, err := row.Record()
	if err != nil {
		f.logger.Warn("Skipping malformed legacy row", "error", err)
		return nil
	}

	if err := f.handle(ctx, rec); err != nil {
		return fmt.Errorf("failed to replay legacy row %d: %w", row.ID, err)
	}
	f.logger.Debug("Replayed legacy row", "id", row.ID, "record", rec.String())
	return nil
}

func tupleValues(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]*string {
	values := make(map[string]*string)
	if tuple == nil {
		return values
	}

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[name] = nil
		case pglogrepl.TupleDataTypeText:
			s := string(col.Data)
			values[name] = &s
		}
	}

	return values
}

type pgStream struct {
	conn *pgconn.PgConn
}

func (f *Follower) startReplication(ctx context.Context, start pglogrepl.LSN) (walStream, error) {
	conn, err := pgconn.Connect(ctx, f.cfg.ReplicationConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for replication: %w", err)
	}

	err = pglogrepl.StartReplication(ctx, conn, f.cfg.Slot, start, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", f.cfg.Publication),
		},
	})
	if err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("failed to start replication: %w", err)
	}
	return &pgStream{conn: conn}, nil
}

func (s *pgStream) Next(ctx context.Context) (pglogrepl.Message, pglogrepl.LSN, error) {
	rctx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()

	msg, err := s.conn.ReceiveMessage(rctx)
	if err != nil {
		if pgconn.Timeout(err) && ctx.Err() == nil {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.ErrorResponse:
		return nil, 0, fmt.Errorf("replication error: %w", pgconn.ErrorResponseToPgError(msg))
	case *pgproto3.CopyData:
		if len(msg.Data) == 0 {
			return nil, 0, nil
		}
		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			if _, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:]); err != nil {
				return nil, 0, fmt.Errorf("failed to parse keepalive: %w", err)
			}
			return nil, 0, nil

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return nil, 0, fmt.Errorf("failed to parse xlog data: %w", err)
			}
			logical, err := pglogrepl.Parse(xld.WALData)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to parse logical replication message: %w", err)
			}
			return logical, xld.WALStart + pglogrepl.LSN(len(xld.WALData)), nil
		}
	}
	return nil, 0, nil
}

func (s *pgStream) Confirm(ctx context.Context, lsn pglogrepl.LSN) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
	})
}

func (s *pgStream) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
