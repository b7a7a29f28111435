package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sigcast/sigcast/internal/record"
)

// BatchFunc receives records in table order. Returning an error stops the load.
type BatchFunc func(ctx context.Context, records []record.SignatureRecord) error

type Loader struct {
	connString string
	table      string
	logger     *slog.Logger
}

func NewLoader(connString, table string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{connString: connString, table: table, logger: logger}
}

func (l *Loader) query() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE id > $1 ORDER BY id",
		strings.Join(columns, ", "), pgx.Identifier{l.table}.Sanitize())
}

// Load streams every row with id > afterID to fn in chunks of chunkSize and
// returns the id of the last row handed over. A chunk that fails fn is not
// counted, so the returned id can be used to resume.
func (l *Loader) Load(ctx context.Context, afterID int64, chunkSize int, fn BatchFunc) (int64, error) {
	if chunkSize <= 0 {
		return afterID, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return afterID, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, l.query(), afterID)
	if err != nil {
		return afterID, fmt.Errorf("failed to query %s: %w", l.table, err)
	}
	defer rows.Close()

	return drain(ctx, rows, afterID, chunkSize, fn, l.logger)
}

type rowSource interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func drain(ctx context.Context, rows rowSource, lastID int64, chunkSize int, fn BatchFunc, logger *slog.Logger) (int64, error) {
	chunk := make([]record.SignatureRecord, 0, chunkSize)
	pendingID := lastID
	total := 0

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := fn(ctx, chunk); err != nil {
			return err
		}
		total += len(chunk)
		lastID = pendingID
		logger.Info("Replayed legacy chunk", "records", len(chunk), "last_id", lastID)
		chunk = make([]record.SignatureRecord, 0, chunkSize)
		return nil
	}

	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.Signer, &row.OriginChainID, &row.Name, &row.Message, &row.CreatedAt); err != nil {
			return lastID, fmt.Errorf("failed to scan row: %w", err)
		}
		rec, err := row.Record()
		if err != nil {
			return lastID, err
		}

		chunk = append(chunk, rec)
		pendingID = row.ID
		if len(chunk) == chunkSize {
			if err := flush(); err != nil {
				return lastID, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return lastID, fmt.Errorf("failed to read rows: %w", err)
	}
	if err := flush(); err != nil {
		return lastID, err
	}

	logger.Info("Legacy load complete", "records", total, "last_id", lastID)
	return lastID, nil
}
