package legacy

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pglogrepl"
	"github.com/sigcast/sigcast/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "0x00000000000000000000000000000000000a11ce"

func str(s string) *string { return &s }

func TestRowRecord(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		row     Row
		wantErr bool
	}{
		{name: "valid", row: Row{ID: 1, Signer: alice, OriginChainID: 7, Name: "alice", Message: "hi", CreatedAt: created}},
		{name: "bad signer", row: Row{ID: 2, Signer: "alice", OriginChainID: 7, CreatedAt: created}, wantErr: true},
		{name: "zero chain", row: Row{ID: 3, Signer: alice, OriginChainID: 0, CreatedAt: created}, wantErr: true},
		{name: "chain too large", row: Row{ID: 4, Signer: alice, OriginChainID: 1 << 33, CreatedAt: created}, wantErr: true},
		{name: "before epoch", row: Row{ID: 5, Signer: alice, OriginChainID: 7, CreatedAt: time.Unix(-10, 0)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := tt.row.Record()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, common.HexToAddress(alice), rec.Signer)
			assert.Equal(t, uint32(7), rec.OriginChainID)
			assert.Equal(t, "alice", rec.Name)
			assert.Equal(t, "hi", rec.Message)
			assert.Equal(t, uint64(created.Unix()), rec.Timestamp)
		})
	}
}

func TestRowFromText(t *testing.T) {
	row, err := rowFromText(map[string]*string{
		"id":              str("42"),
		"signer":          str(alice),
		"origin_chain_id": str("3"),
		"name":            str("alice"),
		"message":         str("gm"),
		"created_at":      str("2024-03-01 12:00:00.123456+00"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), row.ID)
	assert.Equal(t, int64(3), row.OriginChainID)
	assert.Equal(t, int64(1709294400), row.CreatedAt.Unix())

	_, err = rowFromText(map[string]*string{
		"signer":          str(alice),
		"origin_chain_id": str("3"),
		"name":            nil,
		"message":         str("gm"),
		"created_at":      str("2024-03-01 12:00:00"),
	})
	assert.Error(t, err, "null name must be rejected")
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{
		"2024-03-01 12:00:00+00",
		"2024-03-01 14:00:00+02:00",
		"2024-03-01 12:00:00",
		"2024-03-01T12:00:00Z",
	} {
		ts, err := parseTimestamp(s)
		require.NoError(t, err, s)
		assert.Equal(t, int64(1709294400), ts.Unix(), s)
	}

	_, err := parseTimestamp("yesterday")
	assert.Error(t, err)
}

type fakeRows struct {
	rows []Row
	pos  int
}

func (f *fakeRows) Next() bool {
	f.pos++
	return f.pos <= len(f.rows)
}

func (f *fakeRows) Scan(dest ...any) error {
	r := f.rows[f.pos-1]
	*dest[0].(*int64) = r.ID
	*dest[1].(*string) = r.Signer
	*dest[2].(*int64) = r.OriginChainID
	*dest[3].(*string) = r.Name
	*dest[4].(*string) = r.Message
	*dest[5].(*time.Time) = r.CreatedAt
	return nil
}

func (f *fakeRows) Err() error { return nil }

func legacyRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			ID:            int64(10 + i),
			Signer:        alice,
			OriginChainID: 5,
			Name:          "alice",
			Message:       "legacy",
			CreatedAt:     time.Unix(int64(1000+i), 0),
		}
	}
	return rows
}

func TestDrainChunks(t *testing.T) {
	var sizes []int
	var first record.SignatureRecord
	fn := func(_ context.Context, recs []record.SignatureRecord) error {
		if len(sizes) == 0 {
			first = recs[0]
		}
		sizes = append(sizes, len(recs))
		return nil
	}

	lastID, err := drain(context.Background(), &fakeRows{rows: legacyRows(5)}, 0, 2, fn, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, int64(14), lastID)
	assert.Equal(t, uint64(1000), first.Timestamp)
	assert.Equal(t, uint32(5), first.OriginChainID)
}

func TestDrainStopsOnBatchError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	fn := func(_ context.Context, recs []record.SignatureRecord) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}

	lastID, err := drain(context.Background(), &fakeRows{rows: legacyRows(5)}, 0, 2, fn, slog.Default())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(11), lastID, "only the first chunk was accepted")
}

func TestFollowerHandleInsert(t *testing.T) {
	var got []record.SignatureRecord
	f := NewFollower(FollowerConfig{Table: "signatures"}, func(_ context.Context, rec record.SignatureRecord) error {
		got = append(got, rec)
		return nil
	}, nil, nil)

	rel := &pglogrepl.RelationMessage{RelationID: 1, RelationName: "signatures"}
	for _, name := range columns {
		rel.Columns = append(rel.Columns, &pglogrepl.RelationMessageColumn{Name: name})
	}
	f.relations[1] = rel

	text := func(s string) *pglogrepl.TupleDataColumn {
		return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(s)}
	}
	insert := &pglogrepl.InsertMessage{
		RelationID: 1,
		Tuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
			text("7"), text(alice), text("9"), text("alice"), text("from postgres"), text("2024-03-01 12:00:00+00"),
		}},
	}

	require.NoError(t, f.handleInsert(context.Background(), insert))
	require.Len(t, got, 1)
	assert.Equal(t, uint32(9), got[0].OriginChainID)
	assert.Equal(t, "from postgres", got[0].Message)

	// Malformed rows are skipped rather than stalling the stream.
	insert.Tuple.Columns[1] = text("not-an-address")
	require.NoError(t, f.handleInsert(context.Background(), insert))
	assert.Len(t, got, 1)

	// Other tables in the publication are ignored.
	f.relations[2] = &pglogrepl.RelationMessage{RelationID: 2, RelationName: "other", Columns: rel.Columns}
	insert.RelationID = 2
	require.NoError(t, f.handleInsert(context.Background(), insert))
	assert.Len(t, got, 1)

	insert.RelationID = 99
	assert.Error(t, f.handleInsert(context.Background(), insert))
}

type walEntry struct {
	msg pglogrepl.Message
	end pglogrepl.LSN
}

// fakeWAL serves entries that end after the requested start position, the way
// a slot resumes a session.
type fakeWAL struct {
	entries   []walEntry
	starts    []pglogrepl.LSN
	confirmed []pglogrepl.LSN
}

type fakeStream struct {
	wal     *fakeWAL
	pending []walEntry
}

func (w *fakeWAL) dial(_ context.Context, start pglogrepl.LSN) (walStream, error) {
	w.starts = append(w.starts, start)
	s := &fakeStream{wal: w}
	for _, e := range w.entries {
		if e.end > start {
			s.pending = append(s.pending, e)
		}
	}
	return s, nil
}

func (s *fakeStream) Next(ctx context.Context) (pglogrepl.Message, pglogrepl.LSN, error) {
	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}
	if len(s.pending) == 0 {
		time.Sleep(time.Millisecond)
		return nil, 0, nil
	}
	e := s.pending[0]
	s.pending = s.pending[1:]
	return e.msg, e.end, nil
}

func (s *fakeStream) Confirm(_ context.Context, lsn pglogrepl.LSN) error {
	s.wal.confirmed = append(s.wal.confirmed, lsn)
	return nil
}

func (s *fakeStream) Close(context.Context) error { return nil }

func insertRow(id, message string) *pglogrepl.InsertMessage {
	text := func(s string) *pglogrepl.TupleDataColumn {
		return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(s)}
	}
	return &pglogrepl.InsertMessage{
		RelationID: 1,
		Tuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
			text(id), text(alice), text("9"), text("alice"), text(message), text("2024-03-01 12:00:00+00"),
		}},
	}
}

func TestFollowerRedeliversFailedRow(t *testing.T) {
	rel := &pglogrepl.RelationMessage{RelationID: 1, RelationName: "signatures"}
	for _, name := range columns {
		rel.Columns = append(rel.Columns, &pglogrepl.RelationMessageColumn{Name: name})
	}
	wal := &fakeWAL{entries: []walEntry{
		{msg: rel, end: 10},
		{msg: insertRow("1", "first"), end: 20},
		{msg: insertRow("2", "second"), end: 30},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		replayed []string
		failed   bool
	)
	f := NewFollower(FollowerConfig{Table: "signatures"}, func(_ context.Context, rec record.SignatureRecord) error {
		if rec.Message == "first" && !failed {
			failed = true
			return errors.New("not leader")
		}
		replayed = append(replayed, rec.Message)
		if len(replayed) == 2 {
			cancel()
		}
		return nil
	}, nil, slog.Default())
	f.dial = wal.dial
	f.backoff = time.Millisecond

	require.NoError(t, f.Run(ctx))

	assert.Equal(t, []string{"first", "second"}, replayed)
	require.GreaterOrEqual(t, len(wal.starts), 2)
	assert.Equal(t, pglogrepl.LSN(0), wal.starts[0])
	assert.Equal(t, pglogrepl.LSN(10), wal.starts[1], "session resumes before the failed row")
	assert.Equal(t, pglogrepl.LSN(30), f.lsn)
}
