// Package legacy reads signature records out of a pre-existing Postgres table so
// they can be replayed into a chain's public log.
//
// The table is expected to carry at least the columns
// (id, signer, origin_chain_id, name, message, created_at).
package legacy

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/record"
)

var columns = []string{"id", "signer", "origin_chain_id", "name", "message", "created_at"}

type Row struct {
	ID            int64
	Signer        string
	OriginChainID int64
	Name          string
	Message       string
	CreatedAt     time.Time
}

// Record converts the row, keeping every field as stored.
func (r Row) Record() (record.SignatureRecord, error) {
	if !common.IsHexAddress(r.Signer) {
		return record.SignatureRecord{}, fmt.Errorf("row %d: invalid signer %q", r.ID, r.Signer)
	}
	if r.OriginChainID <= 0 || r.OriginChainID > math.MaxUint32 {
		return record.SignatureRecord{}, fmt.Errorf("row %d: origin_chain_id %d out of range", r.ID, r.OriginChainID)
	}
	if r.CreatedAt.Before(time.Unix(0, 0)) {
		return record.SignatureRecord{}, fmt.Errorf("row %d: created_at before epoch", r.ID)
	}

	return record.New(common.HexToAddress(r.Signer), uint32(r.OriginChainID), r.Name, r.Message, r.CreatedAt), nil
}

// Postgres text output for timestamp and timestamptz columns.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

// rowFromText builds a Row from text-format column values, as delivered by
// logical replication.
func rowFromText(values map[string]*string) (Row, error) {
	var row Row

	get := func(col string) (string, error) {
		v, ok := values[col]
		if !ok || v == nil {
			return "", fmt.Errorf("column %s is missing or null", col)
		}
		return *v, nil
	}

	if v, ok := values["id"]; ok && v != nil {
		id, err := strconv.ParseInt(*v, 10, 64)
		if err != nil {
			return row, fmt.Errorf("invalid id %q: %w", *v, err)
		}
		row.ID = id
	}

	var err error
	if row.Signer, err = get("signer"); err != nil {
		return row, err
	}
	if row.Name, err = get("name"); err != nil {
		return row, err
	}
	if row.Message, err = get("message"); err != nil {
		return row, err
	}

	chain, err := get("origin_chain_id")
	if err != nil {
		return row, err
	}
	if row.OriginChainID, err = strconv.ParseInt(chain, 10, 64); err != nil {
		return row, fmt.Errorf("invalid origin_chain_id %q: %w", chain, err)
	}

	created, err := get("created_at")
	if err != nil {
		return row, err
	}
	if row.CreatedAt, err = parseTimestamp(created); err != nil {
		return row, err
	}

	return row, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid created_at %q", s)
}
