package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agoraverse/agora/internal/domain"
)

// AppendEvent atomically appends an event and returns it with sequence and
// integrity hashes set.
func (s *Store) AppendEvent(ctx context.Context, evt domain.Event) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Event{}, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)

	var lastSeq uint64
	prevHash := ""
	row := tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM events ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("load previous event: %w", err)
	}
	evt.Seq = lastSeq + 1

	hash, err := domain.EventHash(evt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("compute event hash: %w", err)
	}
	evt.Hash = hash

	chainHash, err := domain.ChainHash(evt, prevHash)
	if err != nil {
		return domain.Event{}, fmt.Errorf("compute chain hash: %w", err)
	}
	evt.ChainHash = chainHash

	fieldsJSON := "{}"
	if len(evt.Fields) > 0 {
		encoded, err := json.Marshal(evt.Fields)
		if err != nil {
			return domain.Event{}, fmt.Errorf("encode event fields: %w", err)
		}
		fieldsJSON = string(encoded)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (seq, event_type, timestamp, fields, hash, chain_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		evt.Seq, evt.Type, toMillis(evt.Timestamp), fieldsJSON, evt.Hash, evt.ChainHash,
	); err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, fmt.Errorf("commit event: %w", err)
	}
	return evt, nil
}

// ListEvents returns events with Seq > afterSeq, oldest first.
func (s *Store) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := `SELECT seq, event_type, timestamp, fields, hash, chain_hash
		 FROM events WHERE seq > ? ORDER BY seq ASC`
	args := []any{afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var evt domain.Event
		var timestamp int64
		var fieldsJSON string
		if err := rows.Scan(&evt.Seq, &evt.Type, &timestamp, &fieldsJSON, &evt.Hash, &evt.ChainHash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Timestamp = fromMillis(timestamp)
		if fieldsJSON != "" && fieldsJSON != "{}" {
			if err := json.Unmarshal([]byte(fieldsJSON), &evt.Fields); err != nil {
				return nil, fmt.Errorf("decode event fields: %w", err)
			}
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
