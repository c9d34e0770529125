package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/funnel/internal/canon"
)

// Operation is the last mutation applied to a versioned record.
type Operation string

const (
	OpInsert Operation = "I"
	OpUpdate Operation = "U"
	OpDelete Operation = "D"
)

// Outcome classifies what an Upsert or Delete did.
type Outcome string

const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	Deleted   Outcome = "deleted"
)

// Record is one version of a keyed JSON document.
// Seq and ArchivedAt are set only for archive rows.
type Record struct {
	Table      string          `json:"table"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Hash       string          `json:"hash"`
	Operation  Operation       `json:"operation"`
	Moment     time.Time       `json:"moment"`
	Seq        int64           `json:"seq,omitempty"`
	ArchivedAt time.Time       `json:"archived_at,omitzero"`
}

// Document decodes the payload into a canonical document tree.
func (r Record) Document() (any, error) {
	return canon.Decode(r.Payload)
}

// Change is the result of a versioned write.
// Old is nil for Inserted; New is nil for Deleted; Diff is set for Updated.
type Change struct {
	Outcome Outcome
	Table   string
	ID      string
	Hash    string
	Old     any
	New     any
	Diff    []canon.Change
}

// Upsert stores payload as the current version of (table, id).
//
// The payload is hashed over its canonical form. A new id is inserted; a
// differing hash archives the old row verbatim and replaces the live row in
// one transaction; an identical hash writes nothing and reports Unchanged.
// The replace is guarded by the old hash, so a concurrent writer makes this
// call fail with ErrConcurrentUpdate instead of losing an archive entry.
func (s *Store) Upsert(ctx context.Context, table, id string, payload any) (Change, error) {
	doc, err := canon.Normalize(payload)
	if err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: %w", table, id, err)
	}
	body, err := canon.Marshal(doc)
	if err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: %w", table, id, err)
	}
	hash, err := canon.ContentHash(doc)
	if err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: %w", table, id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: begin tx: %w", table, id, err)
	}
	defer tx.Rollback()

	current, err := s.liveRecord(ctx, tx, table, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Change{}, fmt.Errorf("upsert %s/%s: %w", table, id, err)
	}
	now := s.clock()

	if errors.Is(err, ErrNotFound) {
		res, err := tx.ExecContext(ctx, s.Rebind(`
			INSERT INTO live_records (tbl, id, payload, hash, operation, moment)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (tbl, id) DO NOTHING
		`), table, id, string(body), hash, string(OpInsert), now)
		if err != nil {
			return Change{}, fmt.Errorf("upsert %s/%s: insert: %w", table, id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return Change{}, fmt.Errorf("upsert %s/%s: rows affected: %w", table, id, err)
		} else if n == 0 {
			return Change{}, fmt.Errorf("upsert %s/%s: %w", table, id, ErrConcurrentUpdate)
		}
		if err := tx.Commit(); err != nil {
			return Change{}, fmt.Errorf("upsert %s/%s: commit: %w", table, id, err)
		}
		return Change{Outcome: Inserted, Table: table, ID: id, Hash: hash, New: doc}, nil
	}

	if current.Hash == hash {
		return Change{Outcome: Unchanged, Table: table, ID: id, Hash: hash, New: doc}, nil
	}

	oldDoc, err := current.Document()
	if err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: decode stored payload: %w", table, id, err)
	}

	if err := s.archiveLive(ctx, tx, table, id, "", now); err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: %w", table, id, err)
	}

	res, err := tx.ExecContext(ctx, s.Rebind(`
		UPDATE live_records
		SET payload = ?, hash = ?, operation = ?, moment = ?
		WHERE tbl = ? AND id = ? AND hash = ?
	`), string(body), hash, string(OpUpdate), now, table, id, current.Hash)
	if err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: update: %w", table, id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: rows affected: %w", table, id, err)
	} else if n == 0 {
		return Change{}, fmt.Errorf("upsert %s/%s: %w", table, id, ErrConcurrentUpdate)
	}

	if err := tx.Commit(); err != nil {
		return Change{}, fmt.Errorf("upsert %s/%s: commit: %w", table, id, err)
	}

	return Change{
		Outcome: Updated,
		Table:   table,
		ID:      id,
		Hash:    hash,
		Old:     oldDoc,
		New:     doc,
		Diff:    canon.Diff(oldDoc, doc),
	}, nil
}

// Delete removes the live row for (table, id).
// The archive receives the row as it was and then a copy stamped with
// operation D and the deletion moment.
func (s *Store) Delete(ctx context.Context, table, id string) (Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, fmt.Errorf("delete %s/%s: begin tx: %w", table, id, err)
	}
	defer tx.Rollback()

	current, err := s.liveRecord(ctx, tx, table, id)
	if err != nil {
		return Change{}, fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	oldDoc, err := current.Document()
	if err != nil {
		return Change{}, fmt.Errorf("delete %s/%s: decode stored payload: %w", table, id, err)
	}

	now := s.clock()
	if err := s.archiveLive(ctx, tx, table, id, "", now); err != nil {
		return Change{}, fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	if err := s.archiveLive(ctx, tx, table, id, OpDelete, now); err != nil {
		return Change{}, fmt.Errorf("delete %s/%s: %w", table, id, err)
	}

	res, err := tx.ExecContext(ctx, s.Rebind(`
		DELETE FROM live_records WHERE tbl = ? AND id = ? AND hash = ?
	`), table, id, current.Hash)
	if err != nil {
		return Change{}, fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Change{}, fmt.Errorf("delete %s/%s: rows affected: %w", table, id, err)
	} else if n == 0 {
		return Change{}, fmt.Errorf("delete %s/%s: %w", table, id, ErrConcurrentUpdate)
	}

	if err := tx.Commit(); err != nil {
		return Change{}, fmt.Errorf("delete %s/%s: commit: %w", table, id, err)
	}
	return Change{Outcome: Deleted, Table: table, ID: id, Hash: current.Hash, Old: oldDoc}, nil
}

// Get returns the live version of (table, id) or ErrNotFound.
func (s *Store) Get(ctx context.Context, table, id string) (Record, error) {
	rec, err := s.liveRecord(ctx, s.db, table, id)
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return rec, nil
}

// History returns the archived versions of (table, id), oldest first.
// Ordering is by moment with the archive sequence as tiebreaker.
func (s *Store) History(ctx context.Context, table, id string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT seq, tbl, id, payload, hash, operation, moment, archived_at
		FROM archive_records
		WHERE tbl = ? AND id = ?
		ORDER BY moment ASC, seq ASC
	`), table, id)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", table, id, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			payload []byte
			op      string
		)
		if err := rows.Scan(&rec.Seq, &rec.Table, &rec.ID, &payload, &rec.Hash, &op, &rec.Moment, &rec.ArchivedAt); err != nil {
			return nil, fmt.Errorf("history %s/%s: scan: %w", table, id, err)
		}
		rec.Payload = json.RawMessage(payload)
		rec.Operation = Operation(op)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", table, id, err)
	}
	return out, nil
}

// LiveIDs returns every live id of table in ascending order.
func (s *Store) LiveIDs(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT id FROM live_records WHERE tbl = ? ORDER BY id ASC
	`), table)
	if err != nil {
		return nil, fmt.Errorf("live ids %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("live ids %s: scan: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("live ids %s: %w", table, err)
	}
	return ids, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) liveRecord(ctx context.Context, q querier, table, id string) (Record, error) {
	var (
		rec     Record
		payload []byte
		op      string
	)
	err := q.QueryRowContext(ctx, s.Rebind(`
		SELECT tbl, id, payload, hash, operation, moment
		FROM live_records
		WHERE tbl = ? AND id = ?
	`), table, id).Scan(&rec.Table, &rec.ID, &payload, &rec.Hash, &op, &rec.Moment)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.Operation = Operation(op)
	return rec, nil
}

// archiveLive copies the live row into archive_records. An empty op copies
// the row verbatim; otherwise operation and moment are overridden.
func (s *Store) archiveLive(ctx context.Context, tx *sql.Tx, table, id string, op Operation, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if op == "" {
		res, err = tx.ExecContext(ctx, s.Rebind(`
			INSERT INTO archive_records (tbl, id, payload, hash, operation, moment, archived_at)
			SELECT tbl, id, payload, hash, operation, moment, ` + s.tsParam() + `
			FROM live_records WHERE tbl = ? AND id = ?
		`), now, table, id)
	} else {
		res, err = tx.ExecContext(ctx, s.Rebind(`
			INSERT INTO archive_records (tbl, id, payload, hash, operation, moment, archived_at)
			SELECT tbl, id, payload, hash, ` + s.textParam() + `, ` + s.tsParam() + `, ` + s.tsParam() + `
			FROM live_records WHERE tbl = ? AND id = ?
		`), string(op), now, now, table, id)
	}
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("archive: rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("archive: %w", ErrConcurrentUpdate)
	}
	return nil
}
