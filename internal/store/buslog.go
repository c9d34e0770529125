package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LogMessage is one entry of the store-backed bus log.
type LogMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// AppendMessage appends value to the partition log and returns its offset.
// Offsets are dense per (topic, partition) and start at zero. Two writers
// racing for the same offset make the loser fail with ErrConcurrentUpdate.
func (s *Store) AppendMessage(ctx context.Context, topic string, partition int, key string, value []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append message: begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx, s.Rebind(`
		SELECT COALESCE(MAX(msg_offset) + 1, 0)
		FROM bus_messages
		WHERE topic = ? AND partition_no = ?
	`), topic, partition).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("append message: next offset: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.Rebind(`
		INSERT INTO bus_messages (topic, partition_no, msg_offset, msg_key, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), topic, partition, next, key, value, s.clock())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("append message %s/%d: %w", topic, partition, ErrConcurrentUpdate)
		}
		return 0, fmt.Errorf("append message %s/%d: %w", topic, partition, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append message: commit: %w", err)
	}
	return next, nil
}

// ReadMessages returns up to limit messages of one partition starting at
// fromOffset, in offset order.
func (s *Store) ReadMessages(ctx context.Context, topic string, partition int, fromOffset int64, limit int) ([]LogMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT topic, partition_no, msg_offset, msg_key, value, created_at
		FROM bus_messages
		WHERE topic = ? AND partition_no = ? AND msg_offset >= ?
		ORDER BY msg_offset ASC
		LIMIT ?
	`), topic, partition, fromOffset, limit)
	if err != nil {
		return nil, fmt.Errorf("read messages %s/%d: %w", topic, partition, err)
	}
	defer rows.Close()

	var out []LogMessage
	for rows.Next() {
		var m LogMessage
		if err := rows.Scan(&m.Topic, &m.Partition, &m.Offset, &m.Key, &m.Value, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("read messages %s/%d: scan: %w", topic, partition, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages %s/%d: %w", topic, partition, err)
	}
	return out, nil
}

// CommittedOffset returns the next offset the group should read from a
// partition; zero when the group never committed.
func (s *Store) CommittedOffset(ctx context.Context, group, topic string, partition int) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT next_offset FROM bus_offsets
		WHERE group_id = ? AND topic = ? AND partition_no = ?
	`), group, topic, partition).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("committed offset %s/%s/%d: %w", group, topic, partition, err)
	}
	return next, nil
}

// CommitOffset records next as the group's read position for a partition.
// Positions only move forward; committing an older offset is a no-op.
func (s *Store) CommitOffset(ctx context.Context, group, topic string, partition int, next int64) error {
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO bus_offsets (group_id, topic, partition_no, next_offset, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (group_id, topic, partition_no) DO UPDATE
		SET next_offset = excluded.next_offset, updated_at = excluded.updated_at
		WHERE excluded.next_offset > bus_offsets.next_offset
	`), group, topic, partition, next, s.clock())
	if err != nil {
		return fmt.Errorf("commit offset %s/%s/%d: %w", group, topic, partition, err)
	}
	return nil
}

// PartitionEnds returns the next offset to be written for each partition of
// topic that has at least one message.
func (s *Store) PartitionEnds(ctx context.Context, topic string) (map[int]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT partition_no, MAX(msg_offset) + 1
		FROM bus_messages
		WHERE topic = ?
		GROUP BY partition_no
	`), topic)
	if err != nil {
		return nil, fmt.Errorf("partition ends %s: %w", topic, err)
	}
	defer rows.Close()

	ends := make(map[int]int64)
	for rows.Next() {
		var (
			p   int
			end int64
		)
		if err := rows.Scan(&p, &end); err != nil {
			return nil, fmt.Errorf("partition ends %s: scan: %w", topic, err)
		}
		ends[p] = end
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partition ends %s: %w", topic, err)
	}
	return ends, nil
}
