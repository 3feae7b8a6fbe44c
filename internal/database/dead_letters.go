package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dailysync/internal/models"
)

// RecordDeadLetter keeps an operation that exhausted its retries.
func (db *DB) RecordDeadLetter(ctx context.Context, letter models.DeadLetter) error {
	payload, err := json.Marshal(letter.Operation.Payload)
	if err != nil {
		return fmt.Errorf("encode dead letter payload: %w", err)
	}
	if letter.DroppedAt.IsZero() {
		letter.DroppedAt = time.Now()
	}

	query := `INSERT INTO dead_letters (op_id, user_id, target, kind, payload, enqueued_at, attempts, reason, dropped_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	op := letter.Operation
	_, err = db.ExecContext(ctx, query,
		op.ID,
		op.UserID,
		op.Target.String(),
		string(op.Kind),
		string(payload),
		op.EnqueuedAt,
		letter.Attempts,
		letter.Reason,
		letter.DroppedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns a user's dead letters, newest first.
func (db *DB) ListDeadLetters(ctx context.Context, userID string) ([]models.DeadLetter, error) {
	query := `SELECT op_id, user_id, target, kind, payload, enqueued_at, attempts, reason, dropped_at
              FROM dead_letters WHERE user_id = ? ORDER BY dropped_at DESC, id DESC`
	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letters: %w", err)
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		var (
			l       models.DeadLetter
			target  string
			kind    string
			payload string
		)
		err := rows.Scan(
			&l.Operation.ID, &l.Operation.UserID, &target, &kind, &payload,
			&l.Operation.EnqueuedAt, &l.Attempts, &l.Reason, &l.DroppedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if l.Operation.Target, err = models.ParseTarget(target); err != nil {
			return nil, err
		}
		l.Operation.Kind = models.OperationKind(kind)
		if err := json.Unmarshal([]byte(payload), &l.Operation.Payload); err != nil {
			return nil, fmt.Errorf("decode dead letter payload: %w", err)
		}
		letters = append(letters, l)
	}
	return letters, rows.Err()
}
