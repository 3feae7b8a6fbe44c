package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is an opaque, JSON-serializable row destined for a remote collection.
type Record map[string]any

// Clone returns a shallow copy so callers cannot mutate a queued payload.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value stored under key as a string.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	case fmt.Stringer:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int, int64, int32:
		return fmt.Sprintf("%d", s), true
	default:
		return "", false
	}
}

// OperationKind is the mutation type of a pending operation.
type OperationKind string

const (
	KindInsert OperationKind = "insert"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

var ErrUnknownKind = errors.New("unknown operation kind")

// ParseOperationKind validates a wire value.
func ParseOperationKind(raw string) (OperationKind, error) {
	switch k := OperationKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindInsert, KindUpdate, KindDelete:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// PendingOperation is a queued mutation. Once appended it is never modified;
// it is either removed on success or left in place on failure.
type PendingOperation struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Target     Target        `json:"target"`
	Kind       OperationKind `json:"kind"`
	Payload    Record        `json:"payload"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// RecordID returns the identifier carried by the payload, required for
// update and delete.
func (op PendingOperation) RecordID() (string, bool) {
	return op.Payload.String("id")
}

// DeadLetter keeps an operation that exhausted its retries.
type DeadLetter struct {
	Operation PendingOperation `json:"operation"`
	Attempts  int              `json:"attempts"`
	Reason    string           `json:"reason"`
	DroppedAt time.Time        `json:"dropped_at"`
}
