package domain

import (
	"context"

	"dailysync/internal/models"
)

// LocalStore persists opaque values scoped by user id and logical key.
// Get returns (nil, nil) when the key is absent.
type LocalStore interface {
	Get(ctx context.Context, userID, key string) ([]byte, error)
	Set(ctx context.Context, userID, key string, value []byte) error
	Delete(ctx context.Context, userID, key string) error
}

// Filter is an equality filter applied to a remote select.
type Filter map[string]any

// RemoteStore is the per-collection remote data store.
type RemoteStore interface {
	Insert(ctx context.Context, collection string, record models.Record) error
	Update(ctx context.Context, collection, id string, record models.Record) error
	Delete(ctx context.Context, collection, id string) error
	Upsert(ctx context.Context, collection string, records []models.Record, conflictKey []string) error
	Select(ctx context.Context, collection string, filter Filter) ([]models.Record, error)
}

// OfflineChecker reports the last known connectivity state.
type OfflineChecker interface {
	IsOffline() bool
}

// ConnectivityDetector performs an active connectivity check.
type ConnectivityDetector interface {
	OfflineChecker
	Detect(ctx context.Context) bool
}

// OperationQueue is the durable per-user pending queue.
type OperationQueue interface {
	Append(ctx context.Context, userID string, op models.PendingOperation) (models.PendingOperation, error)
	List(ctx context.Context, userID string) []models.PendingOperation
	RemoveByIDs(ctx context.Context, userID string, ids []string) int
	Clear(ctx context.Context, userID string)
	Count(ctx context.Context, userID string) int
	Users(ctx context.Context) []string
}

// OperationEnqueuer is what domain callers use to defer a mutation.
type OperationEnqueuer interface {
	QueueOperation(ctx context.Context, userID string, target models.Target, kind models.OperationKind, payload models.Record) (string, error)
}

// DeadLetterSink receives operations dropped after exhausting retries.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, letter models.DeadLetter) error
}

// EventPublisher publishes JSON events on the in-process bus.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
