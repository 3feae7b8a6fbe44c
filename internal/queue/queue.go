package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dailysync/internal/domain"
	"dailysync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Key is the local store key holding a user's pending list.
	Key = "pending_operations"

	systemUser = "_system"
	usersKey   = "queue_users"
)

var (
	ErrEmptyUser        = errors.New("user id is required")
	ErrInvalidOperation = errors.New("invalid pending operation")
)

// Queue is the durable per-user pending operation list. Reads are served
// from an in-memory cache; every mutation rewrites the full list. A list
// that could not be read yet is never written back: changes made before the
// first successful read are kept in memory and merged into the durable list
// once it is readable.
type Queue struct {
	store  domain.LocalStore
	logger *zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	cache        map[string]*userQueue
	users        map[string]struct{}
	droppedUsers map[string]struct{}
	usersLoaded  bool
}

type userQueue struct {
	ops     []models.PendingOperation
	loaded  bool
	removed map[string]struct{}
	cleared bool
}

func New(store domain.LocalStore, logger *zerolog.Logger) *Queue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Queue{
		store:        store,
		logger:       logger,
		now:          time.Now,
		cache:        make(map[string]*userQueue),
		users:        make(map[string]struct{}),
		droppedUsers: make(map[string]struct{}),
	}
}

// Append stores op at the tail of the user's queue, assigning an id and
// enqueue time when they are unset.
func (q *Queue) Append(ctx context.Context, userID string, op models.PendingOperation) (models.PendingOperation, error) {
	if userID == "" {
		return models.PendingOperation{}, ErrEmptyUser
	}
	if !op.Target.Valid() {
		return models.PendingOperation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, models.ErrUnknownTarget)
	}
	if _, err := models.ParseOperationKind(string(op.Kind)); err != nil {
		return models.PendingOperation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now().UTC()
	}
	op.UserID = userID
	op.Payload = op.Payload.Clone()

	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entryLocked(ctx, userID)
	e.ops = append(e.ops, op)
	if e.loaded {
		q.persistLocked(ctx, userID, e.ops)
	}
	q.trackUserLocked(ctx, userID)

	return op, nil
}

// List returns a copy of the user's queue in enqueue order.
func (q *Queue) List(ctx context.Context, userID string) []models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := q.entryLocked(ctx, userID).ops
	out := make([]models.PendingOperation, len(ops))
	copy(out, ops)
	return out
}

// RemoveByIDs drops the given operations and returns how many were removed.
func (q *Queue) RemoveByIDs(ctx context.Context, userID string, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entryLocked(ctx, userID)
	if !e.loaded {
		if e.removed == nil {
			e.removed = make(map[string]struct{}, len(drop))
		}
		for id := range drop {
			e.removed[id] = struct{}{}
		}
	}
	kept := make([]models.PendingOperation, 0, len(e.ops))
	for _, op := range e.ops {
		if _, ok := drop[op.ID]; ok {
			continue
		}
		kept = append(kept, op)
	}
	removed := len(e.ops) - len(kept)
	if removed == 0 {
		return 0
	}

	e.ops = kept
	if e.loaded {
		q.persistLocked(ctx, userID, kept)
	}
	return removed
}

func (q *Queue) Clear(ctx context.Context, userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &userQueue{loaded: true}
	if err := q.store.Delete(ctx, userID, Key); err != nil {
		q.logger.Error().Err(err).Str("user_id", userID).Msg("failed to clear persisted queue")
		// Stale durable list is discarded on the next successful read.
		e = &userQueue{cleared: true}
	}
	q.cache[userID] = e

	q.loadUsersLocked(ctx)
	if !q.usersLoaded {
		delete(q.users, userID)
		q.droppedUsers[userID] = struct{}{}
		return
	}
	if _, ok := q.users[userID]; ok {
		delete(q.users, userID)
		q.persistUsersLocked(ctx)
	}
}

func (q *Queue) Count(ctx context.Context, userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entryLocked(ctx, userID).ops)
}

// Users lists every user that has ever had a queue, sorted.
func (q *Queue) Users(ctx context.Context) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.loadUsersLocked(ctx)
	out := make([]string, 0, len(q.users))
	for u := range q.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Total counts pending operations across all known users.
func (q *Queue) Total(ctx context.Context) int {
	total := 0
	for _, u := range q.Users(ctx) {
		total += q.Count(ctx, u)
	}
	return total
}

// entryLocked returns the user's queue, reading the durable list if it has
// not been read yet. On a read error the in-memory state is returned and the
// read is retried on the next call.
func (q *Queue) entryLocked(ctx context.Context, userID string) *userQueue {
	e, ok := q.cache[userID]
	if !ok {
		e = &userQueue{}
		q.cache[userID] = e
	}
	if e.loaded {
		return e
	}

	raw, err := q.store.Get(ctx, userID, Key)
	if err != nil {
		q.logger.Error().Err(err).Str("user_id", userID).Int("unsaved", len(e.ops)).Msg("failed to read persisted queue, keeping memory state")
		return e
	}

	var durable []models.PendingOperation
	if raw != nil && !e.cleared {
		if err := json.Unmarshal(raw, &durable); err != nil {
			q.logger.Error().Err(err).Str("user_id", userID).Msg("persisted queue is corrupt, starting empty")
			durable = nil
		}
	}

	dirty := e.cleared || len(e.ops) > 0 || len(e.removed) > 0
	merged := make([]models.PendingOperation, 0, len(durable)+len(e.ops))
	for _, op := range durable {
		if _, gone := e.removed[op.ID]; gone {
			continue
		}
		merged = append(merged, op)
	}
	merged = append(merged, e.ops...)

	e.ops = merged
	e.loaded = true
	e.removed = nil
	e.cleared = false
	if dirty {
		q.persistLocked(ctx, userID, e.ops)
	}
	return e
}

func (q *Queue) persistLocked(ctx context.Context, userID string, ops []models.PendingOperation) {
	if ops == nil {
		ops = []models.PendingOperation{}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		q.logger.Error().Err(err).Str("user_id", userID).Msg("failed to encode queue")
		return
	}
	if err := q.store.Set(ctx, userID, Key, raw); err != nil {
		q.logger.Error().Err(err).Str("user_id", userID).Int("pending", len(ops)).Msg("failed to persist queue, keeping in memory")
	}
}

func (q *Queue) trackUserLocked(ctx context.Context, userID string) {
	q.loadUsersLocked(ctx)
	delete(q.droppedUsers, userID)
	if _, ok := q.users[userID]; ok {
		return
	}
	q.users[userID] = struct{}{}
	if q.usersLoaded {
		q.persistUsersLocked(ctx)
	}
}

// loadUsersLocked reads the user index once. Users tracked or dropped while
// the index was unreadable are merged in on the first successful read.
func (q *Queue) loadUsersLocked(ctx context.Context) {
	if q.usersLoaded {
		return
	}
	raw, err := q.store.Get(ctx, systemUser, usersKey)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to read queue user index")
		// Retry on the next call.
		return
	}
	q.usersLoaded = true

	var durable []string
	if raw != nil {
		if err := json.Unmarshal(raw, &durable); err != nil {
			q.logger.Error().Err(err).Msg("queue user index is corrupt")
			durable = nil
		}
	}

	dirty := len(q.droppedUsers) > 0
	known := make(map[string]struct{}, len(durable))
	for _, u := range durable {
		known[u] = struct{}{}
		if _, gone := q.droppedUsers[u]; gone {
			continue
		}
		q.users[u] = struct{}{}
	}
	for u := range q.users {
		if _, ok := known[u]; !ok {
			dirty = true
		}
	}
	q.droppedUsers = make(map[string]struct{})
	if dirty {
		q.persistUsersLocked(ctx)
	}
}

func (q *Queue) persistUsersLocked(ctx context.Context) {
	users := make([]string, 0, len(q.users))
	for u := range q.users {
		users = append(users, u)
	}
	sort.Strings(users)
	raw, err := json.Marshal(users)
	if err != nil {
		return
	}
	if err := q.store.Set(ctx, systemUser, usersKey, raw); err != nil {
		q.logger.Error().Err(err).Msg("failed to persist queue user index")
	}
}
