package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dailysync/internal/domain"
	"dailysync/internal/events"
	"dailysync/internal/metrics"
	"dailysync/internal/models"
	"dailysync/internal/worker"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryCeiling = 3
	defaultInterval     = 30 * time.Second

	changesSavedMessage = "Your offline changes have been saved."
)

var (
	ErrNotStarted     = errors.New("orchestrator is not started")
	ErrAlreadyStarted = errors.New("orchestrator is already started")
	ErrPassInProgress = errors.New("sync pass already in progress")
	ErrPassPanicked   = errors.New("sync pass panicked")
)

var allStatuses = []string{
	string(models.StatusOnline),
	string(models.StatusOffline),
	string(models.StatusSyncing),
}

// BatchProcessor replays a batch of operations and partitions the ids.
type BatchProcessor interface {
	Process(ctx context.Context, ops []models.PendingOperation, store domain.RemoteStore) worker.Result
}

// offlineNotifier is implemented by detectors that push transitions.
type offlineNotifier interface {
	Subscribe(fn func(offline bool)) func()
}

type Options struct {
	Queue        domain.OperationQueue
	Remote       domain.RemoteStore
	Connectivity domain.ConnectivityDetector
	Processor    BatchProcessor
	DeadLetters  domain.DeadLetterSink
	Events       domain.EventPublisher
	Logger       *zerolog.Logger

	RetryCeiling    int
	MaxOperationAge time.Duration
	// UserConcurrency bounds how many users' queues a pass replays at once.
	UserConcurrency int
}

// PassResult summarises one sync pass.
type PassResult struct {
	Ran       bool `json:"ran"`
	Offline   bool `json:"offline"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Dropped   int  `json:"dropped"`
	Pending   int  `json:"pending"`
}

// Orchestrator owns the sync status state machine and runs passes on a
// timer and on demand. At most one pass runs at a time; triggers that arrive
// during a pass collapse into a single follow-up pass.
type Orchestrator struct {
	queue       domain.OperationQueue
	remote      domain.RemoteStore
	conn        domain.ConnectivityDetector
	processor   BatchProcessor
	deadLetters domain.DeadLetterSink
	events      domain.EventPublisher
	logger      *zerolog.Logger
	retries     *worker.RetryTracker
	maxAge      time.Duration
	parallel    int
	now         func() time.Time

	statusMu  sync.Mutex
	status    models.SyncStatus
	listeners map[uint64]func(models.SyncStatus)
	nextID    uint64

	passMu sync.Mutex

	lifeMu      sync.Mutex
	trigger     chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Queue == nil || opts.Remote == nil || opts.Connectivity == nil {
		return nil, errors.New("queue, remote and connectivity are required")
	}
	if opts.Processor == nil {
		opts.Processor = worker.NewProcessor(opts.Logger)
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = defaultRetryCeiling
	}
	if opts.UserConcurrency <= 0 {
		opts.UserConcurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Orchestrator{
		queue:       opts.Queue,
		remote:      opts.Remote,
		conn:        opts.Connectivity,
		processor:   opts.Processor,
		deadLetters: opts.DeadLetters,
		events:      opts.Events,
		logger:      logger,
		retries:     worker.NewRetryTracker(worker.RetryPolicy{MaxRetries: opts.RetryCeiling}),
		maxAge:      opts.MaxOperationAge,
		parallel:    opts.UserConcurrency,
		now:         time.Now,
		status:      models.StatusOnline,
		listeners:   make(map[uint64]func(models.SyncStatus)),
	}, nil
}

// Start arms the recurring timer and runs one pass immediately.
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}

	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.cancel != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.trigger = make(chan struct{}, 1)
	o.trigger <- struct{}{}

	if n, ok := o.conn.(offlineNotifier); ok {
		o.unsubscribe = n.Subscribe(func(offline bool) {
			if !offline {
				o.TriggerSync()
			}
		})
	}

	go o.loop(loopCtx, interval, o.trigger, o.done)

	o.logger.Info().Dur("interval", interval).Msg("sync orchestrator started")
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, interval time.Duration, trigger <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
		// A running pass is never cancelled by Stop.
		o.passMu.Lock()
		_, _ = o.runPass(context.WithoutCancel(ctx))
		o.passMu.Unlock()
	}
}

// Stop disarms the timer and waits for an in-flight pass to finish.
func (o *Orchestrator) Stop() {
	o.lifeMu.Lock()
	cancel, done, unsubscribe := o.cancel, o.done, o.unsubscribe
	o.cancel, o.done, o.unsubscribe, o.trigger = nil, nil, nil, nil
	o.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	<-done
	o.logger.Info().Msg("sync orchestrator stopped")
}

// TriggerSync requests a pass. Requests made while one is pending or
// running are coalesced.
func (o *Orchestrator) TriggerSync() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.trigger == nil {
		return ErrNotStarted
	}
	select {
	case o.trigger <- struct{}{}:
	default:
	}
	return nil
}

// SyncNow runs a pass on the caller's goroutine. It fails fast with
// ErrPassInProgress, scheduling a follow-up, when a pass is already running.
func (o *Orchestrator) SyncNow(ctx context.Context) (PassResult, error) {
	if !o.passMu.TryLock() {
		_ = o.TriggerSync()
		return PassResult{}, ErrPassInProgress
	}
	defer o.passMu.Unlock()
	return o.runPass(ctx)
}

// QueueOperation appends a mutation for userID and opportunistically
// triggers a pass.
func (o *Orchestrator) QueueOperation(ctx context.Context, userID string, target models.Target, kind models.OperationKind, payload models.Record) (string, error) {
	op, err := o.queue.Append(ctx, userID, models.PendingOperation{
		Target:  target,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		return "", err
	}
	o.logger.Debug().
		Str("user_id", userID).
		Str("op_id", op.ID).
		Str("target", target.String()).
		Str("kind", string(kind)).
		Msg("operation queued")

	_ = o.TriggerSync()
	return op.ID, nil
}

func (o *Orchestrator) Status() models.SyncStatus {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.status
}

// AddStatusListener registers fn for every status transition.
func (o *Orchestrator) AddStatusListener(fn func(models.SyncStatus)) func() {
	o.statusMu.Lock()
	o.nextID++
	id := o.nextID
	o.listeners[id] = fn
	o.statusMu.Unlock()

	return func() {
		o.statusMu.Lock()
		delete(o.listeners, id)
		o.statusMu.Unlock()
	}
}

// RetryCount exposes the in-memory failure counter of an operation.
func (o *Orchestrator) RetryCount(opID string) int {
	return o.retries.Count(opID)
}

func (o *Orchestrator) setStatus(status models.SyncStatus) {
	o.statusMu.Lock()
	if o.status == status {
		o.statusMu.Unlock()
		return
	}
	prev := o.status
	o.status = status
	listeners := make([]func(models.SyncStatus), 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.statusMu.Unlock()

	o.logger.Info().Str("from", string(prev)).Str("status", string(status)).Msg("sync status changed")
	metrics.SetStatus(string(status), allStatuses...)
	o.publish(events.EventStatusChanged, map[string]string{"from": string(prev), "status": string(status)})

	for _, fn := range listeners {
		fn(status)
	}
}

func (o *Orchestrator) publish(eventType string, payload any) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishJSON(eventType, payload); err != nil {
		o.logger.Error().Err(err).Str("event", eventType).Msg("failed to publish sync event")
	}
}

// runPass must be called with passMu held.
func (o *Orchestrator) runPass(ctx context.Context) (res PassResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPassPanicked, r)
			o.logger.Error().Err(err).Msg("sync pass aborted")
			metrics.IncPass("error")
			o.setStatus(models.StatusOffline)
		}
	}()

	users := o.queue.Users(ctx)
	pending := o.pendingTotal(ctx, users)
	if pending == 0 {
		if o.Status() == models.StatusOffline && !o.conn.IsOffline() {
			o.setStatus(models.StatusOnline)
		}
		return res, nil
	}

	if o.conn.Detect(ctx) {
		o.setStatus(models.StatusOffline)
		metrics.IncPass("offline")
		res.Offline = true
		res.Pending = pending
		return res, nil
	}

	res.Ran = true
	o.setStatus(models.StatusSyncing)
	o.logger.Debug().Int("pending", pending).Int("users", len(users)).Msg("sync pass started")

	var mu sync.Mutex
	// A panic in one user's replay must not cancel the others.
	var g errgroup.Group
	g.SetLimit(o.parallel)
	for _, userID := range users {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: user %s: %v", ErrPassPanicked, userID, r)
				}
			}()
			part := o.syncUser(ctx, userID)
			mu.Lock()
			res.Succeeded += part.Succeeded
			res.Failed += part.Failed
			res.Dropped += part.Dropped
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Error().Err(err).Msg("sync pass failed")
		metrics.IncPass("error")
		o.setStatus(models.StatusOffline)
		return res, err
	}

	res.Pending = o.pendingTotal(ctx, users)
	metrics.SetPending(res.Pending)
	metrics.IncPass("completed")

	if res.Succeeded > 0 {
		o.publish(events.EventNotice, models.Notice{Kind: models.NoticeChangesSaved, Message: changesSavedMessage})
	}
	o.publish(events.EventPassCompleted, res)
	o.logger.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("dropped", res.Dropped).
		Int("pending", res.Pending).
		Msg("sync pass completed")

	// Remaining operations are retry candidates, not evidence of being offline.
	o.setStatus(models.StatusOnline)
	return res, nil
}

func (o *Orchestrator) syncUser(ctx context.Context, userID string) PassResult {
	var res PassResult
	ops := o.queue.List(ctx, userID)
	if len(ops) == 0 {
		return res
	}

	ops = o.expire(ctx, userID, ops, &res)
	if len(ops) == 0 {
		return res
	}

	result := o.processor.Process(ctx, ops, o.remote)

	o.queue.RemoveByIDs(ctx, userID, result.Succeeded)
	o.retries.Forget(result.Succeeded...)
	res.Succeeded = len(result.Succeeded)
	res.Failed = len(result.Failed)

	byID := make(map[string]models.PendingOperation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	var dropped []string
	for _, id := range result.Failed {
		attempts, exhausted := o.retries.Fail(id)
		if !exhausted {
			continue
		}
		reason := "retry ceiling reached"
		if cause := result.Errors[id]; cause != nil {
			reason = cause.Error()
		}
		o.drop(ctx, byID[id], attempts, reason)
		dropped = append(dropped, id)
	}
	if len(dropped) > 0 {
		o.queue.RemoveByIDs(ctx, userID, dropped)
		o.retries.Forget(dropped...)
		res.Dropped += len(dropped)
	}

	o.countOperations(ops, result, dropped)
	return res
}

// expire drops operations that already failed at least once and are older
// than the configured maximum age.
func (o *Orchestrator) expire(ctx context.Context, userID string, ops []models.PendingOperation, res *PassResult) []models.PendingOperation {
	if o.maxAge <= 0 {
		return ops
	}
	cutoff := o.now().Add(-o.maxAge)
	kept := ops[:0:0]
	var expired []string
	for _, op := range ops {
		attempts := o.retries.Count(op.ID)
		if attempts > 0 && op.EnqueuedAt.Before(cutoff) {
			o.drop(ctx, op, attempts, "operation expired")
			expired = append(expired, op.ID)
			continue
		}
		kept = append(kept, op)
	}
	if len(expired) > 0 {
		o.queue.RemoveByIDs(ctx, userID, expired)
		o.retries.Forget(expired...)
		res.Dropped += len(expired)
		metrics.AddOperations("expired", "dropped", len(expired))
	}
	return kept
}

func (o *Orchestrator) drop(ctx context.Context, op models.PendingOperation, attempts int, reason string) {
	o.logger.Warn().
		Str("user_id", op.UserID).
		Str("op_id", op.ID).
		Str("target", op.Target.String()).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("dropping pending operation")

	if o.deadLetters == nil {
		return
	}
	letter := models.DeadLetter{Operation: op, Attempts: attempts, Reason: reason, DroppedAt: o.now().UTC()}
	if err := o.deadLetters.RecordDeadLetter(ctx, letter); err != nil {
		o.logger.Error().Err(err).Str("op_id", op.ID).Msg("failed to record dead letter")
	}
}

func (o *Orchestrator) countOperations(ops []models.PendingOperation, result worker.Result, dropped []string) {
	targets := make(map[string]models.Target, len(ops))
	for _, op := range ops {
		targets[op.ID] = op.Target
	}
	count := func(ids []string, outcome string) {
		per := make(map[models.Target]int)
		for _, id := range ids {
			per[targets[id]]++
		}
		for target, n := range per {
			metrics.AddOperations(target.String(), outcome, n)
		}
	}
	count(result.Succeeded, "succeeded")
	count(result.Failed, "failed")
	count(dropped, "dropped")
}

func (o *Orchestrator) pendingTotal(ctx context.Context, users []string) int {
	total := 0
	for _, u := range users {
		total += o.queue.Count(ctx, u)
	}
	return total
}
