package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dailysync/internal/domain"
	"dailysync/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrNoHandler         = errors.New("no handler for target")
	ErrMissingRecordID   = errors.New("payload has no record id")
	ErrMissingNaturalKey = errors.New("payload is missing natural key fields")
	ErrUnsupportedKind   = errors.New("unsupported operation kind")
)

// Result partitions processed operation ids. Errors holds the cause for
// every failed id.
type Result struct {
	Succeeded []string
	Failed    []string
	Errors    map[string]error
}

func (r *Result) succeed(ids ...string) {
	r.Succeeded = append(r.Succeeded, ids...)
}

func (r *Result) fail(err error, ids ...string) {
	if r.Errors == nil {
		r.Errors = make(map[string]error)
	}
	for _, id := range ids {
		r.Failed = append(r.Failed, id)
		r.Errors[id] = err
	}
}

type handler func(ctx context.Context, p *Processor, target models.Target, ops []models.PendingOperation, store domain.RemoteStore, res *Result)

// handlers binds every target to its replay strategy.
var handlers = map[models.Target]handler{
	models.TargetDailyTasks:      bulkUpsert(models.DailyTasksConflictKey),
	models.TargetTaskCompletions: individually,
	models.TargetUserStreaks:     individually,
}

// Processor replays a batch of pending operations against the remote store.
type Processor struct {
	logger *zerolog.Logger
}

func NewProcessor(logger *zerolog.Logger) *Processor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Processor{logger: logger}
}

// Process groups ops by target in first-seen order and applies each group's
// strategy. A failing operation never aborts its siblings.
func (p *Processor) Process(ctx context.Context, ops []models.PendingOperation, store domain.RemoteStore) Result {
	var res Result
	order := make([]models.Target, 0, len(handlers))
	groups := make(map[models.Target][]models.PendingOperation)
	for _, op := range ops {
		if _, seen := groups[op.Target]; !seen {
			order = append(order, op.Target)
		}
		groups[op.Target] = append(groups[op.Target], op)
	}

	for _, target := range order {
		group := groups[target]
		h, ok := handlers[target]
		if !ok {
			ids := make([]string, len(group))
			for i, op := range group {
				ids[i] = op.ID
			}
			res.fail(fmt.Errorf("%w: %v", ErrNoHandler, target), ids...)
			continue
		}
		h(ctx, p, target, group, store, &res)
	}
	return res
}

func individually(ctx context.Context, p *Processor, target models.Target, ops []models.PendingOperation, store domain.RemoteStore, res *Result) {
	for _, op := range ops {
		p.applyOne(ctx, target, op, store, res)
	}
}

func (p *Processor) applyOne(ctx context.Context, target models.Target, op models.PendingOperation, store domain.RemoteStore, res *Result) {
	if err := apply(ctx, target.String(), op, store); err != nil {
		p.logger.Warn().Err(err).
			Str("op_id", op.ID).
			Str("target", target.String()).
			Str("kind", string(op.Kind)).
			Msg("pending operation failed")
		res.fail(err, op.ID)
		return
	}
	res.succeed(op.ID)
}

func apply(ctx context.Context, collection string, op models.PendingOperation, store domain.RemoteStore) error {
	switch op.Kind {
	case models.KindInsert:
		return store.Insert(ctx, collection, op.Payload)
	case models.KindUpdate:
		id, ok := op.RecordID()
		if !ok {
			return ErrMissingRecordID
		}
		return store.Update(ctx, collection, id, op.Payload)
	case models.KindDelete:
		id, ok := op.RecordID()
		if !ok {
			return ErrMissingRecordID
		}
		return store.Delete(ctx, collection, id)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, op.Kind)
	}
}

// bulkUpsert folds every insert and update into one upsert keyed by
// conflictKey. Rows sharing a natural key are overlaid in enqueue order.
// Deletes and rows without a full natural key go through the individual path.
func bulkUpsert(conflictKey []string) handler {
	return func(ctx context.Context, p *Processor, target models.Target, ops []models.PendingOperation, store domain.RemoteStore, res *Result) {
		var (
			rows  []models.Record
			ids   []string
			index = make(map[string]int)
			stray []models.PendingOperation
		)

		for _, op := range ops {
			if op.Kind == models.KindDelete {
				stray = append(stray, op)
				continue
			}
			key, ok := naturalKey(op.Payload, conflictKey)
			if !ok {
				p.logger.Warn().Str("op_id", op.ID).Str("target", target.String()).Msg("bulk payload missing natural key")
				res.fail(fmt.Errorf("%w: %s", ErrMissingNaturalKey, strings.Join(conflictKey, ",")), op.ID)
				continue
			}
			ids = append(ids, op.ID)
			if i, dup := index[key]; dup {
				for k, v := range op.Payload {
					rows[i][k] = v
				}
				continue
			}
			index[key] = len(rows)
			rows = append(rows, op.Payload.Clone())
		}

		if len(rows) > 0 {
			if err := store.Upsert(ctx, target.String(), rows, conflictKey); err != nil {
				p.logger.Warn().Err(err).
					Str("target", target.String()).
					Int("rows", len(rows)).
					Int("operations", len(ids)).
					Msg("bulk upsert failed")
				res.fail(err, ids...)
			} else {
				res.succeed(ids...)
			}
		}

		for _, op := range stray {
			p.applyOne(ctx, target, op, store, res)
		}
	}
}

func naturalKey(payload models.Record, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, ok := payload.String(f)
		if !ok {
			return "", false
		}
		parts[i] = v
	}
	return strings.Join(parts, "\x00"), true
}
