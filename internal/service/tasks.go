package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dailysync/internal/debounce"
	"dailysync/internal/domain"
	"dailysync/internal/logging"
	"dailysync/internal/merge"
	"dailysync/internal/models"
	"dailysync/internal/repository"

	"github.com/rs/zerolog"
)

const defaultQuiet = 1500 * time.Millisecond

var ErrEmptyTask = errors.New("task id is required")

// Deps are the collaborators shared by the domain services.
type Deps struct {
	Local   domain.LocalStore
	Remote  domain.RemoteStore
	Queue   domain.OperationEnqueuer
	Offline domain.OfflineChecker
	Guard   *debounce.Guard
	Logger  *zerolog.Logger
}

func (d Deps) validate() error {
	if d.Local == nil || d.Remote == nil || d.Queue == nil || d.Offline == nil {
		return errors.New("local, remote, queue and offline checker are required")
	}
	return nil
}

func (d Deps) guard() *debounce.Guard {
	if d.Guard != nil {
		return d.Guard
	}
	return debounce.NewGuard(1)
}

// TaskService tracks daily task completion on top of the sync engine.
// Completions land in the local cache first; the remote write is debounced
// and falls back to the pending queue when offline or failing.
type TaskService struct {
	local  domain.LocalStore
	remote domain.RemoteStore
	queue  domain.OperationEnqueuer
	conn   domain.OfflineChecker
	guard  *debounce.Guard
	sync   *merge.Synchronizer[models.DailyTaskState]
	saver  *debounce.Debouncer[models.DailyTaskState]
	quiet  time.Duration
	logger *zerolog.Logger
	now    func() time.Time
}

func NewTaskService(deps Deps, quiet time.Duration) (*TaskService, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if quiet <= 0 {
		quiet = defaultQuiet
	}
	logger := logging.Component(deps.Logger, "task_service")

	synchronizer, err := merge.NewSynchronizer(merge.DailyTasks(), deps.Remote, deps.Local, deps.Offline, logger)
	if err != nil {
		return nil, err
	}

	s := &TaskService{
		local:  deps.Local,
		remote: deps.Remote,
		queue:  deps.Queue,
		conn:   deps.Offline,
		guard:  deps.guard(),
		sync:   synchronizer,
		quiet:  quiet,
		logger: logger,
		now:    time.Now,
	}
	s.saver = debounce.New(s.saveDay, logger)
	return s, nil
}

// LoadDay returns the merged snapshot for a day. Remote trouble degrades to
// the cached local snapshot.
func (s *TaskService) LoadDay(ctx context.Context, userID, date string) (models.DailyTaskState, error) {
	if err := models.ValidateDate(date); err != nil {
		return models.DailyTaskState{}, err
	}
	local := s.cached(ctx, userID, date)

	var out merge.Outcome[models.DailyTaskState]
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		out = s.sync.SyncDetailed(ctx, userID, local)
		return nil
	})
	switch {
	case errors.Is(err, debounce.ErrPanicked):
		s.logger.Error().Err(err).Str("user_id", userID).Str("date", date).Msg("day merge crashed, serving cache")
		return local, nil
	case err != nil:
		return models.DailyTaskState{}, err
	}

	if out.PushErr != nil {
		s.enqueueDay(ctx, out.Value)
	}
	return out.Value, nil
}

// CompleteTask marks a task done. Completion never reverts.
func (s *TaskService) CompleteTask(ctx context.Context, userID, date, taskID string, points int) (models.DailyTaskState, error) {
	if err := models.ValidateDate(date); err != nil {
		return models.DailyTaskState{}, err
	}
	if strings.TrimSpace(taskID) == "" {
		return models.DailyTaskState{}, ErrEmptyTask
	}

	day := s.cached(ctx, userID, date)
	entry := day.Tasks[taskID]
	if !entry.Completed {
		completedAt := s.now().UTC().Truncate(time.Second)
		entry.Completed = true
		entry.CompletedAt = &completedAt
	}
	if points > 0 {
		entry.Points = points
	}
	day.Tasks[taskID] = entry

	if err := repository.SetJSON(ctx, s.local, userID, merge.DailyTasksKey(date), day); err != nil {
		// Cache write failed; continue with the in-memory day.
		s.logger.Error().Err(err).Str("user_id", userID).Str("date", date).Msg("failed to cache day")
	}

	if s.conn.IsOffline() {
		if _, err := s.queue.QueueOperation(ctx, userID, models.TargetDailyTasks, models.KindUpdate, day.Row(taskID)); err != nil {
			return day, fmt.Errorf("queue completion: %w", err)
		}
		return day, nil
	}

	s.saver.Call(dayKey(userID, date), day, s.quiet)
	return day, nil
}

// Flush writes any debounced day immediately.
func (s *TaskService) Flush(ctx context.Context) error {
	return s.saver.Flush(ctx)
}

// Close flushes pending saves and rejects later ones.
func (s *TaskService) Close(ctx context.Context) error {
	err := s.saver.Flush(ctx)
	s.saver.Stop()
	return err
}

func (s *TaskService) saveDay(ctx context.Context, _ string, day models.DailyTaskState) error {
	if s.conn.IsOffline() {
		s.enqueueDay(ctx, day)
		return nil
	}
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		return s.remote.Upsert(ctx, models.TargetDailyTasks.String(), day.Rows(), models.DailyTasksConflictKey)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", day.UserID).Str("date", day.Date).Msg("day save failed, queueing")
		s.enqueueDay(ctx, day)
	}
	return nil
}

func (s *TaskService) enqueueDay(ctx context.Context, day models.DailyTaskState) {
	for _, row := range day.Rows() {
		if _, err := s.queue.QueueOperation(ctx, day.UserID, models.TargetDailyTasks, models.KindUpdate, row); err != nil {
			s.logger.Error().Err(err).Str("user_id", day.UserID).Str("date", day.Date).Msg("failed to queue day row")
		}
	}
}

func (s *TaskService) cached(ctx context.Context, userID, date string) models.DailyTaskState {
	day := models.NewDailyTaskState(userID, date)
	found, err := repository.GetJSON(ctx, s.local, userID, merge.DailyTasksKey(date), &day)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("date", date).Msg("failed to read cached day")
		return models.NewDailyTaskState(userID, date)
	}
	if !found || day.Tasks == nil {
		day.Tasks = map[string]models.TaskEntry{}
	}
	day.UserID, day.Date = userID, date
	return day
}

func dayKey(userID, date string) string {
	return userID + "/" + date
}
