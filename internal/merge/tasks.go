package merge

import (
	"context"
	"fmt"
	"time"

	"dailysync/internal/domain"
	"dailysync/internal/models"
)

// DailyTasksKey is the local cache key of a day's snapshot.
func DailyTasksKey(date string) string {
	return "daily_tasks:" + date
}

// MergeDailyTasks combines two snapshots of the same day. Completion is a
// logical OR and never reverts; points and title take the remote value; the
// completion time is the earliest one seen. Tasks known to only one side are
// kept.
func MergeDailyTasks(local, remote models.DailyTaskState) models.DailyTaskState {
	merged := models.NewDailyTaskState(local.UserID, local.Date)
	if merged.UserID == "" {
		merged.UserID = remote.UserID
	}
	if merged.Date == "" {
		merged.Date = remote.Date
	}

	for id, l := range local.Tasks {
		merged.Tasks[id] = l
	}
	for id, r := range remote.Tasks {
		l, ok := merged.Tasks[id]
		if !ok {
			merged.Tasks[id] = r
			continue
		}
		merged.Tasks[id] = models.TaskEntry{
			Completed:   l.Completed || r.Completed,
			CompletedAt: earliest(l.CompletedAt, r.CompletedAt),
			Points:      r.Points,
			Title:       r.Title,
		}
	}
	return merged
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

// DailyTasks is the daily_tasks merge definition.
func DailyTasks() Definition[models.DailyTaskState] {
	return Definition[models.DailyTaskState]{
		Entity:   models.TargetDailyTasks.String(),
		LocalKey: func(s models.DailyTaskState) string { return DailyTasksKey(s.Date) },
		Fetch: func(ctx context.Context, remote domain.RemoteStore, userID string, local models.DailyTaskState) (models.DailyTaskState, bool, error) {
			rows, err := remote.Select(ctx, models.TargetDailyTasks.String(), domain.Filter{"user_id": userID, "date": local.Date})
			if err != nil {
				return models.DailyTaskState{}, false, fmt.Errorf("select daily tasks: %w", err)
			}
			return models.DailyTaskStateFromRows(userID, local.Date, rows), len(rows) > 0, nil
		},
		Merge: func(local, remote models.DailyTaskState, _ bool) models.DailyTaskState {
			return MergeDailyTasks(local, remote)
		},
		Push: func(ctx context.Context, remote domain.RemoteStore, userID string, merged models.DailyTaskState) error {
			return remote.Upsert(ctx, models.TargetDailyTasks.String(), merged.Rows(), models.DailyTasksConflictKey)
		},
	}
}
