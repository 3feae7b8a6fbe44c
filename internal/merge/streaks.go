package merge

import (
	"context"
	"fmt"

	"dailysync/internal/domain"
	"dailysync/internal/models"
)

const StreakKey = "user_streak"

// MergeStreaks lets the remote row win whenever one exists; otherwise the
// local state stands and is pushed.
func MergeStreaks(local, remote models.StreakState, remoteFound bool) models.StreakState {
	if !remoteFound {
		return local
	}
	if remote.UserID == "" {
		remote.UserID = local.UserID
	}
	return remote
}

// Streaks is the user_streaks merge definition. The row id is the user id.
func Streaks() Definition[models.StreakState] {
	return Definition[models.StreakState]{
		Entity:   models.TargetUserStreaks.String(),
		LocalKey: func(models.StreakState) string { return StreakKey },
		Fetch: func(ctx context.Context, remote domain.RemoteStore, userID string, _ models.StreakState) (models.StreakState, bool, error) {
			rows, err := remote.Select(ctx, models.TargetUserStreaks.String(), domain.Filter{"user_id": userID})
			if err != nil {
				return models.StreakState{}, false, fmt.Errorf("select streak: %w", err)
			}
			if len(rows) == 0 {
				return models.StreakState{UserID: userID}, false, nil
			}
			return models.StreakStateFromRow(rows[0]), true, nil
		},
		Merge: MergeStreaks,
		Push: func(ctx context.Context, remote domain.RemoteStore, userID string, merged models.StreakState) error {
			merged.UserID = userID
			return remote.Upsert(ctx, models.TargetUserStreaks.String(), []models.Record{merged.Row()}, []string{"id"})
		},
	}
}
