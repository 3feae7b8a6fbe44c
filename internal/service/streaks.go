package service

import (
	"context"
	"errors"
	"time"

	"dailysync/internal/debounce"
	"dailysync/internal/domain"
	"dailysync/internal/logging"
	"dailysync/internal/merge"
	"dailysync/internal/models"
	"dailysync/internal/remote"
	"dailysync/internal/repository"

	"github.com/rs/zerolog"
)

// streakRemoteKey marks that the remote user_streaks row is known to exist,
// so offline writes can be queued as updates instead of inserts.
const streakRemoteKey = merge.StreakKey + ":remote"

var ErrNegativePoints = errors.New("points must not be negative")

// StreakService maintains the per-user activity streak.
type StreakService struct {
	local  domain.LocalStore
	remote domain.RemoteStore
	queue  domain.OperationEnqueuer
	conn   domain.OfflineChecker
	guard  *debounce.Guard
	sync   *merge.Synchronizer[models.StreakState]
	logger *zerolog.Logger
}

func NewStreakService(deps Deps) (*StreakService, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := logging.Component(deps.Logger, "streak_service")

	synchronizer, err := merge.NewSynchronizer(merge.Streaks(), deps.Remote, deps.Local, deps.Offline, logger)
	if err != nil {
		return nil, err
	}
	return &StreakService{
		local:  deps.Local,
		remote: deps.Remote,
		queue:  deps.Queue,
		conn:   deps.Offline,
		guard:  deps.guard(),
		sync:   synchronizer,
		logger: logger,
	}, nil
}

// LoadStreak returns the merged streak. The remote row wins when present.
func (s *StreakService) LoadStreak(ctx context.Context, userID string) (models.StreakState, error) {
	local := s.cached(ctx, userID)

	var out merge.Outcome[models.StreakState]
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		out = s.sync.SyncDetailed(ctx, userID, local)
		return nil
	})
	switch {
	case errors.Is(err, debounce.ErrPanicked):
		s.logger.Error().Err(err).Str("user_id", userID).Msg("streak merge crashed, serving cache")
		return local, nil
	case err != nil:
		return models.StreakState{}, err
	}

	if out.RemoteFound || out.RemoteWritten {
		s.markRemote(ctx, userID)
	}
	if out.PushErr != nil {
		s.enqueue(ctx, out.Value)
	}
	return out.Value, nil
}

// RecordActivity credits points for date and advances the streak. Activity
// on consecutive days extends the streak, a gap restarts it, and repeated or
// older dates only add points.
func (s *StreakService) RecordActivity(ctx context.Context, userID, date string, points int) (models.StreakState, error) {
	if err := models.ValidateDate(date); err != nil {
		return models.StreakState{}, err
	}
	if points < 0 {
		return models.StreakState{}, ErrNegativePoints
	}

	current, err := s.LoadStreak(ctx, userID)
	if err != nil {
		return models.StreakState{}, err
	}
	next := advanceStreak(current, date, points)
	next.UserID = userID

	if err := repository.SetJSON(ctx, s.local, userID, merge.StreakKey, next); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to cache streak")
	}

	if s.conn.IsOffline() {
		s.enqueue(ctx, next)
		return next, nil
	}

	if err := s.push(ctx, next); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("streak push failed, queueing")
		s.enqueue(ctx, next)
		return next, nil
	}
	s.markRemote(ctx, userID)
	return next, nil
}

func (s *StreakService) push(ctx context.Context, state models.StreakState) error {
	collection := models.TargetUserStreaks.String()
	return s.guard.Do(ctx, func(ctx context.Context) error {
		if s.remoteKnown(ctx, state.UserID) {
			return s.remote.Update(ctx, collection, state.UserID, state.Row())
		}
		err := s.remote.Insert(ctx, collection, state.Row())
		if errors.Is(err, remote.ErrAlreadyExists) {
			// Row already exists remotely.
			return s.remote.Update(ctx, collection, state.UserID, state.Row())
		}
		return err
	})
}

func (s *StreakService) enqueue(ctx context.Context, state models.StreakState) {
	kind := models.KindInsert
	if s.remoteKnown(ctx, state.UserID) {
		kind = models.KindUpdate
	}
	if _, err := s.queue.QueueOperation(ctx, state.UserID, models.TargetUserStreaks, kind, state.Row()); err != nil {
		s.logger.Error().Err(err).Str("user_id", state.UserID).Msg("failed to queue streak")
	}
}

func (s *StreakService) cached(ctx context.Context, userID string) models.StreakState {
	state := models.StreakState{UserID: userID}
	if _, err := repository.GetJSON(ctx, s.local, userID, merge.StreakKey, &state); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to read cached streak")
		return models.StreakState{UserID: userID}
	}
	state.UserID = userID
	return state
}

func (s *StreakService) remoteKnown(ctx context.Context, userID string) bool {
	raw, err := s.local.Get(ctx, userID, streakRemoteKey)
	return err == nil && len(raw) > 0
}

func (s *StreakService) markRemote(ctx context.Context, userID string) {
	if err := s.local.Set(ctx, userID, streakRemoteKey, []byte("1")); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to mark remote streak")
	}
}

func advanceStreak(s models.StreakState, date string, points int) models.StreakState {
	s.TotalPoints += points

	day, _ := time.Parse(models.DateLayout, date)
	last, err := time.Parse(models.DateLayout, s.LastActivityDate)
	switch {
	case s.LastActivityDate == "" || err != nil:
		s.CurrentStreak = 1
		s.LastActivityDate = date
	default:
		gap := int(day.Sub(last).Hours() / 24)
		switch {
		case gap <= 0:
		case gap == 1:
			s.CurrentStreak++
			s.LastActivityDate = date
		default:
			s.CurrentStreak = 1
			s.LastActivityDate = date
		}
	}

	if s.CurrentStreak > s.LongestStreak {
		s.LongestStreak = s.CurrentStreak
	}
	return s
}
