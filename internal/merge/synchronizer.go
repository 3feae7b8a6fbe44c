package merge

import (
	"context"
	"errors"

	"dailysync/internal/domain"
	"dailysync/internal/metrics"
	"dailysync/internal/repository"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
)

// Definition describes how one entity is fetched, merged and written back.
type Definition[T any] struct {
	// Entity names the entity in logs and metrics.
	Entity string
	// LocalKey is the local store key under which the merged value is cached.
	LocalKey func(local T) string
	// Fetch returns the remote state for the same natural key as local and
	// whether the remote actually had it.
	Fetch func(ctx context.Context, remote domain.RemoteStore, userID string, local T) (T, bool, error)
	// Merge combines local and remote state with the entity's per-field rules.
	Merge func(local, remote T, remoteFound bool) T
	// Push writes the merged value to the remote store.
	Push func(ctx context.Context, remote domain.RemoteStore, userID string, merged T) error
	// Equal compares states; defaults to cmp.Equal treating empty and nil
	// collections alike.
	Equal func(a, b T) bool
}

// Outcome reports what a sync did besides returning the merged value.
type Outcome[T any] struct {
	Value         T
	Offline       bool
	RemoteFound   bool
	FetchErr      error
	LocalWritten  bool
	RemoteWritten bool
	PushErr       error
}

// Synchronizer reconciles one entity against the remote store.
type Synchronizer[T any] struct {
	def    Definition[T]
	remote domain.RemoteStore
	local  domain.LocalStore
	conn   domain.OfflineChecker
	logger *zerolog.Logger
}

func NewSynchronizer[T any](def Definition[T], remote domain.RemoteStore, local domain.LocalStore, conn domain.OfflineChecker, logger *zerolog.Logger) (*Synchronizer[T], error) {
	if def.Fetch == nil || def.Merge == nil || def.Push == nil || def.LocalKey == nil {
		return nil, errors.New("merge definition requires fetch, merge, push and local key")
	}
	if def.Equal == nil {
		def.Equal = func(a, b T) bool { return cmp.Equal(a, b, cmpopts.EquateEmpty()) }
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Synchronizer[T]{def: def, remote: remote, local: local, conn: conn, logger: logger}, nil
}

// Sync returns the merged state. It never fails: offline or a failed fetch
// yields local unchanged.
func (s *Synchronizer[T]) Sync(ctx context.Context, userID string, local T) T {
	return s.SyncDetailed(ctx, userID, local).Value
}

func (s *Synchronizer[T]) SyncDetailed(ctx context.Context, userID string, local T) Outcome[T] {
	out := Outcome[T]{Value: local}
	if s.conn != nil && s.conn.IsOffline() {
		out.Offline = true
		metrics.IncMerge(s.def.Entity, "offline")
		return out
	}

	remoteState, found, err := s.def.Fetch(ctx, s.remote, userID, local)
	if err != nil {
		s.logger.Warn().Err(err).Str("entity", s.def.Entity).Str("user_id", userID).Msg("remote fetch failed, keeping local state")
		out.FetchErr = err
		metrics.IncMerge(s.def.Entity, "fetch_error")
		return out
	}

	merged := s.def.Merge(local, remoteState, found)
	out.Value = merged
	out.RemoteFound = found

	if !s.def.Equal(merged, local) && s.local != nil {
		if err := repository.SetJSON(ctx, s.local, userID, s.def.LocalKey(merged), merged); err != nil {
			s.logger.Error().Err(err).Str("entity", s.def.Entity).Str("user_id", userID).Msg("failed to cache merged state")
		} else {
			out.LocalWritten = true
		}
	}

	if !s.def.Equal(merged, remoteState) {
		if err := s.def.Push(ctx, s.remote, userID, merged); err != nil {
			s.logger.Warn().Err(err).Str("entity", s.def.Entity).Str("user_id", userID).Msg("failed to push merged state")
			out.PushErr = err
			metrics.IncMerge(s.def.Entity, "push_error")
			return out
		}
		out.RemoteWritten = true
	}

	switch {
	case out.LocalWritten || out.RemoteWritten:
		metrics.IncMerge(s.def.Entity, "merged")
	default:
		metrics.IncMerge(s.def.Entity, "unchanged")
	}
	return out
}
