package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dailysync/internal/config"
	"dailysync/internal/domain"
	"dailysync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Prefer string
	APIKey string
	Auth   string
	Body   string
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*HTTPStore, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Prefer: r.Header.Get("Prefer"),
			APIKey: r.Header.Get("apikey"),
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	store := NewHTTPStore(config.RemoteConfig{BaseURL: srv.URL + "/", APIKey: "anon-key", RequestTimeout: time.Second}, nil)
	return store, &requests
}

func TestHTTPStore_Mutations(t *testing.T) {
	store, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "task_completions", models.Record{"id": "c1", "user_id": "u1"}))
	require.NoError(t, store.Update(ctx, "user_streaks", "u1", models.Record{"current_streak": 3}))
	require.NoError(t, store.Delete(ctx, "task_completions", "c1"))
	require.NoError(t, store.Upsert(ctx, "daily_tasks", []models.Record{{"user_id": "u1", "task_id": "t1", "date": "2025-01-01"}}, models.DailyTasksConflictKey))
	require.NoError(t, store.Upsert(ctx, "daily_tasks", nil, models.DailyTasksConflictKey))

	require.Len(t, *requests, 4, "empty upsert sends nothing")
	reqs := *requests

	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/rest/v1/task_completions", reqs[0].Path)
	assert.JSONEq(t, `{"id":"c1","user_id":"u1"}`, reqs[0].Body)
	assert.Equal(t, "anon-key", reqs[0].APIKey)
	assert.Equal(t, "Bearer anon-key", reqs[0].Auth)

	assert.Equal(t, http.MethodPatch, reqs[1].Method)
	assert.Equal(t, []string{"eq.u1"}, reqs[1].Query["id"])

	assert.Equal(t, http.MethodDelete, reqs[2].Method)
	assert.Equal(t, []string{"eq.c1"}, reqs[2].Query["id"])
	assert.Empty(t, reqs[2].Body)

	assert.Equal(t, http.MethodPost, reqs[3].Method)
	assert.Equal(t, []string{"user_id,task_id,date"}, reqs[3].Query["on_conflict"])
	assert.Contains(t, reqs[3].Prefer, "resolution=merge-duplicates")
	assert.JSONEq(t, `[{"user_id":"u1","task_id":"t1","date":"2025-01-01"}]`, reqs[3].Body)
}

func TestHTTPStore_Select(t *testing.T) {
	store, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]models.Record{{"task_id": "t1", "completed": true}})
	})

	rows, err := store.Select(context.Background(), "daily_tasks", domain.Filter{"user_id": "u1", "date": "2025-01-01"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["completed"])

	req := (*requests)[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, []string{"*"}, req.Query["select"])
	assert.Equal(t, []string{"eq.u1"}, req.Query["user_id"])
	assert.Equal(t, []string{"eq.2025-01-01"}, req.Query["date"])
}

func TestHTTPStore_Errors(t *testing.T) {
	store, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/v1/duplicate":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
		case "/rest/v1/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("upstream exploded"))
		}
	})
	ctx := context.Background()

	err := store.Insert(ctx, "duplicate", models.Record{"id": "x"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "23505", apiErr.Code)

	_, err = store.Select(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Update(ctx, "other", "x", models.Record{})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream exploded", apiErr.Message)
	assert.NotErrorIs(t, err, ErrAlreadyExists)
}

func TestHTTPStore_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewHTTPStore(config.RemoteConfig{BaseURL: srv.URL, RPS: 0.001, Burst: 1}, nil)
	ctx := context.Background()
	require.NoError(t, store.Delete(ctx, "c", "1"))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, store.Delete(short, "c", "2"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "task_completions", models.Record{"id": "c1", "points": 5}))
	err := store.Insert(ctx, "task_completions", models.Record{"id": "c1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, store.Update(ctx, "task_completions", "c1", models.Record{"points": 7}))
	require.NoError(t, store.Update(ctx, "task_completions", "absent", models.Record{"points": 1}))
	rows := store.Rows("task_completions")
	require.Len(t, rows, 1)
	assert.Equal(t, float64(7), rows[0]["points"])

	key := models.DailyTasksConflictKey
	require.NoError(t, store.Upsert(ctx, "daily_tasks", []models.Record{
		{"user_id": "u1", "task_id": "t1", "date": "2025-01-01", "completed": false},
		{"user_id": "u1", "task_id": "t2", "date": "2025-01-01", "completed": false},
	}, key))
	require.NoError(t, store.Upsert(ctx, "daily_tasks", []models.Record{
		{"user_id": "u1", "task_id": "t1", "date": "2025-01-01", "completed": true},
	}, key))

	got, err := store.Select(ctx, "daily_tasks", domain.Filter{"user_id": "u1", "task_id": "t1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, true, got[0]["completed"])
	assert.Len(t, store.Rows("daily_tasks"), 2)

	require.NoError(t, store.Delete(ctx, "task_completions", "c1"))
	assert.Empty(t, store.Rows("task_completions"))

	assert.Len(t, store.Calls(), 8)
}

func TestMemoryStore_Fault(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("network down")
	store.SetFault(func(c Call) error {
		if c.Method == "insert" && c.Records[0]["id"] == "bad" {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, store.Insert(ctx, "c", models.Record{"id": "bad"}), boom)
	require.NoError(t, store.Insert(ctx, "c", models.Record{"id": "good"}))

	rows := store.Rows("c")
	require.Len(t, rows, 1)
	assert.Equal(t, "good", rows[0]["id"])
	assert.Len(t, store.Calls(), 2)

	store.ResetCalls()
	assert.Empty(t, store.Calls())
}

func TestHTTPStore_UpsertSendsUniformKeys(t *testing.T) {
	store, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	ctx := context.Background()

	done := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	day := models.NewDailyTaskState("u1", "2025-03-01")
	day.Tasks["water"] = models.TaskEntry{Completed: true, CompletedAt: &done, Points: 10, Title: "Drink water"}
	day.Tasks["walk"] = models.TaskEntry{Points: 5}

	require.NoError(t, store.Upsert(ctx, "daily_tasks", day.Rows(), models.DailyTasksConflictKey))
	require.NoError(t, store.Upsert(ctx, "user_streaks", []models.Record{
		{"user_id": "u1", "current_streak": 2},
		{"user_id": "u2"},
	}, []string{"user_id"}))
	require.Len(t, *requests, 2)
	reqs := *requests

	var objects []map[string]any
	require.NoError(t, json.Unmarshal([]byte(reqs[0].Body), &objects))
	require.Len(t, objects, 2)
	for _, obj := range objects[1:] {
		assert.ElementsMatch(t, keysOf(objects[0]), keysOf(obj))
	}
	assert.Nil(t, objects[0]["completed_at"], "uncompleted walk sorts first")
	assert.NotContains(t, reqs[0].Query, "columns")

	assert.Equal(t, []string{"current_streak,user_id"}, reqs[1].Query["columns"])
	assert.Equal(t, []string{"user_id"}, reqs[1].Query["on_conflict"])
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
