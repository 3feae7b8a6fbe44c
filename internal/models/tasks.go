package models

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the natural-key date format used by daily snapshots.
const DateLayout = "2006-01-02"

// TaskEntry is one task inside a day's snapshot.
type TaskEntry struct {
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Points      int        `json:"points"`
	Title       string     `json:"title,omitempty"`
}

// DailyTaskState is the task-completion set for one user and date.
type DailyTaskState struct {
	UserID string               `json:"user_id"`
	Date   string               `json:"date"`
	Tasks  map[string]TaskEntry `json:"tasks"`
}

// NewDailyTaskState returns an empty snapshot.
func NewDailyTaskState(userID, date string) DailyTaskState {
	return DailyTaskState{UserID: userID, Date: date, Tasks: map[string]TaskEntry{}}
}

// CompletedCount counts completed tasks.
func (s DailyTaskState) CompletedCount() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Completed {
			n++
		}
	}
	return n
}

// Row returns the daily_tasks row for one task. Every row carries the same
// columns, with nil for an empty title or a missing completion time, so rows
// of one day can be sent in a single bulk request.
func (s DailyTaskState) Row(taskID string) Record {
	entry := s.Tasks[taskID]
	row := Record{
		"user_id":      s.UserID,
		"task_id":      taskID,
		"date":         s.Date,
		"completed":    entry.Completed,
		"points":       entry.Points,
		"title":        nil,
		"completed_at": nil,
	}
	if entry.Title != "" {
		row["title"] = entry.Title
	}
	if entry.CompletedAt != nil {
		row["completed_at"] = entry.CompletedAt.UTC().Format(time.RFC3339)
	}
	return row
}

// Rows returns one daily_tasks row per task, sorted by task id.
func (s DailyTaskState) Rows() []Record {
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([]Record, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, s.Row(id))
	}
	return rows
}

// DailyTaskStateFromRows rebuilds a snapshot from remote rows. Rows for other
// users or dates are ignored.
func DailyTaskStateFromRows(userID, date string, rows []Record) DailyTaskState {
	state := NewDailyTaskState(userID, date)
	for _, row := range rows {
		if u, _ := row.String("user_id"); u != "" && u != userID {
			continue
		}
		if d, _ := row.String("date"); d != "" && d != date {
			continue
		}
		taskID, ok := row.String("task_id")
		if !ok {
			continue
		}
		entry := TaskEntry{}
		if v, ok := row["completed"].(bool); ok {
			entry.Completed = v
		}
		entry.Points = intValue(row["points"])
		if title, ok := row.String("title"); ok {
			entry.Title = title
		}
		if raw, ok := row.String("completed_at"); ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				entry.CompletedAt = &ts
			}
		}
		state.Tasks[taskID] = entry
	}
	return state
}

// ValidateDate checks the natural-key date format.
func ValidateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}
	return nil
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
