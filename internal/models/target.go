package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Target is the closed set of remote collections the engine can replay into.
type Target int

const (
	TargetUnknown Target = iota
	TargetDailyTasks
	TargetTaskCompletions
	TargetUserStreaks
)

var ErrUnknownTarget = errors.New("unknown target")

var targetNames = map[Target]string{
	TargetDailyTasks:      "daily_tasks",
	TargetTaskCompletions: "task_completions",
	TargetUserStreaks:     "user_streaks",
}

// DailyTasksConflictKey is the natural key of a daily_tasks row.
var DailyTasksConflictKey = []string{"user_id", "task_id", "date"}

// AllTargets lists every known target in declaration order.
func AllTargets() []Target {
	return []Target{TargetDailyTasks, TargetTaskCompletions, TargetUserStreaks}
}

// Collection is the remote collection name.
func (t Target) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return "unknown"
}

func (t Target) Valid() bool {
	_, ok := targetNames[t]
	return ok
}

// ParseTarget maps a collection name to its Target.
func ParseTarget(raw string) (Target, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for t, n := range targetNames {
		if n == name {
			return t, nil
		}
	}
	return TargetUnknown, fmt.Errorf("%w: %q", ErrUnknownTarget, raw)
}

func (t Target) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTarget, int(t))
	}
	return json.Marshal(t.String())
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTarget(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
