package models

// StreakState is the per-user streak record.
type StreakState struct {
	UserID           string `json:"user_id"`
	CurrentStreak    int    `json:"current_streak"`
	LongestStreak    int    `json:"longest_streak"`
	LastActivityDate string `json:"last_activity_date,omitempty"`
	TotalPoints      int    `json:"total_points"`
}

// Row returns the user_streaks row; the user id doubles as record id.
func (s StreakState) Row() Record {
	return Record{
		"id":                 s.UserID,
		"user_id":            s.UserID,
		"current_streak":     s.CurrentStreak,
		"longest_streak":     s.LongestStreak,
		"last_activity_date": s.LastActivityDate,
		"total_points":       s.TotalPoints,
	}
}

// StreakStateFromRow decodes a user_streaks row.
func StreakStateFromRow(row Record) StreakState {
	s := StreakState{
		CurrentStreak: intValue(row["current_streak"]),
		LongestStreak: intValue(row["longest_streak"]),
		TotalPoints:   intValue(row["total_points"]),
	}
	s.UserID, _ = row.String("user_id")
	s.LastActivityDate, _ = row.String("last_activity_date")
	return s
}
