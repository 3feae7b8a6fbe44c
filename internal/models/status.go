package models

// SyncStatus is the orchestrator state broadcast to subscribers.
type SyncStatus string

const (
	StatusOnline  SyncStatus = "online"
	StatusOffline SyncStatus = "offline"
	StatusSyncing SyncStatus = "syncing"
)

// NoticeKind identifies a one-time user-facing advisory.
type NoticeKind string

const (
	NoticeOffline      NoticeKind = "offline"
	NoticeChangesSaved NoticeKind = "changes_saved"
)

// Notice is published when the user should be told about sync state.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}
