package syncer

import (
	"encoding/json"
	"time"
)

// ChangeType names the kind of local mutation. New types become valid once a
// handler is registered for them.
type ChangeType string

const (
	ChangeBookmark        ChangeType = "bookmark"
	ChangeProgress        ChangeType = "progress"
	ChangeRating          ChangeType = "rating"
	ChangeDownloadHistory ChangeType = "download_history"
)

// ChangeStatus is the lifecycle state of a change record.
type ChangeStatus string

const (
	StatusPending   ChangeStatus = "pending"
	StatusCompleted ChangeStatus = "completed"
	StatusFailed    ChangeStatus = "failed"
	StatusConflict  ChangeStatus = "conflict"
	StatusResolved  ChangeStatus = "resolved"
)

// ActionUpload is the only action a change record carries.
const ActionUpload = "upload"

// Change is one queued local mutation awaiting upload.
type Change struct {
	ID         string          `json:"id"`
	Type       ChangeType      `json:"type"`
	Payload    json.RawMessage `json:"data"`
	Action     string          `json:"action"`
	Status     ChangeStatus    `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (c *Change) clone() Change {
	out := *c
	out.Payload = append(json.RawMessage(nil), c.Payload...)

	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}

	return out
}

// Status is a snapshot of the engine.
type Status struct {
	IsOnline       bool       `json:"isOnline"`
	SyncInProgress bool       `json:"syncInProgress"`
	LastSyncTime   *time.Time `json:"lastSyncTime"`
	PendingChanges int        `json:"pendingChanges"`
	FailedChanges  int        `json:"failedChanges"`
}

// Report summarises one pass. It is the payload of syncCompleted.
type Report struct {
	LastSyncTime     time.Time `json:"lastSyncTime"`
	Uploaded         int       `json:"uploaded"`
	Failed           int       `json:"failed"`
	Resolved         []Change  `json:"resolved,omitempty"`
	ResourcesUpdated int       `json:"resourcesUpdated"`
	BookmarksUpdated int       `json:"bookmarksUpdated"`
	ProgressUpdated  int       `json:"progressUpdated"`
}

// Failure is the payload of syncFailed.
type Failure struct {
	Error string `json:"error"`
}

// snapshot is what gets persisted under dataKey.
type snapshot struct {
	Queue        []*Change  `json:"syncQueue"`
	LastSyncTime *time.Time `json:"lastSyncTime"`
}
