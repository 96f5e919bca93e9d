package downloader

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a download item.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRetrying    Status = "retrying"
	StatusCancelled   Status = "cancelled"
)

// Active reports whether the item still occupies its resource: at most one
// active item may exist per resource.
func (s Status) Active() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusPaused, StatusRetrying:
		return true
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}

// Running reports whether the item holds a worker slot.
func (s Status) Running() bool {
	return s == StatusDownloading || s == StatusRetrying
}

// Priority is a scheduling hint.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority parses a priority name; the empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Metadata describes the catalog resource behind a download.
type Metadata struct {
	Title       string  `json:"title,omitempty"`
	Category    string  `json:"category,omitempty"`
	Type        string  `json:"type,omitempty"`
	Author      string  `json:"author,omitempty"`
	Description string  `json:"description,omitempty"`
	Thumbnail   string  `json:"thumbnail,omitempty"`
	Duration    string  `json:"duration,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
}

// Resource is what callers ask to download.
type Resource struct {
	ID       string   `json:"id"`
	URL      string   `json:"url"`
	Size     int64    `json:"size,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Options tune a single enqueue.
type Options struct {
	Priority Priority
}

// Item is one queued or finished download. Values handed out by the
// orchestrator are copies; mutating them has no effect.
type Item struct {
	ID               string     `json:"id"`
	ResourceID       string     `json:"resourceId"`
	URL              string     `json:"url"`
	SizeBytes        int64      `json:"sizeBytes"`
	DownloadedBytes  int64      `json:"downloadedBytes"`
	ProgressPercent  float64    `json:"progressPercent"`
	Status           Status     `json:"status"`
	Priority         Priority   `json:"priority"`
	RetryCount       int        `json:"retryCount"`
	SpeedBytesPerSec float64    `json:"speedBytesPerSec"`
	ETASeconds       float64    `json:"etaSeconds"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Error            string     `json:"error,omitempty"`
	MimeType         string     `json:"mimeType,omitempty"`
	Metadata         Metadata   `json:"metadata"`
	// Seq is the insertion order, used to break ties within a priority.
	Seq uint64 `json:"seq"`
}

func (it *Item) clone() Item {
	c := *it
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		c.CompletedAt = &t
	}

	return c
}

// setProgress records read bytes, growing the size when the server sends more
// than announced so that downloaded never exceeds size.
func (it *Item) setProgress(read, total int64) {
	if total > 0 && it.SizeBytes != total {
		it.SizeBytes = total
	}

	if read > it.SizeBytes && it.SizeBytes > 0 {
		it.SizeBytes = read
	}

	if read > it.DownloadedBytes {
		it.DownloadedBytes = read
	}

	it.ProgressPercent = percent(it.DownloadedBytes, it.SizeBytes)
}

func (it *Item) resetProgress() {
	it.DownloadedBytes = 0
	it.ProgressPercent = 0
	it.SpeedBytesPerSec = 0
	it.ETASeconds = 0
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}

	p := float64(done) / float64(total) * 100

	return min(max(p, 0), 100)
}

// FileMetadata is stored next to every completed payload.
type FileMetadata struct {
	DownloadID   string    `json:"downloadId"`
	ResourceID   string    `json:"resourceId"`
	FileSize     int64     `json:"fileSize"`
	MimeType     string    `json:"mimeType"`
	DownloadedAt time.Time `json:"downloadedAt"`
	LocalPath    string    `json:"localPath"`
	Metadata     Metadata  `json:"metadata"`
}

// StorageInfo summarises local storage usage.
type StorageInfo struct {
	TotalFiles       int    `json:"totalFiles"`
	TotalSize        int64  `json:"totalSize"`
	UsedStorage      uint64 `json:"usedStorage"`
	AvailableStorage uint64 `json:"availableStorage"`
	TotalStorage     uint64 `json:"totalStorage"`
}
