package downloads

import (
	"errors"
	"strings"
	"time"

	"finch/internal/services/jellyfin"
)

// Status represents the lifecycle of a download.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusFailed      Status = "failed"
)

// InterruptedReason is the error recorded for transfers cut short by a
// previous process exit.
const InterruptedReason = "download interrupted before completion"

// MissingFileReason is the error recorded when a finished file disappears.
const MissingFileReason = "downloaded file is missing"

// ErrInsufficientSpace marks transfers refused by the free-space floor.
var ErrInsufficientSpace = errors.New("insufficient free space")

var allStatuses = []Status{StatusQueued, StatusDownloading, StatusDownloaded, StatusFailed}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStatuses {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// IsActive reports whether a transfer is pending or running.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading
}

// Progress tracks bytes moved for one transfer. A zero total means unknown.
type Progress struct {
	BytesReceived int64 `json:"bytes_received"`
	BytesTotal    int64 `json:"bytes_total"`
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.BytesTotal <= 0 {
		return -1
	}
	pct := float64(p.BytesReceived) / float64(p.BytesTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// State is the persisted record of one download.
type State struct {
	ItemID    string    `json:"item_id"`
	ServerID  string    `json:"server_id,omitempty"`
	Status    Status    `json:"status"`
	ItemName  string    `json:"item_name,omitempty"`
	LocalFile string    `json:"local_file,omitempty"`
	Progress  Progress  `json:"progress"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OfflineMediaItem is the metadata kept so a downloaded item can be shown
// without a server.
type OfflineMediaItem struct {
	ID             string             `json:"id"`
	ServerID       string             `json:"server_id,omitempty"`
	Name           string             `json:"name"`
	Type           string             `json:"type,omitempty"`
	Overview       string             `json:"overview,omitempty"`
	SeriesName     string             `json:"series_name,omitempty"`
	ProductionYear int                `json:"production_year,omitempty"`
	RunTimeTicks   int64              `json:"run_time_ticks,omitempty"`
	Container      string             `json:"container,omitempty"`
	Genres         []string           `json:"genres,omitempty"`
	ImageTags      map[string]string  `json:"image_tags,omitempty"`
	UserData       *jellyfin.UserData `json:"user_data,omitempty"`
	LocalFile      string             `json:"local_file,omitempty"`
	SavedAt        time.Time          `json:"saved_at,omitempty"`
}

// OfflineItemFromRemote captures the display metadata of a server item.
func OfflineItemFromRemote(serverID string, item jellyfin.Item) OfflineMediaItem {
	out := OfflineMediaItem{
		ID:             item.ID,
		ServerID:       serverID,
		Name:           item.Name,
		Type:           item.Type,
		Overview:       item.Overview,
		SeriesName:     item.SeriesName,
		ProductionYear: item.ProductionYear,
		RunTimeTicks:   item.RunTimeTicks,
		Container:      item.Container,
		Genres:         append([]string(nil), item.Genres...),
	}
	if len(item.ImageTags) > 0 {
		out.ImageTags = make(map[string]string, len(item.ImageTags))
		for k, v := range item.ImageTags {
			out.ImageTags[k] = v
		}
	}
	if item.UserData != nil {
		ud := *item.UserData
		out.UserData = &ud
	}
	return out
}

// Source describes where an item is fetched from and what to remember about it.
type Source struct {
	ServerID string
	URL      string
	Metadata OfflineMediaItem
}

// Event is published whenever a download changes or is removed.
type Event struct {
	ItemID  string
	State   State
	Removed bool
	// Err is the cause of a failure, set only on the event that reports it.
	Err error
}
