package progress

import (
	"encoding/json"
	"io"
	"sync"
)

// Item statuses as exposed over the JSON query surface.
const (
	StatusDownloading = "downloading"
	StatusFinalizing  = "finalizing"
	StatusCompleted   = "completed"
)

// ItemProgress represents progress for a single download item.
type ItemProgress struct {
	ItemID        string  `json:"item_id"`
	BytesTotal    int64   `json:"bytes_total"`
	BytesReceived int64   `json:"bytes_received"`
	Progress      float64 `json:"progress"` // 0.0 to 1.0
	IsDownloading bool    `json:"is_downloading"`
	Status        string  `json:"status"`
}

// snapshot is the JSON shape of the full registry.
type snapshot struct {
	Items map[string]*ItemProgress `json:"items"`
}

// Registry tracks progress for concurrent downloads. Construct one and
// share it by reference.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*ItemProgress
}

// NewRegistry creates an empty progress registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*ItemProgress)}
}

// Start initializes tracking for an item, resetting any prior state.
func (r *Registry) Start(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[itemID] = &ItemProgress{
		ItemID:        itemID,
		IsDownloading: true,
		Status:        StatusDownloading,
	}
}

// SetBytesTotal sets the expected total size for an item.
func (r *Registry) SetBytesTotal(itemID string, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item, ok := r.items[itemID]; ok {
		item.BytesTotal = total
		if item.BytesTotal > 0 {
			item.Progress = float64(item.BytesReceived) / float64(item.BytesTotal)
		}
	}
}

// SetBytesReceived records the bytes received so far. The fraction is
// recomputed when the total is known and left at zero otherwise.
func (r *Registry) SetBytesReceived(itemID string, received int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item, ok := r.items[itemID]; ok {
		item.BytesReceived = received
		if item.BytesTotal > 0 {
			item.Progress = float64(received) / float64(item.BytesTotal)
		}
	}
}

// SetFinalizing marks an item as finalizing (metadata embedding). The
// fraction pins to 1.0 while the download flag stays up.
func (r *Registry) SetFinalizing(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item, ok := r.items[itemID]; ok {
		item.Progress = 1.0
		item.Status = StatusFinalizing
	}
}

// Complete marks an item as done.
func (r *Registry) Complete(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item, ok := r.items[itemID]; ok {
		item.Progress = 1.0
		item.IsDownloading = false
		item.Status = StatusCompleted
	}
}

// Remove drops tracking for an item.
func (r *Registry) Remove(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, itemID)
}

// ClearAll drops all tracked items.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]*ItemProgress)
}

// Get returns a copy of an item's progress and whether it exists.
func (r *Registry) Get(itemID string) (ItemProgress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if item, ok := r.items[itemID]; ok {
		return *item, true
	}
	return ItemProgress{}, false
}

// ItemJSON returns a single item's progress as JSON, "{}" when absent.
func (r *Registry) ItemJSON(itemID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if item, ok := r.items[itemID]; ok {
		data, _ := json.Marshal(item)
		return string(data)
	}
	return "{}"
}

// AllJSON returns all tracked items as JSON.
func (r *Registry) AllJSON() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := json.Marshal(snapshot{Items: r.items})
	if err != nil {
		return `{"items":{}}`
	}
	return string(data)
}

// updateInterval is how often the progress writer publishes received
// bytes. Coarse updates keep lock contention off the copy loop.
const updateInterval = 64 * 1024

// Writer wraps an io.Writer and publishes received-byte counts for an
// item as data flows through it.
type Writer struct {
	w        io.Writer
	registry *Registry
	itemID   string
	current  int64
	lastPub  int64
}

// NewWriter creates a progress-tracking writer for an item.
func NewWriter(w io.Writer, registry *Registry, itemID string) *Writer {
	return &Writer{w: w, registry: registry, itemID: itemID}
}

// Write implements io.Writer.
func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	if err != nil {
		return n, err
	}
	pw.current += int64(n)

	if pw.current-pw.lastPub >= updateInterval {
		pw.registry.SetBytesReceived(pw.itemID, pw.current)
		pw.lastPub = pw.current
	}
	return n, nil
}

// Flush publishes the final byte count.
func (pw *Writer) Flush() {
	pw.registry.SetBytesReceived(pw.itemID, pw.current)
	pw.lastPub = pw.current
}

// BytesWritten returns the total bytes passed through the writer.
func (pw *Writer) BytesWritten() int64 {
	return pw.current
}
