package progress

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	r.Start("item-1")

	item, ok := r.Get("item-1")
	if !ok {
		t.Fatal("expected item to be tracked after Start")
	}
	if !item.IsDownloading || item.Status != StatusDownloading {
		t.Errorf("fresh item = %+v, want downloading", item)
	}

	r.SetBytesTotal("item-1", 1000)
	r.SetBytesReceived("item-1", 250)

	item, _ = r.Get("item-1")
	if item.Progress != 0.25 {
		t.Errorf("Progress = %v, want 0.25", item.Progress)
	}

	r.SetFinalizing("item-1")
	item, _ = r.Get("item-1")
	if item.Progress != 1.0 || item.Status != StatusFinalizing {
		t.Errorf("after SetFinalizing: %+v", item)
	}
	if !item.IsDownloading {
		t.Error("finalizing item should still count as downloading")
	}

	r.Complete("item-1")
	item, _ = r.Get("item-1")
	if item.Progress != 1.0 || item.Status != StatusCompleted || item.IsDownloading {
		t.Errorf("after Complete: %+v", item)
	}

	r.Remove("item-1")
	if _, ok := r.Get("item-1"); ok {
		t.Error("item still tracked after Remove")
	}
}

func TestRegistryUnknownTotal(t *testing.T) {
	r := NewRegistry()
	r.Start("item-1")
	r.SetBytesReceived("item-1", 5000)

	item, _ := r.Get("item-1")
	if item.Progress != 0 {
		t.Errorf("Progress = %v without a known total, want 0", item.Progress)
	}
	if item.BytesReceived != 5000 {
		t.Errorf("BytesReceived = %d, want 5000", item.BytesReceived)
	}

	// Total arriving late recomputes the fraction.
	r.SetBytesTotal("item-1", 10000)
	item, _ = r.Get("item-1")
	if item.Progress != 0.5 {
		t.Errorf("Progress = %v after late total, want 0.5", item.Progress)
	}
}

func TestRegistryJSON(t *testing.T) {
	r := NewRegistry()
	r.Start("item-1")
	r.SetBytesTotal("item-1", 100)
	r.SetBytesReceived("item-1", 50)

	var item ItemProgress
	if err := json.Unmarshal([]byte(r.ItemJSON("item-1")), &item); err != nil {
		t.Fatalf("ItemJSON produced invalid JSON: %v", err)
	}
	if item.ItemID != "item-1" || item.Progress != 0.5 {
		t.Errorf("decoded item = %+v", item)
	}

	if got := r.ItemJSON("missing"); got != "{}" {
		t.Errorf("ItemJSON(missing) = %s, want {}", got)
	}

	var all struct {
		Items map[string]ItemProgress `json:"items"`
	}
	if err := json.Unmarshal([]byte(r.AllJSON()), &all); err != nil {
		t.Fatalf("AllJSON produced invalid JSON: %v", err)
	}
	if len(all.Items) != 1 {
		t.Errorf("AllJSON items = %d, want 1", len(all.Items))
	}

	r.ClearAll()
	if got := r.AllJSON(); got != `{"items":{}}` {
		t.Errorf("AllJSON after ClearAll = %s", got)
	}
}

func TestWriterPublishesEvery64KiB(t *testing.T) {
	r := NewRegistry()
	r.Start("item-1")
	r.SetBytesTotal("item-1", 256*1024)

	var sink bytes.Buffer
	w := NewWriter(&sink, r, "item-1")

	chunk := make([]byte, 16*1024)

	// 48 KiB written: below the update interval, nothing published.
	for i := 0; i < 3; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	item, _ := r.Get("item-1")
	if item.BytesReceived != 0 {
		t.Errorf("BytesReceived = %d before the update interval, want 0", item.BytesReceived)
	}

	// Crossing 64 KiB publishes.
	if _, err := w.Write(chunk); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	item, _ = r.Get("item-1")
	if item.BytesReceived != 64*1024 {
		t.Errorf("BytesReceived = %d, want %d", item.BytesReceived, 64*1024)
	}

	if w.BytesWritten() != 64*1024 {
		t.Errorf("BytesWritten() = %d, want %d", w.BytesWritten(), 64*1024)
	}
}

func TestWriterFlush(t *testing.T) {
	r := NewRegistry()
	r.Start("item-1")

	var sink bytes.Buffer
	w := NewWriter(&sink, r, "item-1")

	if _, err := w.Write(make([]byte, 1000)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	item, _ := r.Get("item-1")
	if item.BytesReceived != 0 {
		t.Errorf("BytesReceived = %d before Flush, want 0", item.BytesReceived)
	}

	w.Flush()
	item, _ = r.Get("item-1")
	if item.BytesReceived != 1000 {
		t.Errorf("BytesReceived = %d after Flush, want 1000", item.BytesReceived)
	}
}
