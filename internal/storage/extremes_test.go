package storage

import (
	"testing"
	"time"
)

func TestPickExtremesTieBreakByID(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	samples := []Sample{
		{ID: 5, Value: 7, Timestamp: base.Add(4 * time.Minute)},
		{ID: 2, Value: 3, Timestamp: base.Add(time.Minute)},
		{ID: 4, Value: 3, Timestamp: base.Add(3 * time.Minute)},
		{ID: 1, Value: 5, Timestamp: base},
		{ID: 3, Value: 9, Timestamp: base.Add(2 * time.Minute)},
	}

	got := PickExtremes(samples)
	if got.Lowest == nil || got.Lowest.ID != 2 {
		t.Fatalf("lowest should be id 2, got %+v", got.Lowest)
	}
	if got.Highest == nil || got.Highest.ID != 3 {
		t.Fatalf("highest should be id 3, got %+v", got.Highest)
	}
}

func TestPickExtremesEmpty(t *testing.T) {
	got := PickExtremes(nil)
	if got.Lowest != nil || got.Highest != nil {
		t.Fatalf("empty input should yield no extremes, got %+v", got)
	}
}

func TestPickExtremesFlatSeries(t *testing.T) {
	samples := []Sample{{ID: 9, Value: 1}, {ID: 4, Value: 1}, {ID: 6, Value: 1}}
	got := PickExtremes(samples)
	if got.Lowest.ID != 4 || got.Highest.ID != 4 {
		t.Fatalf("flat series should pick id 4 for both, got %d/%d", got.Lowest.ID, got.Highest.ID)
	}
}

func TestWindowContainsIsClosed(t *testing.T) {
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	w, err := NewWindow(start, start.Add(time.Minute))
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	if !w.Contains(start) || !w.Contains(start.Add(time.Minute)) {
		t.Fatal("window endpoints must be inclusive")
	}
	if w.Contains(start.Add(-time.Nanosecond)) || w.Contains(start.Add(time.Minute+time.Nanosecond)) {
		t.Fatal("instants outside the window must be excluded")
	}
	if _, err := NewWindow(start.Add(time.Second), start); err != ErrInvertedWindow {
		t.Fatalf("inverted window should fail, got %v", err)
	}
}
