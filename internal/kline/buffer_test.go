package kline

import "testing"

func TestBufferAddAppendsNewCloseTime(t *testing.T) {
	b := NewBuffer(10)
	b.Add(Kline{CloseTime: 1000, Close: 1.0})
	b.Add(Kline{CloseTime: 2000, Close: 2.0})

	if got := b.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	latest, ok := b.Latest()
	if !ok || latest.CloseTime != 2000 {
		t.Fatalf("Latest() = %+v, ok=%v, want CloseTime=2000", latest, ok)
	}
}

func TestBufferAddReplacesSameCloseTime(t *testing.T) {
	b := NewBuffer(10)
	b.Add(Kline{CloseTime: 1000, Close: 1.0})
	b.Add(Kline{CloseTime: 1000, Close: 1.5})

	if got := b.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (in-place replace)", got)
	}
	latest, _ := b.Latest()
	if latest.Close != 1.5 {
		t.Fatalf("Latest().Close = %v, want 1.5", latest.Close)
	}
}

func TestBufferEvictsOldestPastCapacity(t *testing.T) {
	b := NewBuffer(3)
	for i := int64(1); i <= 5; i++ {
		b.Add(Kline{CloseTime: i * 1000, Close: float64(i)})
	}
	snap := b.Snapshot(0)
	if len(snap) != 3 {
		t.Fatalf("len(snapshot) = %d, want 3", len(snap))
	}
	if snap[0].CloseTime != 3000 {
		t.Fatalf("oldest retained CloseTime = %d, want 3000", snap[0].CloseTime)
	}
}

func TestBufferSnapshotIsACopy(t *testing.T) {
	b := NewBuffer(10)
	b.Add(Kline{CloseTime: 1000, Close: 1.0})
	snap := b.Snapshot(0)
	snap[0].Close = 999

	latest, _ := b.Latest()
	if latest.Close != 1.0 {
		t.Fatalf("mutating a snapshot leaked into the buffer: got %v", latest.Close)
	}
}

func TestBufferLatestEmpty(t *testing.T) {
	b := NewBuffer(10)
	if _, ok := b.Latest(); ok {
		t.Fatalf("Latest() on empty buffer returned ok=true")
	}
}
