package ratelimit

import (
	"testing"
	"time"
)

func TestAddWithinCapacity(t *testing.T) {
	now := time.Now()
	l := New(Options{Capacity: 9, Interval: time.Second, Length: 3})

	if err := l.AddAt("", 9, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.AddAt("", 1, now); err != ErrOverLimit {
		t.Fatalf("got %v, want ErrOverLimit", err)
	}
	if err := l.AddAt("", 1, now.Add(1*time.Second)); err != ErrOverLimit {
		t.Fatalf("got %v, want ErrOverLimit", err)
	}
	if err := l.AddAt("", 1, now.Add(2*time.Second)); err != ErrOverLimit {
		t.Fatalf("got %v, want ErrOverLimit", err)
	}
	if err := l.AddAt("", 1, now.Add(3*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSlidingWindowDecay(t *testing.T) {
	now := time.Now()
	l := New(Options{Capacity: 9, Interval: time.Second, Length: 3})

	mustAdd := func(v Ticket, offset time.Duration, wantErr bool) {
		t.Helper()
		err := l.AddAt("", v, now.Add(offset))
		if wantErr && err != ErrOverLimit {
			t.Fatalf("offset %v: got %v, want ErrOverLimit", offset, err)
		}
		if !wantErr && err != nil {
			t.Fatalf("offset %v: unexpected error: %v", offset, err)
		}
	}

	mustAdd(3, 0, false)
	mustAdd(6, 2*time.Second, false)
	mustAdd(1, 2*time.Second, true)
	mustAdd(3, 3*time.Second, false)
	mustAdd(9, 9*time.Second, false)
	mustAdd(1, 11*time.Second, true)
	mustAdd(9, 12*time.Second, false)
	mustAdd(10, 99*time.Second, true)
}

func TestEntryRetention(t *testing.T) {
	now := time.Now()
	l := New(Options{Capacity: 9, Interval: time.Second, Length: 3})

	if err := l.AddAt("a", 1, now); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}

	if err := l.AddAt("b", 1, now.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}

	// by now + 3s, "a" has fully decayed (3 intervals since its last add)
	// and the retention scan triggered by "b"'s upkeep should drop it.
	if err := l.AddAt("b", 1, now.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1 after retention scan", l.Len())
	}
}

func TestCapacityAcrossFullWindow(t *testing.T) {
	now := time.Now()
	l := New(Options{Capacity: 3, Interval: time.Second, Length: 3})

	if err := l.AddAt("k", 1, now); err != nil {
		t.Fatal(err)
	}
	full := time.Duration(l.opt.Capacity) * l.opt.Interval
	if err := l.AddAt("k", 1, now.Add(full)); err != nil {
		t.Fatalf("add after full window should succeed: %v", err)
	}
}
