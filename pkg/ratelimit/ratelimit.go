// Package ratelimit implements a per-key sliding window approximated by a
// fixed-length histogram of buckets, one per configured interval.
package ratelimit

import (
	"sync"
	"time"
)

// Ticket is the integer cost charged against a key's bucket sum.
type Ticket uint32

// Options configures a Limiter. Capacity is the maximum ticket sum live
// across all buckets for one key; interval is the bucket width; length is
// the number of buckets (so the window spans length*interval).
type Options struct {
	Capacity Ticket
	Interval time.Duration
	Length   int
}

// DefaultOptions mirrors the upstream default: a capacity of one ticket,
// one-second buckets, five buckets (so one ticket per five-second window).
func DefaultOptions() Options {
	return Options{Capacity: 1, Interval: time.Second, Length: 5}
}

func (o Options) newEntry(now time.Time) *entry {
	return &entry{
		earlier:    now,
		nextUpkeep: now.Add(o.Interval),
		buckets:    make([]Ticket, o.Length),
	}
}

// entry is one key's sliding-window state.
type entry struct {
	earlier    time.Time
	buckets    []Ticket // buckets[0] is the bucket beginning at earlier
	nextUpkeep time.Time
}

func (e *entry) sum() Ticket {
	var s Ticket
	for _, v := range e.buckets {
		s += v
	}
	return s
}

// upkeep rotates buckets forward to `now`, clearing rotated-in slots.
// Returns false if the entry has fully decayed (sum is zero and the
// window has rolled past it) so the caller can drop it.
func (e *entry) upkeep(now time.Time, o Options) bool {
	if now.Before(e.nextUpkeep) {
		return true
	}

	since := now.Sub(e.earlier)
	if since < 0 {
		return true
	}
	i := int(since / o.Interval)
	if i == 0 {
		return true
	}

	if i < len(e.buckets) {
		copy(e.buckets[i:], e.buckets[:len(e.buckets)-i])
		for j := 0; j < i; j++ {
			e.buckets[j] = 0
		}
		e.earlier = e.earlier.Add(time.Duration(i) * o.Interval)
		e.nextUpkeep = e.earlier.Add(o.Interval)
	} else {
		for j := range e.buckets {
			e.buckets[j] = 0
		}
		e.earlier = now
		e.nextUpkeep = e.earlier.Add(o.Interval)
	}

	return e.sum() > 0
}

func (e *entry) add(value Ticket, o Options) error {
	if e.sum()+value > o.Capacity {
		return ErrOverLimit
	}
	e.buckets[0] += value
	return nil
}

// ErrOverLimit is returned by Add when the ticket would push a key's
// bucket sum past capacity.
var ErrOverLimit = overLimitError{}

type overLimitError struct{}

func (overLimitError) Error() string { return "rate limit exceeded" }

// Limiter is a per-key sliding-window ticket accountant. Safe for
// concurrent use.
type Limiter struct {
	opt Options

	mu          sync.Mutex
	entries     map[string]*entry
	nextRetain  time.Time
	hasNextScan bool
}

// New creates a Limiter with the given options.
func New(opt Options) *Limiter {
	if opt.Length <= 0 {
		opt.Length = 1
	}
	return &Limiter{opt: opt, entries: make(map[string]*entry)}
}

// Add charges value tickets against key at the current time, running
// upkeep first. Returns ErrOverLimit if this would exceed capacity.
func (l *Limiter) Add(key string, value Ticket) error {
	return l.AddAt(key, value, time.Now())
}

// AddAt is Add with an explicit `now`, used by tests. now must be
// monotonically non-decreasing across calls for a given Limiter.
func (l *Limiter) AddAt(key string, value Ticket, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hasNextScan && !l.nextRetain.After(now) {
		for k, e := range l.entries {
			if !e.upkeep(now, l.opt) {
				delete(l.entries, k)
			}
		}
	}

	e, ok := l.entries[key]
	if !ok {
		e = l.opt.newEntry(now)
		l.entries[key] = e
	} else {
		e.upkeep(now, l.opt)
	}

	err := e.add(value, l.opt)

	l.recomputeNextRetain()

	return err
}

func (l *Limiter) recomputeNextRetain() {
	l.hasNextScan = false
	for _, e := range l.entries {
		if !l.hasNextScan || e.nextUpkeep.Before(l.nextRetain) {
			l.nextRetain = e.nextUpkeep
			l.hasNextScan = true
		}
	}
}

// Len returns the number of live keys. Diagnostic use only.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot is one key's current accounting, for the /x/rate-limits/ dump.
type Snapshot struct {
	Key string
	Sum Ticket
}

// Dump returns every live key's current ticket sum (after upkeep),
// backing the admin diagnostic endpoint.
func (l *Limiter) Dump() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	out := make([]Snapshot, 0, len(l.entries))
	for k, e := range l.entries {
		e.upkeep(now, l.opt)
		out = append(out, Snapshot{Key: k, Sum: e.sum()})
	}
	return out
}
