package store

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-analyze/bulk"
)

// DefaultCapacity is the ledger size cap used when none is configured.
const DefaultCapacity = 500

// Pending tracks a record whose original or modified response was not available at capture
// time. A non-empty ref names the side still missing.
type Pending struct {
	RecordID    string    `json:"record_id"`
	OriginalRef string    `json:"original_ref,omitempty"` // source request id
	ModifiedRef string    `json:"modified_ref,omitempty"` // dispatcher response id
	QueuedAt    time.Time `json:"queued_at"`
}

// Ledger is a bounded newest-first record store with its pending set. Every pending ID is
// present in the ledger. Thread-safe.
type Ledger struct {
	mu       sync.RWMutex
	capacity int
	records  []*Record // newest first
	byID     map[string]*Record
	pending  map[string]Pending
}

// NewLedger creates an empty Ledger. capacity <= 0 uses DefaultCapacity.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		capacity: capacity,
		byID:     make(map[string]*Record),
		pending:  make(map[string]Pending),
	}
}

// Capacity returns the size cap.
func (l *Ledger) Capacity() int { return l.capacity }

// Insert prepends rec and trims the oldest records beyond the cap. A record with an existing ID
// replaces the previous one and drops its pending entry. Returns the IDs evicted by the cap.
func (l *Ledger) Insert(rec Record) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[rec.ID]; ok {
		l.records = bulk.SliceFilterInPlace(func(r *Record) bool { return r.ID != rec.ID }, l.records)
		delete(l.pending, rec.ID)
	}
	stored := rec.Clone()
	l.records = slices.Insert(l.records, 0, &stored)
	l.byID[rec.ID] = &stored

	if len(l.records) <= l.capacity {
		return nil
	}
	evicted := make([]string, 0, len(l.records)-l.capacity)
	for _, r := range l.records[l.capacity:] {
		evicted = append(evicted, r.ID)
		delete(l.byID, r.ID)
		delete(l.pending, r.ID)
	}
	clear(l.records[l.capacity:])
	l.records = l.records[:l.capacity]
	return evicted
}

// Update applies fn to the record with the given ID. Returns false if not found.
func (l *Ledger) Update(id string, fn func(*Record)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Get returns a copy of the record with the given ID.
func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.byID[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Snapshot returns copies of all records, newest first.
func (l *Ledger) Snapshot() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = r.Clone()
	}
	return out
}

// Clear removes all records and pending entries.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = nil
	l.byID = make(map[string]*Record)
	l.pending = make(map[string]Pending)
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.records)
}

// MarkPending adds p to the pending set. Returns false if the record is not in the ledger.
func (l *Ledger) MarkPending(p Pending) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[p.RecordID]; !ok {
		return false
	}
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now()
	}
	l.pending[p.RecordID] = p
	return true
}

// ResolvePending removes id from the pending set. Returns false if it was not pending.
func (l *Ledger) ResolvePending(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[id]; !ok {
		return false
	}
	delete(l.pending, id)
	return true
}

// DrainPending empties the pending set and returns the number of entries removed.
func (l *Ledger) DrainPending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.pending)
	l.pending = make(map[string]Pending)
	return n
}

// Pending returns a copy of the pending set ordered by queue time.
func (l *Ledger) Pending() []Pending {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := bulk.MapValuesSlice(l.pending)
	slices.SortFunc(out, func(a, b Pending) int {
		if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RecordID, b.RecordID)
	})
	return out
}

func (l *Ledger) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pending)
}

// PendingEntry returns the pending entry for id.
func (l *Ledger) PendingEntry(id string) (Pending, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.pending[id]
	return p, ok
}

// IsPending reports if id is in the pending set.
func (l *Ledger) IsPending(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.pending[id]
	return ok
}

// ExpirePending removes pending entries queued before cutoff and returns their IDs.
func (l *Ledger) ExpirePending(cutoff time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []string
	for id, p := range l.pending {
		if p.QueuedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(l.pending, id)
		}
	}
	slices.Sort(expired)
	return expired
}
