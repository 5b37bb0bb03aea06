package queue

import (
	"container/list"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

type record struct {
	entry Entry
	elem  *list.Element
}

// Store is the in-memory staging queue. Entries are keyed by URL and, within
// each status, kept in ascending rank order.
type Store struct {
	mu          sync.Mutex
	byURL       map[string]*record
	byInstance  map[uint32]string
	index       map[Status]*list.List
	lastRank    int64
	maxFailures int
	now         func() time.Time
}

// New creates an empty Store.
func New(opts Options) *Store {
	s := &Store{
		byURL:       make(map[string]*record),
		byInstance:  make(map[uint32]string),
		index:       make(map[Status]*list.List, len(allStatuses)),
		maxFailures: max(opts.MaxFailures, 0),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, st := range allStatuses {
		s.index[st] = list.New()
	}
	return s
}

// SetMaxFailures changes the failure threshold. Entries already failed stay failed.
func (s *Store) SetMaxFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxFailures = max(n, 0)
}

// MaxFailures returns the current failure threshold.
func (s *Store) MaxFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFailures
}

// Insert adds url as a queued entry at the tail. If url is already present the
// existing entry is returned unchanged and created is false.
func (s *Store) Insert(url string) (Entry, bool) {
	return s.CondInsert(url, "")
}

// CondInsert is Insert with a requested tree name recorded on new entries.
func (s *Store) CondInsert(url, treeName string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byURL[url]; ok {
		return rec.entry, false
	}

	now := s.now()
	rec := &record{entry: Entry{
		URL:        url,
		Status:     StatusQueued,
		Rank:       s.nextRank(),
		InstanceID: s.newInstanceID(url),
		TreeName:   treeName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	s.byURL[url] = rec
	s.link(rec)
	return rec.entry, true
}

// Lookup returns the entry for url.
func (s *Store) Lookup(url string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byURL[url]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// LookupInstance returns the entry correlated with an instance id.
func (s *Store) LookupInstance(id uint32) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url, ok := s.byInstance[id]
	if !ok {
		return Entry{}, false
	}
	return s.mustRecord(url).entry, true
}

// SetStatus overwrites the status of url. The dispatcher uses it for the
// queued to running transition.
func (s *Store) SetStatus(url string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byURL[url]
	if !ok {
		return fmt.Errorf("set status %s for %q: %w", status, url, ErrEntryNotFound)
	}
	if rec.entry.Status == status {
		return nil
	}
	s.unlink(rec)
	rec.entry.Status = status
	rec.entry.UpdatedAt = s.now()
	s.link(rec)
	return nil
}

// Success records the result of a completed staging and marks url successful.
// Calling it on an entry that is already terminal leaves the entry unchanged.
func (s *Store) Success(url string, res Result) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byURL[url]
	if !ok {
		return Entry{}, fmt.Errorf("success for %q: %w", url, ErrEntryNotFound)
	}
	if rec.entry.Status.Terminal() {
		return rec.entry, nil
	}

	s.unlink(rec)
	rec.entry.Status = StatusSuccess
	rec.entry.EndpointURL = res.EndpointURL
	rec.entry.ResultTree = res.TreeName
	rec.entry.Events = res.Events
	rec.entry.SizeBytes = res.SizeBytes
	rec.entry.Staged = true
	rec.entry.UpdatedAt = s.now()
	s.link(rec)
	return rec.entry, nil
}

// Failed counts a staging failure for url and moves the entry to the tail of
// the queue, or marks it failed once the threshold is reached. Terminal
// entries are returned unchanged.
func (s *Store) Failed(url string, wasStaged bool) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byURL[url]
	if !ok {
		return Entry{}, fmt.Errorf("failed for %q: %w", url, ErrEntryNotFound)
	}
	if rec.entry.Status.Terminal() {
		return rec.entry, nil
	}

	s.unlink(rec)
	rec.entry.Failures++
	rec.entry.Rank = s.nextRank()
	rec.entry.Staged = wasStaged
	if s.maxFailures > 0 && rec.entry.Failures >= s.maxFailures {
		rec.entry.Status = StatusFailed
	} else {
		rec.entry.Status = StatusQueued
	}
	rec.entry.UpdatedAt = s.now()
	s.link(rec)
	return rec.entry, nil
}

// QueryByStatus returns up to limit entries with the given status in ascending
// rank order. A limit <= 0 returns all of them.
func (s *Store) QueryByStatus(status Status, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.index[status]
	if !ok {
		return nil
	}
	n := l.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for e := l.Front(); e != nil && len(out) < n; e = e.Next() {
		out = append(out, e.Value.(*record).entry)
	}
	return out
}

// Summary counts entries per status.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Queued:  s.index[StatusQueued].Len(),
		Running: s.index[StatusRunning].Len(),
		Success: s.index[StatusSuccess].Len(),
		Failed:  s.index[StatusFailed].Len(),
	}
}

// Flush removes every terminal entry and returns how many were removed.
func (s *Store) Flush() int {
	return len(s.FlushEntries())
}

// FlushEntries removes every terminal entry and returns the removed entries,
// successful ones first, each group in rank order.
func (s *Store) FlushEntries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Entry
	for _, st := range []Status{StatusSuccess, StatusFailed} {
		l := s.index[st]
		for e := l.Front(); e != nil; {
			next := e.Next()
			rec := e.Value.(*record)
			removed = append(removed, rec.entry)
			l.Remove(e)
			rec.elem = nil
			delete(s.byURL, rec.entry.URL)
			delete(s.byInstance, rec.entry.InstanceID)
			e = next
		}
	}
	return removed
}

func (s *Store) nextRank() int64 {
	s.lastRank++
	return s.lastRank
}

func (s *Store) newInstanceID(url string) uint32 {
	for {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := s.byInstance[id]; taken {
			continue
		}
		s.byInstance[id] = url
		return id
	}
}

// link places rec in its status list, keeping the list sorted by rank. New
// ranks are always the maximum, so the walk from the back usually stops at once.
func (s *Store) link(rec *record) {
	if rec.elem != nil {
		panic(fmt.Sprintf("queue: entry %q linked twice", rec.entry.URL))
	}
	l, ok := s.index[rec.entry.Status]
	if !ok {
		panic(fmt.Sprintf("queue: entry %q has invalid status %q", rec.entry.URL, rec.entry.Status))
	}
	for e := l.Back(); e != nil; e = e.Prev() {
		if e.Value.(*record).entry.Rank < rec.entry.Rank {
			rec.elem = l.InsertAfter(rec, e)
			return
		}
	}
	rec.elem = l.PushFront(rec)
}

func (s *Store) unlink(rec *record) {
	if rec.elem == nil {
		panic(fmt.Sprintf("queue: entry %q missing from %s index", rec.entry.URL, rec.entry.Status))
	}
	s.index[rec.entry.Status].Remove(rec.elem)
	rec.elem = nil
}

func (s *Store) mustRecord(url string) *record {
	rec, ok := s.byURL[url]
	if !ok {
		panic(fmt.Sprintf("queue: instance index points at unknown entry %q", url))
	}
	return rec
}
