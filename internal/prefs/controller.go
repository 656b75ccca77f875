package prefs

import (
	"sync"
	"time"
)

const recentFailureWindow = 24 * time.Hour

// ControllerRecord is the persisted success/failure history of one linked
// controller of a bed.
type ControllerRecord struct {
	Successes           int         `json:"successes"`
	Failures            int         `json:"failures"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time  `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time  `json:"lastFailureAt,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	RecentFailureAts    []time.Time `json:"recentFailureAts"`
}

type bedMeta struct {
	PinnedController string `json:"pinnedController,omitempty"`
}

type bedRecord struct {
	Meta        bedMeta                      `json:"_meta"`
	Controllers map[string]*ControllerRecord `json:"controllers"`
}

// ControllerStats is the persisted per-bed controller statistics store used
// by the failover scorer and sticky selection.
type ControllerStats struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	beds map[string]*bedRecord
}

// LoadControllerStats loads the stats file; a missing file yields an empty store.
func LoadControllerStats(path string) (*ControllerStats, error) {
	s := &ControllerStats{path: path, now: time.Now, beds: make(map[string]*bedRecord)}
	if err := loadJSON(path, &s.beds); err != nil {
		return nil, err
	}
	for _, b := range s.beds {
		if b.Controllers == nil {
			b.Controllers = make(map[string]*ControllerRecord)
		}
	}
	return s, nil
}

func (s *ControllerStats) bed(bedKey string) *bedRecord {
	b, ok := s.beds[bedKey]
	if !ok {
		b = &bedRecord{Controllers: make(map[string]*ControllerRecord)}
		s.beds[bedKey] = b
	}
	return b
}

func (s *ControllerStats) controller(bedKey, ctrlKey string) *ControllerRecord {
	b := s.bed(bedKey)
	c, ok := b.Controllers[ctrlKey]
	if !ok {
		c = &ControllerRecord{}
		b.Controllers[ctrlKey] = c
	}
	return c
}

func pruneRecent(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-recentFailureWindow)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// RecordSuccess marks a successful operation on a controller and persists.
func (s *ControllerStats) RecordSuccess(bedKey, ctrlKey string) error {
	now := s.now()

	s.mu.Lock()
	c := s.controller(bedKey, ctrlKey)
	c.Successes++
	c.ConsecutiveFailures = 0
	at := now
	c.LastSuccessAt = &at
	c.RecentFailureAts = pruneRecent(c.RecentFailureAts, now)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return writeFileAtomic(s.path, snapshot)
}

// RecordFailure marks a failed operation on a controller and persists.
func (s *ControllerStats) RecordFailure(bedKey, ctrlKey, errMsg string) error {
	now := s.now()

	s.mu.Lock()
	c := s.controller(bedKey, ctrlKey)
	c.Failures++
	c.ConsecutiveFailures++
	at := now
	c.LastFailureAt = &at
	c.LastError = errMsg
	c.RecentFailureAts = append(pruneRecent(c.RecentFailureAts, now), now)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return writeFileAtomic(s.path, snapshot)
}

// Record returns a copy of the controller record, zero value when absent.
func (s *ControllerStats) Record(bedKey, ctrlKey string) ControllerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.beds[bedKey]
	if !ok {
		return ControllerRecord{}
	}
	c, ok := b.Controllers[ctrlKey]
	if !ok {
		return ControllerRecord{}
	}
	out := *c
	out.RecentFailureAts = append([]time.Time(nil), c.RecentFailureAts...)
	return out
}

// FailuresSince counts recorded failures after the cutoff.
func (s *ControllerStats) FailuresSince(bedKey, ctrlKey string, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.beds[bedKey]
	if !ok {
		return 0
	}
	c, ok := b.Controllers[ctrlKey]
	if !ok {
		return 0
	}
	n := 0
	for _, t := range c.RecentFailureAts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Pinned returns the pinned controller key for a bed, empty when unset.
func (s *ControllerStats) Pinned(bedKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.beds[bedKey]
	if !ok {
		return ""
	}
	return b.Meta.PinnedController
}

// SetPinned records the sticky controller choice for a bed and persists.
func (s *ControllerStats) SetPinned(bedKey, ctrlKey string) error {
	s.mu.Lock()
	b := s.bed(bedKey)
	if b.Meta.PinnedController == ctrlKey {
		s.mu.Unlock()
		return nil
	}
	b.Meta.PinnedController = ctrlKey
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return writeFileAtomic(s.path, snapshot)
}

// snapshotLocked deep-copies the map for serialization outside the lock.
func (s *ControllerStats) snapshotLocked() map[string]*bedRecord {
	out := make(map[string]*bedRecord, len(s.beds))
	for bk, b := range s.beds {
		nb := &bedRecord{Meta: b.Meta, Controllers: make(map[string]*ControllerRecord, len(b.Controllers))}
		for ck, c := range b.Controllers {
			nc := *c
			nc.RecentFailureAts = append([]time.Time(nil), c.RecentFailureAts...)
			nb.Controllers[ck] = &nc
		}
		out[bk] = nb
	}
	return out
}
