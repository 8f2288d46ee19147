// Package registrations journals trigger registrations so a crash between the
// schedule commit and trigger registration can be resolved at startup.
package registrations

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./data/wal/registrations"
	segmentLimit = 100
	maxSegments  = 10

	entryKeyPrefix = "trigger_registration_"
)

// Status of a registration entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Entry is the latest known state of one registration attempt.
type Entry struct {
	ID         string    `json:"id"`
	ScheduleID int64     `json:"schedule_id"`
	Status     Status    `json:"status"`
	Time       time.Time `json:"time"`
	Error      string    `json:"error,omitempty"`
}

// WALStore keeps entries in a WAL; every status change is a new record.
type WALStore struct {
	wal     *gowal.Wal
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewWALStore opens the journal and replays it.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "registration_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init registration WAL")
	}

	s := &WALStore{wal: wal, entries: make(map[string]*Entry), now: time.Now}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, entryKeyPrefix) {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode registration entry %s", msg.Key)
		}
		s.entries[entry.ID] = &entry
	}

	return s, nil
}

// Prepare records a pending registration for scheduleID.
func (s *WALStore) Prepare(scheduleID int64) (*Entry, error) {
	entry := &Entry{
		ID:         uuid.New().String(),
		ScheduleID: scheduleID,
		Status:     StatusPending,
		Time:       s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(entry); err != nil {
		return nil, err
	}
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *WALStore) MarkDone(entry *Entry) error {
	if entry == nil {
		return nil
	}
	return s.update(entry, StatusDone, nil)
}

func (s *WALStore) MarkFailed(entry *Entry, cause error) error {
	if entry == nil {
		return nil
	}
	return s.update(entry, StatusFailed, cause)
}

func (s *WALStore) update(entry *Entry, status Status, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *entry
	next.Status = status
	next.Time = s.now().UTC()
	next.Error = ""
	if cause != nil {
		next.Error = cause.Error()
	}

	if err := s.persist(&next); err != nil {
		return err
	}
	*entry = next
	s.entries[entry.ID] = entry
	return nil
}

// Pending returns entries still waiting for resolution, oldest first.
func (s *WALStore) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// Close releases the WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return nil
	}
	return s.wal.Close()
}

// persist must be called with the lock held.
func (s *WALStore) persist(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal registration entry")
	}
	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, entryKeyPrefix+entry.ID, data); err != nil {
		return errors.Wrap(err, "write registration entry")
	}
	return nil
}
