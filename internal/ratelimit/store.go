package ratelimit

import (
	"sort"
	"time"

	"github.com/citizen-chat/resilience-core/internal/partition"
)

// RateRecord tracks one user's quota usage.
type RateRecord struct {
	DailyCount     int       `json:"daily_count"`
	LastRequest    time.Time `json:"last_request"`
	Date           string    `json:"date"`
	ViolationCount int       `json:"violation_count"`
}

// AddedBy records who blacklisted a user.
type AddedBy string

const (
	AddedBySystem AddedBy = "system"
	AddedByAdmin  AddedBy = "admin"
)

// BlacklistEntry blocks a user until removed or until ExpiresAt passes.
type BlacklistEntry struct {
	UserID    string     `json:"user_id"`
	Reason    string     `json:"reason"`
	AddedAt   time.Time  `json:"added_at"`
	AddedBy   AddedBy    `json:"added_by"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry no longer applies at now.
func (e *BlacklistEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// RecordStore holds rate records. Update must run fn atomically with respect
// to other calls for the same user.
type RecordStore interface {
	Update(userID string, fn func(rec *RateRecord))
	Get(userID string) (RateRecord, bool)
	Delete(userID string)
	Sweep(keep func(userID string, rec *RateRecord) bool) int
	Len() int
}

// BlacklistStore holds blacklist entries.
type BlacklistStore interface {
	Get(userID string) (BlacklistEntry, bool)
	Put(entry BlacklistEntry)
	Delete(userID string) bool
	Sweep(keep func(entry *BlacklistEntry) bool) int
	List() []BlacklistEntry
	Len() int
}

// MemoryRecordStore is the process-local RecordStore.
type MemoryRecordStore struct {
	records *partition.Map[RateRecord]
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: partition.New[RateRecord](partition.DefaultShards)}
}

func (s *MemoryRecordStore) Update(userID string, fn func(rec *RateRecord)) {
	s.records.Do(userID, func(cur *RateRecord) *RateRecord {
		if cur == nil {
			cur = &RateRecord{}
		}
		fn(cur)
		return cur
	})
}

func (s *MemoryRecordStore) Get(userID string) (RateRecord, bool) {
	return s.records.Load(userID)
}

func (s *MemoryRecordStore) Delete(userID string) {
	s.records.Delete(userID)
}

func (s *MemoryRecordStore) Sweep(keep func(userID string, rec *RateRecord) bool) int {
	return s.records.Sweep(keep)
}

func (s *MemoryRecordStore) Len() int {
	return s.records.Len()
}

// MemoryBlacklistStore is the process-local BlacklistStore.
type MemoryBlacklistStore struct {
	entries *partition.Map[BlacklistEntry]
}

// NewMemoryBlacklistStore creates an empty in-memory blacklist.
func NewMemoryBlacklistStore() *MemoryBlacklistStore {
	return &MemoryBlacklistStore{entries: partition.New[BlacklistEntry](16)}
}

func (s *MemoryBlacklistStore) Get(userID string) (BlacklistEntry, bool) {
	return s.entries.Load(userID)
}

func (s *MemoryBlacklistStore) Put(entry BlacklistEntry) {
	s.entries.Do(entry.UserID, func(*BlacklistEntry) *BlacklistEntry {
		return &entry
	})
}

func (s *MemoryBlacklistStore) Delete(userID string) bool {
	return s.entries.Delete(userID)
}

func (s *MemoryBlacklistStore) Sweep(keep func(entry *BlacklistEntry) bool) int {
	return s.entries.Sweep(func(_ string, e *BlacklistEntry) bool { return keep(e) })
}

func (s *MemoryBlacklistStore) List() []BlacklistEntry {
	var out []BlacklistEntry
	s.entries.Each(func(_ string, e *BlacklistEntry) {
		out = append(out, *e)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

func (s *MemoryBlacklistStore) Len() int {
	return s.entries.Len()
}
