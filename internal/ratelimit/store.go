package ratelimit

import (
	"sync"
	"time"
)

// Record is the restart history kept for one key.
type Record struct {
	AttemptCount        int       `json:"attempt_count"`
	LastRestart         time.Time `json:"last_restart"`
	WindowStart         time.Time `json:"window_start"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
}

// Store holds restart records. Update must serialize concurrent updates of
// the same key; fn runs while that key is locked and its result is returned.
type Store interface {
	Get(key string) (Record, bool)
	Update(key string, fn func(rec *Record)) Record
	Delete(key string)
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// MemoryStore is an in-process Store with one lock per key.
type MemoryStore struct {
	entries sync.Map // key -> *entry
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Get(key string) (Record, bool) {
	v, ok := s.entries.Load(key)
	if !ok {
		return Record{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

func (s *MemoryStore) Update(key string, fn func(rec *Record)) Record {
	v, _ := s.entries.LoadOrStore(key, &entry{})
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.rec)
	return e.rec
}

func (s *MemoryStore) Delete(key string) { s.entries.Delete(key) }
