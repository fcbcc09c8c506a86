package job

import (
	"errors"
	"fmt"
	"sync"

	"github.com/connpro/orchestrator/internal/db"
)

var ErrNoJob = errors.New("no job saved")

// JobStore persists the single job record (both in-memory and persistent).
type JobStore interface {
	Load() (*Job, error)
	Save(j *Job) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	job   *Job
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.job == nil {
		return nil, ErrNoJob
	}
	j := s.job.Clone()
	return &j, nil
}

func (s *MemoryStore) Save(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := j.Clone()
	s.job = &c
	s.saves++
	return nil
}

// Saves reports how many times the record was written.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

const (
	SystemNamespace = "connpro/"
	stateKey        = "job/state"
)

type PersistentStore struct {
	dbStore *db.Store
}

func NewPersistentStore(dbStore *db.Store) *PersistentStore {
	return &PersistentStore{dbStore: dbStore}
}

func (s *PersistentStore) Load() (*Job, error) {
	var j Job
	if err := s.dbStore.GetJSON(SystemNamespace, stateKey, &j); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	return &j, nil
}

func (s *PersistentStore) Save(j *Job) error {
	if err := s.dbStore.SetJSON(SystemNamespace, stateKey, j); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}
