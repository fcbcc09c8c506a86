package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/connpro/orchestrator/internal/db"
	"github.com/connpro/orchestrator/internal/job"
)

const (
	namespace = "connpro/"
	keyPrefix = "profiles/"
)

var ErrNotFound = errors.New("profile not found")

// Record is a stored profile and when it was last reported.
type Record struct {
	job.Profile
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps reported profiles until their retention expires. Expiry is
// left to badger entry TTLs.
type Store struct {
	db  *db.Store
	now func() time.Time
}

func NewStore(dbStore *db.Store) *Store {
	return &Store{db: dbStore, now: time.Now}
}

func (s *Store) SaveProfile(p job.Profile, retention time.Duration) error {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	rec := Record{Profile: p, UpdatedAt: s.now().UTC()}
	if err := s.db.SetJSONWithTTL(namespace, keyPrefix+p.ID, rec, retention); err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) Get(id string) (Record, error) {
	var rec Record
	if err := s.db.GetJSON(namespace, keyPrefix+id, &rec); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) List(limit int) ([]Record, error) {
	keys, err := s.db.List(namespace, keyPrefix, limit)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.Get(strings.TrimPrefix(k, keyPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Delete(id string) error {
	return s.db.Delete(namespace, keyPrefix+id)
}
