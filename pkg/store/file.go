package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/credmux/credmux/pkg/cache"
)

type fileState struct {
	Version     int          `json:"version"`
	NextID      int64        `json:"next_id"`
	Credentials []Credential `json:"credentials"`
}

// FileStore keeps credentials in memory and mirrors every mutation to a JSON
// file with an atomic rename, the same way the models cache is persisted.
type FileStore struct {
	mu     sync.Mutex
	path   string
	nextID int64
	byID   map[int64]Credential
	now    func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		nextID: 1,
		byID:   map[int64]Credential{},
		now:    time.Now,
	}
	var state fileState
	err := cache.LoadJSON(path, &state)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
		return s, nil
	}
	for _, c := range state.Credentials {
		s.byID[c.ID] = c
		if c.ID >= s.nextID {
			s.nextID = c.ID + 1
		}
	}
	if state.NextID > s.nextID {
		s.nextID = state.NextID
	}
	return s, nil
}

// NewMemoryStore returns a FileStore with persistence disabled. Test helper.
func NewMemoryStore() *FileStore {
	return &FileStore{nextID: 1, byID: map[int64]Credential{}, now: time.Now}
}

// SetNow overrides the clock. Test hook.
func (s *FileStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *FileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	state := fileState{Version: 1, NextID: s.nextID}
	state.Credentials = make([]Credential, 0, len(s.byID))
	for _, c := range s.byID {
		state.Credentials = append(state.Credentials, c)
	}
	sort.Slice(state.Credentials, func(i, j int) bool {
		return state.Credentials[i].ID < state.Credentials[j].ID
	})
	return cache.SaveJSON(s.path, state)
}

func (s *FileStore) List(_ context.Context, provider string) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credential, 0, len(s.byID))
	for _, c := range s.byID {
		if provider != "" && c.Provider != provider {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) Get(_ context.Context, id int64) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *FileStore) Create(_ context.Context, cred Credential) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred.ID = s.nextID
	s.nextID++
	now := s.now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now
	if cred.Status == "" {
		cred.Status = StatusActive
	}
	s.byID[cred.ID] = cred
	if err := s.persistLocked(); err != nil {
		delete(s.byID, cred.ID)
		return Credential{}, err
	}
	return cred, nil
}

func (s *FileStore) Update(_ context.Context, id int64, mutate func(*Credential) error) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	cp := c
	if err := mutate(&cp); err != nil {
		return Credential{}, err
	}
	cp.ID = id
	cp.UpdatedAt = s.now().UTC()
	s.byID[id] = cp
	if err := s.persistLocked(); err != nil {
		s.byID[id] = c
		return Credential{}, err
	}
	return cp, nil
}

func (s *FileStore) IncrementFailures(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	c.FailureCount++
	c.UpdatedAt = s.now().UTC()
	s.byID[id] = c
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return c.FailureCount, nil
}
