package project

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Store holds the open projects, keyed by project id.
type Store struct {
	mu       sync.Mutex
	root     string
	local    bool
	projects map[string]*Project
}

// NewStore creates a project store rooted at root.
func NewStore(root string, local bool) *Store {
	return &Store{
		root:     root,
		local:    local,
		projects: make(map[string]*Project),
	}
}

// Open returns the project with the given id, creating it on first use.
func (s *Store) Open(id, name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[id]; ok {
		return p, nil
	}
	p, err := New(id, name, filepath.Join(s.root, id), s.local)
	if err != nil {
		return nil, err
	}
	s.projects[id] = p
	return p, nil
}

// Get returns an open project or an error if it is not open.
func (s *Store) Get(id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s is not open", id)
	}
	return p, nil
}

// Close commits pending directory removals and forgets the project.
func (s *Store) Close(id string) {
	s.mu.Lock()
	p, ok := s.projects[id]
	delete(s.projects, id)
	s.mu.Unlock()
	if ok {
		p.Commit()
	}
}

// List returns a snapshot of the open projects.
func (s *Store) List() []*Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out
}
