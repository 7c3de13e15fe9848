// Package directory resolves user and profile relationships, used by the
// engine to classify which user a notification is about relative to the
// receiving admin.
package directory

import "sync"

// Directory looks up profile-parent relationships.
type Directory interface {
	// ProfileParent returns the parent user of a profile, or false when
	// userID is not a profile.
	ProfileParent(userID int) (int, bool)
}

// ParentOrSelf returns the profile parent of userID, or userID itself when
// it has none.
func ParentOrSelf(d Directory, userID int) int {
	if d == nil {
		return userID
	}
	if parent, ok := d.ProfileParent(userID); ok {
		return parent
	}
	return userID
}

// Static is an in-memory Directory populated at wiring time.
type Static struct {
	mu      sync.RWMutex
	parents map[int]int
}

// NewStatic creates an empty Static directory.
func NewStatic() *Static {
	return &Static{parents: make(map[int]int)}
}

// AddProfile records child as a profile of parent.
func (s *Static) AddProfile(child, parent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parents[child] = parent
}

// ProfileParent implements Directory.
func (s *Static) ProfileParent(userID int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parent, ok := s.parents[userID]
	return parent, ok
}
