// Package avatar stores uploaded profile pictures for the lifetime of their
// owner's session.
package avatar

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Picture is one uploaded profile picture plus the metadata clients need to
// decode it.
type Picture struct {
	Size  int
	Shape []int
	Dtype string
	Data  []byte
}

// Store holds pictures keyed by session id. Entries never expire on their
// own; they are removed when their owner disconnects.
type Store struct {
	cache    *gocache.Cache
	maxBytes int
}

func NewStore(maxBytes int) *Store {
	return &Store{
		cache:    gocache.New(-1, 10*time.Second),
		maxBytes: maxBytes,
	}
}

// Allowed reports whether a declared upload size is within the limit.
func (s *Store) Allowed(size int) bool {
	return size <= s.maxBytes
}

// Put stores the picture for a session, replacing any previous one.
func (s *Store) Put(sessionID string, pic *Picture) {
	s.cache.Set(sessionID, pic, gocache.NoExpiration)
}

// Get fetches a session's picture, reporting whether one was found.
func (s *Store) Get(sessionID string) (*Picture, bool) {
	v, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*Picture), true
}

// Remove drops a session's picture.
func (s *Store) Remove(sessionID string) {
	s.cache.Delete(sessionID)
}

// All returns every stored picture keyed by session id.
func (s *Store) All() map[string]*Picture {
	items := s.cache.Items()
	all := make(map[string]*Picture, len(items))
	for id, item := range items {
		all[id] = item.Object.(*Picture)
	}
	return all
}
