package session

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlornet/parlor/internal/protocol"
)

// ErrUnknownAttribute is returned by Update when every key in the change set
// is unrecognized.
var ErrUnknownAttribute = errors.New("unknown attributes")

// userColors is the palette new sessions draw their display color from.
var userColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

const queueDepth = 256

// Registry is the single source of truth for connected sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// nextID increments with every accepted connection; ids are never reused.
	nextID int

	logger       *logrus.Logger
	writeTimeout time.Duration
}

func NewRegistry(logger *logrus.Logger, writeTimeout time.Duration) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

// Register creates a session for conn with default attributes, assigns it the
// next sequential id, and starts the goroutine draining its outbound queue.
func (r *Registry) Register(conn net.Conn) *Session {
	r.mu.Lock()
	id := strconv.Itoa(r.nextID)
	r.nextID++

	s := &Session{
		ID:         id,
		Username:   fmt.Sprintf("USER#%s", id),
		Color:      userColors[rand.Intn(len(userColors))],
		Challenged: make(map[string]string),
		Pending:    make(map[string]string),
		conn:       conn,
		queue:      make(chan []byte, queueDepth),
	}
	r.sessions[id] = s
	r.mu.Unlock()

	go s.writeLoop(r.logger, r.writeTimeout)
	return s
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session from the registry and closes its outbound queue,
// which stops the write loop once the queue drains.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.closeQueue()
	}
}

// All returns the current sessions. The slice is a snapshot; sessions may
// disconnect while the caller iterates.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Roster returns serializable snapshots of every connected session, keyed by id.
func (r *Registry) Roster() map[string]*protocol.Snapshot {
	roster := make(map[string]*protocol.Snapshot)
	for _, s := range r.All() {
		roster[s.ID] = s.Snapshot()
	}
	return roster
}

// Update applies the recognized keys in changes to the session's attributes
// and reports which keys were dropped. A change set with no recognized keys
// fails with ErrUnknownAttribute. The id and bot flag are only writable at
// registration time.
func (r *Registry) Update(id string, changes map[string]interface{}) (map[string]interface{}, []string, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("unknown session %s", id)
	}

	s.Lock()
	defer s.Unlock()

	applied := make(map[string]interface{})
	var dropped []string
	for key, value := range changes {
		str, isString := value.(string)
		switch {
		case key == "username" && isString:
			s.Username = str
			applied[key] = value
		case key == "color" && isString:
			s.Color = str
			applied[key] = value
		default:
			dropped = append(dropped, key)
		}
	}

	if len(applied) == 0 {
		return nil, dropped, ErrUnknownAttribute
	}
	return applied, dropped, nil
}

// ApplyHandshake applies the optional attribute frame a client may send
// before normal operation begins. Unlike Update it is allowed to set the bot
// flag, since registration is the only writer of that attribute.
func (r *Registry) ApplyHandshake(s *Session, changes map[string]interface{}) {
	s.Lock()
	defer s.Unlock()

	for key, value := range changes {
		switch key {
		case "username":
			if str, ok := value.(string); ok {
				s.Username = str
			}
		case "color":
			if str, ok := value.(string); ok {
				s.Color = str
			}
		case "bot":
			if b, ok := value.(bool); ok {
				s.Bot = b
			}
		}
	}
}

// Send serializes resp onto the session's outbound queue.
func (r *Registry) Send(s *Session, resp *protocol.Response) {
	frame, err := resp.Encode()
	if err != nil {
		r.logger.Errorf("error encoding response for session %s: %v", s.ID, err)
		return
	}
	if !s.Enqueue(frame) {
		r.logger.Warnf("dropped frame for session %s (queue closed or full)", s.ID)
	}
}

// SendWithBlob enqueues resp immediately followed by a raw blob frame,
// atomically. Used for avatar delivery, where the blob frame is only
// interpretable on the heels of its metadata frame.
func (r *Registry) SendWithBlob(s *Session, resp *protocol.Response, blob []byte) {
	frame, err := resp.Encode()
	if err != nil {
		r.logger.Errorf("error encoding response for session %s: %v", s.ID, err)
		return
	}
	if !s.EnqueuePair(frame, blob) {
		r.logger.Warnf("dropped frame pair for session %s (queue closed or full)", s.ID)
	}
}

// SendTo is Send for callers that only hold a session id.
func (r *Registry) SendTo(id string, resp *protocol.Response) {
	if s, ok := r.Get(id); ok {
		r.Send(s, resp)
	}
}

// Broadcast enqueues a serialized copy of resp onto every session's outbound
// queue for which include returns true. A nil include sends to everyone.
func (r *Registry) Broadcast(resp *protocol.Response, include func(*Session) bool) {
	frame, err := resp.Encode()
	if err != nil {
		r.logger.Errorf("error encoding broadcast: %v", err)
		return
	}

	for _, s := range r.All() {
		if include != nil && !include(s) {
			continue
		}
		if !s.Enqueue(frame) {
			r.logger.Warnf("dropped broadcast for session %s (queue closed or full)", s.ID)
		}
	}
}
