// Package session owns the set of currently connected identities and their
// outbound queues. All mutation of another session's attributes is funneled
// through this package; no other component touches a Session's fields without
// holding its lock.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlornet/parlor/internal/protocol"
)

// Session is the server-side record of one connected identity.
type Session struct {
	// Guards the attribute fields below. Matchmaking operations that
	// read-then-write two sessions' maps take both locks; see LockPair.
	sync.Mutex

	ID       string
	Username string
	Color    string
	Bot      bool
	// Engaged is true iff the session is currently assigned to exactly one
	// active game.
	Engaged bool
	// Challenged maps opponent id -> game kind for the challenge this session
	// issued and is awaiting a response to. Holds at most one entry.
	Challenged map[string]string
	// Pending maps challenger id -> game kind for the challenge awaiting this
	// session's decision. Holds at most one entry.
	Pending map[string]string

	// PendingImage holds the metadata of an announced upload whose blob frame
	// hasn't arrived yet. The next inbound frame is consumed as the blob.
	PendingImage *protocol.ImageMeta

	conn net.Conn

	sendMu sync.Mutex
	queue  chan []byte
	closed bool
}

// Snapshot returns a copy of the session's attributes safe to serialize.
func (s *Session) Snapshot() *protocol.Snapshot {
	s.Lock()
	defer s.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *protocol.Snapshot {
	challenged := make(map[string]string, len(s.Challenged))
	for k, v := range s.Challenged {
		challenged[k] = v
	}
	pending := make(map[string]string, len(s.Pending))
	for k, v := range s.Pending {
		pending[k] = v
	}

	return &protocol.Snapshot{
		ID:         s.ID,
		Username:   s.Username,
		Color:      s.Color,
		Bot:        s.Bot,
		Engaged:    s.Engaged,
		Challenged: challenged,
		Pending:    pending,
	}
}

// Name returns the display name without requiring the caller to hold the lock.
func (s *Session) Name() string {
	s.Lock()
	defer s.Unlock()
	return s.Username
}

// IsBot reports whether the session identified itself as a bot client.
func (s *Session) IsBot() bool {
	s.Lock()
	defer s.Unlock()
	return s.Bot
}

// IsEngaged reports whether the session is in an active game.
func (s *Session) IsEngaged() bool {
	s.Lock()
	defer s.Unlock()
	return s.Engaged
}

// SetEngaged flips the engaged flag.
func (s *Session) SetEngaged(engaged bool) {
	s.Lock()
	s.Engaged = engaged
	s.Unlock()
}

// LockPair acquires both sessions' locks in a stable order so that two
// matchmaking operations touching the same pair can't interleave.
func LockPair(a, b *Session) {
	if a == b {
		a.Lock()
		return
	}
	if a.ID < b.ID {
		a.Lock()
		b.Lock()
	} else {
		b.Lock()
		a.Lock()
	}
}

// UnlockPair releases locks taken by LockPair.
func UnlockPair(a, b *Session) {
	if a == b {
		a.Unlock()
		return
	}
	a.Unlock()
	b.Unlock()
}

// Enqueue places a pre-serialized frame on the session's outbound queue.
// It never blocks; false means the frame was dropped because the queue is
// closed or the client has stopped draining it.
func (s *Session) Enqueue(frame []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// EnqueuePair places two frames on the outbound queue as a unit, or neither.
// Frames whose meaning depends on their successor (an image metadata frame
// and its raw blob) must go through here so a full queue can't deliver one
// without the other.
func (s *Session) EnqueuePair(first, second []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed || cap(s.queue)-len(s.queue) < 2 {
		return false
	}
	s.queue <- first
	s.queue <- second
	return true
}

func (s *Session) closeQueue() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// writeLoop drains the outbound queue onto the connection, decoupling send
// latency from dispatch latency. It exits when the queue is closed or the
// connection errors out.
func (s *Session) writeLoop(logger *logrus.Logger, writeTimeout time.Duration) {
	for frame := range s.queue {
		if writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := protocol.WritePayload(s.conn, frame); err != nil {
			logger.Warnf("error sending to session %s: %v", s.ID, err)
			return
		}
	}
}
