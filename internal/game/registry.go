package game

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlornet/parlor/internal/protocol"
)

// Match is one in-progress game. The board it wraps is owned exclusively by
// the match and only ever touched under its lock.
type Match struct {
	mu sync.Mutex

	ID      string
	Kind    string
	Players []string

	board   *Board
	started time.Time
	moves   int
}

// HasPlayer reports whether the session is one of the match's players.
func (m *Match) HasPlayer(sessionID string) bool {
	for _, p := range m.Players {
		if p == sessionID {
			return true
		}
	}
	return false
}

// Others returns every participant except sessionID. The shipped games have
// exactly two players, but nothing here assumes that.
func (m *Match) Others(sessionID string) []string {
	var others []string
	for _, p := range m.Players {
		if p != sessionID {
			others = append(others, p)
		}
	}
	return others
}

// Identification maps each player to their in-game role label.
func (m *Match) Identification() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.board.Identification()
}

// TurnID returns the session id whose move is awaited.
func (m *Match) TurnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.board.TurnID()
}

// Moves returns the number of applied moves.
func (m *Match) Moves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}

// Duration returns how long the match has been running.
func (m *Match) Duration() time.Duration {
	return time.Since(m.started)
}

// State builds the full game-session payload sent to both players when the
// match starts. The caller supplies the player snapshots since sessions live
// in their own registry.
func (m *Match) State(players map[string]*protocol.Snapshot) *protocol.GameState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &protocol.GameState{
		GameID:         m.ID,
		Game:           m.Kind,
		Players:        players,
		Identification: m.board.Identification(),
		TurnID:         m.board.TurnID(),
	}
}

// Registry multiplexes moves to the correct match instance. Each match is
// serialized behind its own lock; unrelated games stay independent.
type Registry struct {
	mu      sync.RWMutex
	matches map[string]*Match
	// byPlayer indexes every match a session is part of. Bots can be in
	// several at once, so the index holds a set of game ids per player.
	byPlayer map[string]map[string]struct{}

	logger *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		matches:  make(map[string]*Match),
		byPlayer: make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Create instantiates a match of the named kind between the two players,
// challenger first. The opening player is chosen at random.
func (r *Registry) Create(kindName, challengerID, targetID string) (*Match, error) {
	kind, ok := LookupKind(kindName)
	if !ok {
		return nil, protocol.Invalid("Invalid game!")
	}

	first, second := challengerID, targetID
	if rand.Intn(2) == 1 {
		first, second = second, first
	}

	m := &Match{
		ID:      fmt.Sprintf("%s-%s-%s", challengerID, targetID, kindName),
		Kind:    kindName,
		Players: []string{challengerID, targetID},
		board:   NewBoard(kind.Config, first, second),
		started: time.Now(),
	}

	r.mu.Lock()
	r.matches[m.ID] = m
	for _, p := range m.Players {
		if r.byPlayer[p] == nil {
			r.byPlayer[p] = make(map[string]struct{})
		}
		r.byPlayer[p][m.ID] = struct{}{}
	}
	r.mu.Unlock()

	return m, nil
}

// Get looks up a match by game id.
func (r *Registry) Get(gameID string) (*Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[gameID]
	return m, ok
}

// ForPlayer returns every match the session is currently playing in. Most
// sessions have at most one, but a bot fielding simultaneous challenges can
// have several.
func (r *Registry) ForPlayer(sessionID string) []*Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Match
	for gameID := range r.byPlayer[sessionID] {
		if m, ok := r.matches[gameID]; ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// Remove drops the match from the registry.
func (r *Registry) Remove(gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.matches[gameID]
	if !ok {
		return
	}
	delete(r.matches, gameID)
	for _, p := range m.Players {
		delete(r.byPlayer[p], gameID)
		if len(r.byPlayer[p]) == 0 {
			delete(r.byPlayer, p)
		}
	}
}

// Move validates and applies one move, returning the match, the move
// broadcast payload, and the outcome (nil while the game is in progress).
// Validation failures come back as *protocol.ValidationError and leave the
// board untouched.
func (r *Registry) Move(gameID, sessionID string, move protocol.Coord) (*Match, *protocol.Moved, *Outcome, error) {
	m, ok := r.Get(gameID)
	if !ok {
		return nil, nil, nil, protocol.Invalid("Game does not exist!")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.board.Validate(sessionID, move); err != nil {
		return nil, nil, nil, err
	}

	moved := m.board.Apply(move)
	moved.GameID = gameID
	m.moves++

	return m, &moved, m.board.Outcome(), nil
}

// Quit ends a match early. The quitting session must be one of the players;
// with two players the other one wins by default. The match is removed from
// the registry and returned so the caller can notify and record it.
func (r *Registry) Quit(gameID, sessionID string) (*Match, string, error) {
	m, ok := r.Get(gameID)
	if !ok || !m.HasPlayer(sessionID) {
		return nil, "", protocol.Invalid("Invalid game details!")
	}

	winnerID := ""
	if others := m.Others(sessionID); len(others) == 1 {
		winnerID = others[0]
	}

	r.Remove(gameID)
	return m, winnerID, nil
}
