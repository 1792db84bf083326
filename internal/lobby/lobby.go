// Package lobby implements the matchmaking state machine: challenge
// issuance, cancellation, acceptance, and rejection. Every operation
// read-then-writes two sessions' challenge maps, so each one runs with both
// sessions locked (in id order) to keep interleaved challenges from losing
// updates.
package lobby

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/parlornet/parlor/internal/game"
	"github.com/parlornet/parlor/internal/protocol"
	"github.com/parlornet/parlor/internal/session"
)

// Lobby mediates challenges between sessions and hands accepted ones to the
// game registry.
type Lobby struct {
	sessions *session.Registry
	games    *game.Registry
	logger   *logrus.Logger

	// botGuardBypass lets bots be challenged while engaged or while already
	// holding a pending challenge, so one bot can field games from several
	// players at once.
	botGuardBypass bool
}

func New(sessions *session.Registry, games *game.Registry, logger *logrus.Logger, botGuardBypass bool) *Lobby {
	return &Lobby{
		sessions:       sessions,
		games:          games,
		logger:         logger,
		botGuardBypass: botGuardBypass,
	}
}

// challengeID is the composite id shared by all payloads referring to a
// single challenge.
func challengeID(challengerID, targetID, kind string) string {
	return fmt.Sprintf("%s-%s-%s", challengerID, targetID, kind)
}

// Challenge issues a challenge from challenger to targetID for the named game
// kind. The first failing check wins; on failure nothing is mutated and the
// reason lands in reply.Error.
func (l *Lobby) Challenge(challenger *session.Session, targetID, kind string, reply *protocol.Response) {
	target, ok := l.sessions.Get(targetID)
	if !ok {
		reply.Error = "Invalid User ID!"
		return
	}

	session.LockPair(challenger, target)
	switch {
	case len(challenger.Challenged) > 0:
		reply.Error = "You have already challenged someone!"
	case len(challenger.Pending) > 0:
		reply.Error = "You have a pending request!"
	case challenger.Engaged:
		reply.Error = "You are in a game"
	case target.Engaged && !(target.Bot && l.botGuardBypass):
		reply.Error = "User is in a game!"
	case len(target.Pending) > 0 && !(target.Bot && l.botGuardBypass):
		reply.Error = "That user has a pending request!"
	default:
		challenger.Challenged[targetID] = kind
		target.Pending[challenger.ID] = kind
	}
	challengerName := challenger.Username
	targetName := target.Username
	failed := reply.Error != ""
	session.UnlockPair(challenger, target)

	if failed {
		return
	}

	id := challengeID(challenger.ID, targetID, kind)
	l.sessions.Send(target, &protocol.Response{
		Challenge: &protocol.ChallengeNotice{ChallengerID: challenger.ID, Game: kind},
		Message: &protocol.Message{
			ID:        id,
			Title:     fmt.Sprintf("Challenge from %s: %s", challengerName, kind),
			Buttons:   []string{"accept", "reject"},
			Context:   map[string]string{"challenger_id": challenger.ID, "game": kind},
			Closeable: protocol.Bool(false),
		},
	})
	reply.Message = &protocol.Message{
		ID:        id,
		Title:     "Sent successfully",
		Buttons:   []string{"cancel"},
		Context:   map[string]string{"opp_id": targetID, "game": kind},
		Closeable: protocol.Bool(false),
	}

	l.logger.Infof("[CHALLENGE] %s (%s) challenged %s (%s) for %s",
		challengerName, challenger.ID, targetName, targetID, kind)
}

// Cancel withdraws a challenge the challenger previously issued.
func (l *Lobby) Cancel(challenger *session.Session, oppID, kind string, reply *protocol.Response) {
	opp, ok := l.sessions.Get(oppID)
	if !ok {
		reply.Error = "No pending challenges from that user!"
		return
	}

	session.LockPair(challenger, opp)
	matched := challenger.Challenged[oppID] == kind && kind != ""
	if matched {
		delete(challenger.Challenged, oppID)
		delete(opp.Pending, challenger.ID)
	}
	challengerName := challenger.Username
	oppName := opp.Username
	session.UnlockPair(challenger, opp)

	if !matched {
		reply.Error = "No pending challenges from that user!"
		return
	}

	id := challengeID(challenger.ID, oppID, kind)
	l.sessions.Send(opp, &protocol.Response{
		Cancel: &protocol.CancelNotice{ID: challenger.ID, Game: kind},
		Message: &protocol.Message{
			ID:    id,
			Title: "Challenge canceled",
			Text:  fmt.Sprintf("by %s", challengerName),
		},
	})
	reply.Message = &protocol.Message{
		ID:    id,
		Title: "Message",
		Text:  "Cancelled successfully.",
	}

	l.logger.Infof("[CANCELLED CHALLENGE] %s (%s) to %s (%s)",
		challengerName, challenger.ID, oppName, oppID)
}

// Accept resolves a challenge aimed at target into a new game session. The
// challenge must match (challengerID, kind) exactly; a stale challenger id or
// mismatched kind fails and leaves both sessions' state unchanged.
func (l *Lobby) Accept(target *session.Session, challengerID, kind string, reply *protocol.Response) {
	challenger, ok := l.sessions.Get(challengerID)
	if !ok {
		reply.Error = "Invalid user id!"
		return
	}

	session.LockPair(challenger, target)
	_, registered := game.LookupKind(kind)
	switch {
	case challenger.Engaged:
		reply.Error = "User is in a game!"
	case challenger.Challenged[target.ID] != kind || kind == "":
		reply.Error = fmt.Sprintf("%s hasn't challenged you!", challenger.Username)
	case !registered:
		reply.Error = "Invalid game!"
	}
	if reply.Error != "" {
		session.UnlockPair(challenger, target)
		return
	}

	delete(challenger.Challenged, target.ID)
	delete(target.Pending, challengerID)

	// The registry entry and both engaged flags appear together, while both
	// locks are held.
	m, err := l.games.Create(kind, challengerID, target.ID)
	if err != nil {
		session.UnlockPair(challenger, target)
		reply.Error = err.Error()
		return
	}
	challenger.Engaged = true
	target.Engaged = true
	challengerName := challenger.Username
	targetName := target.Username
	session.UnlockPair(challenger, target)

	state := m.State(map[string]*protocol.Snapshot{
		challengerID: challenger.Snapshot(),
		target.ID:    target.Snapshot(),
	})
	msg := &protocol.Message{
		ID:    m.ID,
		Title: "Game started.",
		Text:  "Have fun!",
	}
	l.sessions.Send(challenger, &protocol.Response{NewGame: state, Message: msg})
	reply.NewGame = state
	reply.Message = msg

	l.logger.Infof("[ACCEPTED CHALLENGE] %s (%s) from %s (%s)",
		targetName, target.ID, challengerName, challengerID)
}

// Reject declines a challenge aimed at target and notifies the challenger.
func (l *Lobby) Reject(target *session.Session, challengerID, kind string, reply *protocol.Response) {
	challenger, ok := l.sessions.Get(challengerID)
	if !ok {
		reply.Error = "Invalid user id!"
		return
	}

	session.LockPair(challenger, target)
	matched := challenger.Challenged[target.ID] == kind && kind != ""
	if matched {
		delete(challenger.Challenged, target.ID)
		delete(target.Pending, challengerID)
	}
	challengerName := challenger.Username
	targetName := target.Username
	session.UnlockPair(challenger, target)

	if !matched {
		reply.Error = "User hasn't challenged you!"
		return
	}

	l.sessions.Send(challenger, &protocol.Response{
		Message: &protocol.Message{
			ID:    challengeID(challengerID, target.ID, kind),
			Title: "Challenge rejected",
			Text:  fmt.Sprintf("for %s by %s", kind, targetName),
		},
	})

	l.logger.Infof("[REJECTED CHALLENGE] %s (%s) from %s (%s)",
		targetName, target.ID, challengerName, challengerID)
}

// ReleaseAll clears every challenge the session is a party to, notifying the
// counterparty of each. Called from the disconnect cascade.
func (l *Lobby) ReleaseAll(s *session.Session) {
	s.Lock()
	name := s.Username
	challenged := make(map[string]string, len(s.Challenged))
	for k, v := range s.Challenged {
		challenged[k] = v
	}
	pending := make(map[string]string, len(s.Pending))
	for k, v := range s.Pending {
		pending[k] = v
	}
	s.Challenged = make(map[string]string)
	s.Pending = make(map[string]string)
	s.Unlock()

	for targetID, kind := range challenged {
		target, ok := l.sessions.Get(targetID)
		if !ok {
			continue
		}
		target.Lock()
		delete(target.Pending, s.ID)
		target.Unlock()

		l.sessions.Send(target, &protocol.Response{
			Message: &protocol.Message{
				ID:    challengeID(s.ID, targetID, kind),
				Title: "User disconnected.",
				Text:  name,
			},
		})
	}

	for challengerID, kind := range pending {
		challenger, ok := l.sessions.Get(challengerID)
		if !ok {
			continue
		}
		challenger.Lock()
		delete(challenger.Challenged, s.ID)
		challenger.Unlock()

		l.sessions.Send(challenger, &protocol.Response{
			Message: &protocol.Message{
				ID:    challengeID(challengerID, s.ID, kind),
				Title: "User disconnected.",
				Text:  name,
			},
		})
	}
}
