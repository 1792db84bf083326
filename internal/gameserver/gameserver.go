// Package gameserver interprets client actions: it owns the handshake, the
// fixed-order dispatch of inbound requests, and the cleanup cascade when a
// connection ends.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/parlornet/parlor/internal/avatar"
	"github.com/parlornet/parlor/internal/core"
	"github.com/parlornet/parlor/internal/game"
	"github.com/parlornet/parlor/internal/history"
	"github.com/parlornet/parlor/internal/lobby"
	"github.com/parlornet/parlor/internal/protocol"
	"github.com/parlornet/parlor/internal/session"
)

// Server is the game backend. One instance serves every connection; all
// state lives in the registries it references.
type Server struct {
	Name     string
	Config   *core.Config
	Logger   *logrus.Logger
	Sessions *session.Registry
	Games    *game.Registry
	Lobby    *lobby.Lobby
	Avatars  *avatar.Store
	// History may be nil when match recording is disabled.
	History *history.Store

	titler cases.Caser
}

func (s *Server) Identifier() string {
	return s.Name
}

func (s *Server) Init(_ context.Context) error {
	s.titler = cases.Title(language.English)
	return nil
}

// Handshake sends the newly assigned session id as the first frame, then
// consumes the client's optional attribute frame before syncing it with the
// rest of the server.
func (s *Server) Handshake(sess *session.Session, conn io.Reader) error {
	s.Logger.Infof("[NEW USER] %s (%s)", sess.Name(), sess.ID)
	s.Sessions.Send(sess, &protocol.Response{SessionID: sess.ID})

	payload, err := protocol.ReadPayload(conn)
	if err != nil {
		return err
	}
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		return err
	}
	if req.Updated != nil {
		// Applied silently; the roster snapshot below carries the result.
		// This is also the only point at which the bot flag can be set.
		s.Sessions.ApplyHandshake(sess, req.Updated)
		req.Updated = nil
	}

	// Sync the newcomer: the full roster, then every stored avatar (bots
	// don't render them), then tell everyone else about the new session.
	s.Sessions.Send(sess, &protocol.Response{Roster: s.Sessions.Roster()})
	if !sess.IsBot() {
		for ownerID, pic := range s.Avatars.All() {
			s.Sessions.SendWithBlob(sess, &protocol.Response{Image: &protocol.ImageMeta{
				Size:   pic.Size,
				Shape:  pic.Shape,
				Dtype:  pic.Dtype,
				UserID: ownerID,
			}}, pic.Data)
		}
	}
	s.Sessions.Broadcast(&protocol.Response{Connected: sess.Snapshot()}, func(other *session.Session) bool {
		return other.ID != sess.ID
	})

	// A client that skipped the attribute frame gets its first action
	// dispatched normally.
	if hasAction(req) {
		s.handleRequest(sess, req)
	}
	return nil
}

func hasAction(req *protocol.Request) bool {
	return req.Challenge != nil || req.CancelChallenge != nil ||
		req.Accepted != nil || req.Rejected != nil ||
		req.Quit != "" || req.Move != nil || req.Image != nil ||
		req.Updated != nil
}

// Handle processes one inbound payload to completion before the next is
// read, giving per-connection request ordering.
func (s *Server) Handle(_ context.Context, sess *session.Session, payload []byte) error {
	// A pending image upload claims the next frame as its raw blob.
	if meta := s.takePendingImage(sess); meta != nil {
		s.finishImageUpload(sess, meta, payload)
		return nil
	}

	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		return err
	}

	if s.Config.Debugging.PacketLoggingEnabled {
		s.Logger.Debugf("request from session %s: %s", sess.ID, spew.Sdump(req))
	}

	s.handleRequest(sess, req)
	return nil
}

// handleRequest runs the actions set on the request in the protocol's fixed
// published order and sends the sender exactly one reply.
func (s *Server) handleRequest(sess *session.Session, req *protocol.Request) {
	reply := &protocol.Response{Status: "connected"}

	if req.Challenge != nil {
		s.Lobby.Challenge(sess, req.Challenge.TargetID, req.Challenge.Game, reply)
	}
	if req.CancelChallenge != nil {
		s.Lobby.Cancel(sess, req.CancelChallenge.OppID, req.CancelChallenge.Game, reply)
	}
	if req.Accepted != nil {
		s.Lobby.Accept(sess, req.Accepted.ChallengerID, req.Accepted.Game, reply)
	}
	if req.Rejected != nil {
		s.Lobby.Reject(sess, req.Rejected.ChallengerID, req.Rejected.Game, reply)
	}
	if req.Quit != "" {
		s.handleQuit(sess, req.Quit, reply)
	}
	if req.Move != nil {
		s.handleMove(sess, req.Move, reply)
	}
	if req.Image != nil {
		s.handleImage(sess, req.Image)
	}
	if req.Updated != nil {
		s.handleUpdated(sess, req.Updated, reply)
	}

	s.Sessions.Send(sess, reply)
}

func (s *Server) handleQuit(sess *session.Session, gameID string, reply *protocol.Response) {
	m, winnerID, err := s.Games.Quit(gameID, sess.ID)
	if err != nil {
		reply.Error = err.Error()
		return
	}

	resp := &protocol.Response{
		Message:  &protocol.Message{Title: fmt.Sprintf("Game ended by %s", sess.Name())},
		GameOver: &protocol.GameOver{GameID: gameID, WinnerID: winnerID},
	}
	for _, playerID := range m.Players {
		if player, ok := s.Sessions.Get(playerID); ok {
			player.SetEngaged(false)
			s.Sessions.Send(player, resp)
		}
	}

	s.recordMatch(m, winnerID, false, "quit")
	s.Logger.Infof("[QUIT GAME] %s (%s) | GAME ID: %s", sess.Name(), sess.ID, gameID)
}

func (s *Server) handleMove(sess *session.Session, req *protocol.MoveRequest, reply *protocol.Response) {
	m, moved, outcome, err := s.Games.Move(req.GameID, sess.ID, req.Move)
	if err != nil {
		reply.Error = err.Error()
		return
	}

	resp := &protocol.Response{Moved: moved}
	if outcome != nil {
		resp.GameOver = &protocol.GameOver{
			GameID:   req.GameID,
			WinnerID: outcome.WinnerID,
			Tie:      outcome.Tie,
			Indices:  outcome.Indices,
		}
	}

	for _, playerID := range m.Players {
		player, ok := s.Sessions.Get(playerID)
		if !ok {
			continue
		}
		if outcome != nil {
			player.SetEngaged(false)
		}
		s.Sessions.Send(player, resp)
	}

	if outcome != nil {
		// The registry entry goes away only after the final broadcast has
		// been dispatched.
		s.Games.Remove(req.GameID)
		reason := "win"
		if outcome.Tie {
			reason = "tie"
		}
		s.recordMatch(m, outcome.WinnerID, outcome.Tie, reason)
		s.Logger.Infof("[GAME OVER] %s | winner: %q tie: %v", req.GameID, outcome.WinnerID, outcome.Tie)
	}
}

func (s *Server) handleImage(sess *session.Session, meta *protocol.ImageMeta) {
	s.Logger.Infof("[UPLOADING IMAGE] %s (%s)", sess.Name(), sess.ID)

	if !s.Avatars.Allowed(meta.Size) {
		s.Sessions.Send(sess, &protocol.Response{
			Error:        "Image too large.",
			ImageAllowed: protocol.Bool(false),
		})
		s.Logger.Infof("[CANCELLED UPLOADING] %s (%s)", sess.Name(), sess.ID)
		return
	}

	s.Sessions.Send(sess, &protocol.Response{ImageAllowed: protocol.Bool(true)})

	sess.Lock()
	sess.PendingImage = meta
	sess.Unlock()
}

func (s *Server) takePendingImage(sess *session.Session) *protocol.ImageMeta {
	sess.Lock()
	defer sess.Unlock()
	meta := sess.PendingImage
	sess.PendingImage = nil
	return meta
}

// finishImageUpload stores the blob frame completing an announced upload and
// fans it out, metadata frame first, to every non-bot session.
func (s *Server) finishImageUpload(sess *session.Session, meta *protocol.ImageMeta, blob []byte) {
	s.Avatars.Put(sess.ID, &avatar.Picture{
		Size:  meta.Size,
		Shape: meta.Shape,
		Dtype: meta.Dtype,
		Data:  blob,
	})
	s.Logger.Infof("[UPLOADED IMAGE] %s (%s)", sess.Name(), sess.ID)

	out := &protocol.ImageMeta{
		Size:   meta.Size,
		Shape:  meta.Shape,
		Dtype:  meta.Dtype,
		UserID: sess.ID,
	}
	for _, other := range s.Sessions.All() {
		if other.IsBot() {
			continue
		}
		s.Sessions.SendWithBlob(other, &protocol.Response{Image: out}, blob)
	}

	s.Sessions.Send(sess, &protocol.Response{
		Status:  "connected",
		Message: &protocol.Message{Title: "Uploaded successfully!"},
	})
	s.Logger.Infof("[FINISHED UPLOAD] %s (%s)", sess.Name(), sess.ID)
}

func (s *Server) handleUpdated(sess *session.Session, changes map[string]interface{}, reply *protocol.Response) {
	applied, dropped, err := s.Sessions.Update(sess.ID, changes)
	if err != nil {
		if errors.Is(err, session.ErrUnknownAttribute) {
			reply.Error = "Unknown keys!"
		} else {
			reply.Error = s.titler.String(err.Error())
		}
		return
	}

	s.Sessions.Broadcast(&protocol.Response{
		Updated: &protocol.UpdatedNotice{UserID: sess.ID, Changed: applied},
	}, func(other *session.Session) bool {
		return other.ID != sess.ID
	})

	title := "Updated successfully!"
	if len(dropped) > 0 {
		title = fmt.Sprintf("Updated successfully! Ignored unknown keys: %s", strings.Join(dropped, ", "))
	}
	reply.Message = &protocol.Message{Title: title}

	s.Logger.Infof("[UPDATED STATS] %s (%s) %v", sess.Name(), sess.ID, applied)
}

// Disconnect runs the cleanup cascade: end any active game awarding the win
// to the surviving players, release both sides of outstanding challenges,
// drop the avatar, remove the session, and tell everyone left.
func (s *Server) Disconnect(sess *session.Session) {
	// A bot fielding simultaneous challenges can be in several matches, so
	// the cascade runs for every one of them.
	for _, m := range s.Games.ForPlayer(sess.ID) {
		s.Games.Remove(m.ID)

		others := m.Others(sess.ID)
		winnerID := ""
		if len(others) == 1 {
			winnerID = others[0]
		}
		for _, otherID := range others {
			other, ok := s.Sessions.Get(otherID)
			if !ok {
				continue
			}
			other.SetEngaged(false)
			s.Sessions.Send(other, &protocol.Response{
				Message:  &protocol.Message{Title: "Player left", Text: "Game over."},
				GameOver: &protocol.GameOver{GameID: m.ID, WinnerID: otherID},
			})
		}
		sess.SetEngaged(false)
		s.recordMatch(m, winnerID, false, "disconnect")
	}

	s.Lobby.ReleaseAll(sess)
	s.Avatars.Remove(sess.ID)
	s.Sessions.Remove(sess.ID)
	s.Sessions.Broadcast(&protocol.Response{Disconnected: sess.ID}, nil)

	s.Logger.Infof("[DISCONNECTED] %s (%s)", sess.Name(), sess.ID)
}

func (s *Server) recordMatch(m *game.Match, winnerID string, tie bool, reason string) {
	if s.History == nil {
		return
	}

	rec := &history.MatchRecord{
		GameID:          m.ID,
		Kind:            m.Kind,
		PlayerOne:       m.Players[0],
		WinnerID:        winnerID,
		Tie:             tie,
		Reason:          reason,
		Moves:           m.Moves(),
		DurationSeconds: m.Duration().Seconds(),
	}
	if len(m.Players) > 1 {
		rec.PlayerTwo = m.Players[1]
	}

	if err := s.History.Record(rec); err != nil {
		s.Logger.Warnf("error recording match %s: %v", m.ID, err)
	}
}
