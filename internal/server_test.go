package internal

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlornet/parlor/internal/avatar"
	"github.com/parlornet/parlor/internal/core"
	"github.com/parlornet/parlor/internal/game"
	"github.com/parlornet/parlor/internal/gameserver"
	"github.com/parlornet/parlor/internal/lobby"
	"github.com/parlornet/parlor/internal/protocol"
	"github.com/parlornet/parlor/internal/session"
)

// startTestServer spins up a full server on an OS-assigned port and returns
// the address clients should dial.
func startTestServer(t *testing.T) net.Addr {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)

	cfg := &core.Config{}
	cfg.MaxConnections = 16
	cfg.Server.MaxImageBytes = 1 << 20
	cfg.Matchmaking.BotGuardBypass = true

	sessions := session.NewRegistry(logger, 0)
	games := game.NewRegistry(logger)

	f := &frontend{
		Address: "localhost:0",
		Backend: &gameserver.Server{
			Name:     "PARLOR",
			Config:   cfg,
			Logger:   logger,
			Sessions: sessions,
			Games:    games,
			Lobby:    lobby.New(sessions, games, logger, cfg.Matchmaking.BotGuardBypass),
			Avatars:  avatar.NewStore(cfg.Server.MaxImageBytes),
		},
		Config:   cfg,
		Logger:   logger,
		Sessions: sessions,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	wg := &sync.WaitGroup{}
	if err := f.Start(ctx, wg); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	return f.Addr()
}

type testClient struct {
	t         *testing.T
	conn      net.Conn
	sessionID string
}

// dial connects and completes the handshake with the given username.
func dial(t *testing.T, addr net.Addr, username string) *testClient {
	t.Helper()
	return dialClient(t, addr, map[string]interface{}{"username": username})
}

// dialBot is dial for clients that identify as bots during the handshake.
func dialBot(t *testing.T, addr net.Addr, username string) *testClient {
	t.Helper()
	return dialClient(t, addr, map[string]interface{}{"username": username, "bot": true})
}

func dialClient(t *testing.T, addr net.Addr, attrs map[string]interface{}) *testClient {
	t.Helper()

	conn, err := net.Dial(addr.Network(), addr.String())
	if err != nil {
		t.Fatalf("failed to connect to %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn}

	welcome := c.recv()
	if welcome.SessionID == "" {
		t.Fatalf("welcome frame carries no session id: %+v", welcome)
	}
	c.sessionID = welcome.SessionID

	c.send(&protocol.Request{Updated: attrs})

	username := attrs["username"].(string)
	roster := c.recvUntil(func(r *protocol.Response) bool { return r.Roster != nil })
	if roster.Roster[c.sessionID] == nil || roster.Roster[c.sessionID].Username != username {
		t.Fatalf("roster does not reflect the handshake attributes: %+v", roster.Roster)
	}
	return c
}

func (c *testClient) send(req *protocol.Request) {
	c.t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("error encoding request: %v", err)
	}
	if err := protocol.WritePayload(c.conn, payload); err != nil {
		c.t.Fatalf("error sending request: %v", err)
	}
}

func (c *testClient) recv() *protocol.Response {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	payload, err := protocol.ReadPayload(c.conn)
	if err != nil {
		c.t.Fatalf("error reading response: %v", err)
	}
	resp, err := protocol.DecodeResponse(payload)
	if err != nil {
		c.t.Fatalf("error decoding response: %v", err)
	}
	return resp
}

// recvUntil discards unrelated frames (broadcasts arrive interleaved with
// direct replies) until one satisfies the predicate.
func (c *testClient) recvUntil(pred func(*protocol.Response) bool) *protocol.Response {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		if resp := c.recv(); pred(resp) {
			return resp
		}
	}
	c.t.Fatal("expected frame never arrived")
	return nil
}

func startMatch(t *testing.T, alice, bob *testClient, kind string) *protocol.GameState {
	t.Helper()

	alice.send(&protocol.Request{Challenge: &protocol.ChallengeRequest{TargetID: bob.sessionID, Game: kind}})
	alice.recvUntil(func(r *protocol.Response) bool {
		return r.Message != nil && r.Message.Title == "Sent successfully"
	})
	bob.recvUntil(func(r *protocol.Response) bool { return r.Challenge != nil })

	bob.send(&protocol.Request{Accepted: &protocol.ChallengeResponse{ChallengerID: alice.sessionID, Game: kind}})
	state := bob.recvUntil(func(r *protocol.Response) bool { return r.NewGame != nil }).NewGame
	alice.recvUntil(func(r *protocol.Response) bool { return r.NewGame != nil })
	return state
}

func TestMatchFlow(t *testing.T) {
	addr := startTestServer(t)
	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")

	// Alice learns about Bob from the connected broadcast.
	alice.recvUntil(func(r *protocol.Response) bool {
		return r.Connected != nil && r.Connected.ID == bob.sessionID
	})

	state := startMatch(t, alice, bob, "tic_tac_toe")
	wantGameID := alice.sessionID + "-" + bob.sessionID + "-tic_tac_toe"
	if state.GameID != wantGameID {
		t.Fatalf("game id = %q, want %q", state.GameID, wantGameID)
	}

	clients := map[string]*testClient{alice.sessionID: alice, bob.sessionID: bob}
	first := clients[state.TurnID]
	var second *testClient
	for id, c := range clients {
		if id != state.TurnID {
			second = c
		}
	}

	moves := []struct {
		c    *testClient
		move protocol.Coord
	}{
		{first, protocol.Coord{Row: 0, Col: 0}},
		{second, protocol.Coord{Row: 1, Col: 0}},
		{first, protocol.Coord{Row: 0, Col: 1}},
		{second, protocol.Coord{Row: 1, Col: 1}},
	}
	for _, mv := range moves {
		mv.c.send(&protocol.Request{Move: &protocol.MoveRequest{GameID: state.GameID, Move: mv.move}})
		for _, c := range clients {
			moved := c.recvUntil(func(r *protocol.Response) bool { return r.Moved != nil }).Moved
			if moved.Who != mv.c.sessionID || moved.To != mv.move {
				t.Fatalf("move broadcast = %+v, want %s playing %v", moved, mv.c.sessionID, mv.move)
			}
		}
	}

	// The winning move reaches both players as a single game_over broadcast.
	first.send(&protocol.Request{Move: &protocol.MoveRequest{GameID: state.GameID, Move: protocol.Coord{Row: 0, Col: 2}}})
	for _, c := range clients {
		over := c.recvUntil(func(r *protocol.Response) bool { return r.GameOver != nil }).GameOver
		if over.WinnerID != first.sessionID {
			t.Errorf("winner = %q, want %q", over.WinnerID, first.sessionID)
		}
		if len(over.Indices) != 3 {
			t.Errorf("winning indices = %v, want the completed row", over.Indices)
		}
	}

	// The game is gone; further moves fail cleanly.
	first.send(&protocol.Request{Move: &protocol.MoveRequest{GameID: state.GameID, Move: protocol.Coord{Row: 2, Col: 2}}})
	errResp := first.recvUntil(func(r *protocol.Response) bool { return r.Error != "" })
	if errResp.Error != "Game does not exist!" {
		t.Errorf("error = %q, want the game to be gone", errResp.Error)
	}
}

func TestMoveValidationOverTheWire(t *testing.T) {
	addr := startTestServer(t)
	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")

	state := startMatch(t, alice, bob, "connect4")
	clients := map[string]*testClient{alice.sessionID: alice, bob.sessionID: bob}

	var second *testClient
	for id, c := range clients {
		if id != state.TurnID {
			second = c
		}
	}

	second.send(&protocol.Request{Move: &protocol.MoveRequest{GameID: state.GameID, Move: protocol.Coord{Col: 3}}})
	resp := second.recvUntil(func(r *protocol.Response) bool { return r.Error != "" })
	if resp.Error != "Not your turn!" {
		t.Errorf("error = %q, want a turn rejection", resp.Error)
	}
}

func TestDisconnectCascade(t *testing.T) {
	addr := startTestServer(t)
	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")
	carol := dial(t, addr, "carol")

	state := startMatch(t, alice, bob, "connect4")

	_ = alice.conn.Close()

	// Bob wins the abandoned game and sees exactly one game_over for it.
	over := bob.recvUntil(func(r *protocol.Response) bool { return r.GameOver != nil }).GameOver
	if over.GameID != state.GameID || over.WinnerID != bob.sessionID {
		t.Errorf("game over = %+v, want %s winning %s", over, bob.sessionID, state.GameID)
	}

	// Everyone left hears about the departure.
	carol.recvUntil(func(r *protocol.Response) bool { return r.Disconnected == alice.sessionID })
	bob.recvUntil(func(r *protocol.Response) bool { return r.Disconnected == alice.sessionID })

	// Bob's engaged flag was cleared, so he can start a new game.
	bob.send(&protocol.Request{Challenge: &protocol.ChallengeRequest{TargetID: carol.sessionID, Game: "tic_tac_toe"}})
	bob.recvUntil(func(r *protocol.Response) bool {
		return r.Message != nil && r.Message.Title == "Sent successfully"
	})
}

// A bot can hold several matches at once under the bot guard bypass, so its
// disconnect has to end every one of them, not just the newest.
func TestBotDisconnectEndsEveryMatch(t *testing.T) {
	addr := startTestServer(t)
	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")
	bot := dialBot(t, addr, "cpu")

	aliceState := startMatch(t, alice, bot, "tic_tac_toe")
	// The bot is engaged, but the bypass lets a second challenge through.
	bobState := startMatch(t, bob, bot, "connect4")

	_ = bot.conn.Close()

	for _, tc := range []struct {
		c     *testClient
		state *protocol.GameState
	}{
		{alice, aliceState},
		{bob, bobState},
	} {
		over := tc.c.recvUntil(func(r *protocol.Response) bool { return r.GameOver != nil }).GameOver
		if over.GameID != tc.state.GameID || over.WinnerID != tc.c.sessionID {
			t.Errorf("game over = %+v, want %s winning %s", over, tc.c.sessionID, tc.state.GameID)
		}
	}

	// Both survivors were disengaged by the cascade.
	alice.send(&protocol.Request{Challenge: &protocol.ChallengeRequest{TargetID: bob.sessionID, Game: "tic_tac_toe"}})
	alice.recvUntil(func(r *protocol.Response) bool {
		return r.Message != nil && r.Message.Title == "Sent successfully"
	})
}

func TestAvatarUpload(t *testing.T) {
	addr := startTestServer(t)
	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")

	blob := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	alice.send(&protocol.Request{Image: &protocol.ImageMeta{
		Size:  len(blob),
		Shape: []int{2, 2, 2},
		Dtype: "uint8",
	}})

	allowed := alice.recvUntil(func(r *protocol.Response) bool { return r.ImageAllowed != nil })
	if !*allowed.ImageAllowed {
		t.Fatalf("upload rejected: %s", allowed.Error)
	}

	// The raw blob travels as the next frame, with no JSON wrapping.
	if err := protocol.WritePayload(alice.conn, blob); err != nil {
		t.Fatalf("error sending blob: %v", err)
	}

	// Both clients get the metadata frame followed by the raw bytes.
	for _, c := range []*testClient{alice, bob} {
		meta := c.recvUntil(func(r *protocol.Response) bool { return r.Image != nil }).Image
		if meta.UserID != alice.sessionID || meta.Size != len(blob) {
			t.Errorf("image metadata = %+v, want alice's upload", meta)
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := protocol.ReadPayload(c.conn)
		if err != nil {
			t.Fatalf("error reading blob: %v", err)
		}
		if string(got) != string(blob) {
			t.Errorf("blob did not survive the fan-out")
		}
	}

	alice.recvUntil(func(r *protocol.Response) bool {
		return r.Message != nil && r.Message.Title == "Uploaded successfully!"
	})
}

func TestAvatarUploadTooLarge(t *testing.T) {
	addr := startTestServer(t)
	alice := dial(t, addr, "alice")

	alice.send(&protocol.Request{Image: &protocol.ImageMeta{Size: 10 << 20, Dtype: "uint8"}})

	resp := alice.recvUntil(func(r *protocol.Response) bool { return r.ImageAllowed != nil })
	if *resp.ImageAllowed {
		t.Error("oversized upload was allowed")
	}
	if resp.Error != "Image too large." {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestMalformedPayloadDropsConnection(t *testing.T) {
	addr := startTestServer(t)
	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")
	alice.recvUntil(func(r *protocol.Response) bool { return r.Connected != nil })

	if err := protocol.WritePayload(bob.conn, []byte(`{"teleport": true}`)); err != nil {
		t.Fatalf("error sending payload: %v", err)
	}

	// The server tears down the offending connection.
	_ = bob.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := protocol.ReadPayload(bob.conn); err != nil {
			break
		}
	}

	// Everyone else just sees a normal disconnect.
	alice.recvUntil(func(r *protocol.Response) bool { return r.Disconnected == bob.sessionID })
}
