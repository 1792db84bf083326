package protocol

import (
	"bytes"
	"encoding/json"
)

// Coord addresses one board cell. Gravity-mode games only populate Col on the
// way in; the server reports the resolved cell on the way out.
type Coord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// ChallengeRequest asks the server to challenge another session to a game.
type ChallengeRequest struct {
	TargetID string `json:"target_id"`
	Game     string `json:"game"`
}

// CancelRequest withdraws a previously issued challenge.
type CancelRequest struct {
	OppID string `json:"opp_id"`
	Game  string `json:"game"`
}

// ChallengeResponse answers a pending challenge; used by both the accepted
// and rejected actions.
type ChallengeResponse struct {
	ChallengerID string `json:"player1_id"`
	Game         string `json:"game"`
}

// MoveRequest plays one move in an active game.
type MoveRequest struct {
	GameID string `json:"game_id"`
	Move   Coord  `json:"move"`
}

// ImageMeta describes a profile picture blob. The raw bytes follow in the
// sender's next frame.
type ImageMeta struct {
	Size   int    `json:"size"`
	Shape  []int  `json:"shape"`
	Dtype  string `json:"dtype"`
	UserID string `json:"user_id,omitempty"`
}

// Request is the closed set of actions a client may send. A client may set
// several fields in one frame; the server processes them in a fixed order
// (challenge, cancel_challenge, accepted, rejected, quit, move, image,
// updated).
type Request struct {
	Challenge       *ChallengeRequest      `json:"challenge,omitempty"`
	CancelChallenge *CancelRequest         `json:"cancel_challenge,omitempty"`
	Accepted        *ChallengeResponse     `json:"accepted,omitempty"`
	Rejected        *ChallengeResponse     `json:"rejected,omitempty"`
	Quit            string                 `json:"quit,omitempty"`
	Move            *MoveRequest           `json:"move,omitempty"`
	Image           *ImageMeta             `json:"image,omitempty"`
	Updated         map[string]interface{} `json:"updated,omitempty"`
}

// DecodeRequest validates the shape of an inbound payload at the transport
// boundary. Frames carrying keys outside the closed set above are rejected
// as framing errors rather than surfacing deep inside the game logic.
func DecodeRequest(payload []byte) (*Request, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()

	var req Request
	if err := decoder.Decode(&req); err != nil {
		return nil, framingErrorf("malformed request payload: %v", err)
	}
	return &req, nil
}

// Snapshot is the wire representation of one session's attributes.
type Snapshot struct {
	ID         string            `json:"id"`
	Username   string            `json:"username"`
	Color      string            `json:"color"`
	Bot        bool              `json:"bot"`
	Engaged    bool              `json:"engaged"`
	Challenged map[string]string `json:"challenged"`
	Pending    map[string]string `json:"pending"`
}

// Message is free-form user-facing feedback, rendered by the client as a
// dialog. Context carries whatever ids the dialog's buttons need to act.
type Message struct {
	ID        string            `json:"id,omitempty"`
	Title     string            `json:"title,omitempty"`
	Text      string            `json:"text,omitempty"`
	Buttons   []string          `json:"buttons,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Closeable *bool             `json:"closeable,omitempty"`
}

// ChallengeNotice tells a session it has been challenged.
type ChallengeNotice struct {
	ChallengerID string `json:"challenger_id"`
	Game         string `json:"game"`
}

// CancelNotice tells a session a challenge aimed at it was withdrawn.
type CancelNotice struct {
	ID   string `json:"id"`
	Game string `json:"game"`
}

// GameState is the full game-session payload sent to both players when a
// match starts.
type GameState struct {
	GameID         string               `json:"game_id"`
	Game           string               `json:"game"`
	Players        map[string]*Snapshot `json:"players"`
	Identification map[string]string    `json:"identification"`
	TurnID         string               `json:"turn_id"`
}

// Moved broadcasts one applied move to both players.
type Moved struct {
	Who        string `json:"who"`
	To         Coord  `json:"to"`
	TurnString string `json:"turn_string"`
	TurnID     string `json:"turn_id"`
	GameID     string `json:"game_id"`
}

// GameOver is the terminal broadcast for a match. WinnerID is empty on a tie.
type GameOver struct {
	GameID   string  `json:"game_id"`
	WinnerID string  `json:"winner_id,omitempty"`
	Tie      bool    `json:"tie,omitempty"`
	Indices  []Coord `json:"indices,omitempty"`
}

// UpdatedNotice broadcasts a session's changed attributes.
type UpdatedNotice struct {
	UserID  string                 `json:"user_id"`
	Changed map[string]interface{} `json:"changed"`
}

// Response is the closed set of fields the server may send. Every handled
// inbound frame produces exactly one Response to its sender; broadcasts and
// notifications are Responses too.
type Response struct {
	Status       string               `json:"status,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	Error        string               `json:"error,omitempty"`
	Message      *Message             `json:"message,omitempty"`
	Challenge    *ChallengeNotice     `json:"challenge,omitempty"`
	Cancel       *CancelNotice        `json:"cancel,omitempty"`
	NewGame      *GameState           `json:"new_game,omitempty"`
	Moved        *Moved               `json:"moved,omitempty"`
	GameOver     *GameOver            `json:"game_over,omitempty"`
	Connected    *Snapshot            `json:"connected,omitempty"`
	Disconnected string               `json:"disconnected,omitempty"`
	Updated      *UpdatedNotice       `json:"updated,omitempty"`
	Roster       map[string]*Snapshot `json:"roster,omitempty"`
	Image        *ImageMeta           `json:"image,omitempty"`
	ImageAllowed *bool                `json:"image_allowed,omitempty"`
}

// Encode serializes the response for the outbound queue.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse is the client-side counterpart of Encode. The server itself
// never calls it, but the bot client and the tests do.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Bool is a convenience for the Response fields modeled as *bool so that
// false is distinguishable from absent.
func Bool(v bool) *bool {
	return &v
}
