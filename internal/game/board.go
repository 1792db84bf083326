// Package game implements the generic board engine and the registry of
// active matches. A board is parameterized by its dimensions, the run length
// required to win, and whether pieces fall under gravity, which is enough to
// express every shipped game kind.
package game

import (
	"github.com/parlornet/parlor/internal/protocol"
)

// Config parameterizes one board variant.
type Config struct {
	Rows         int
	Cols         int
	WinCondition int
	// Gravity means a move specifies only a column and the piece occupies the
	// lowest empty cell in it.
	Gravity bool
	// Roles are the in-game labels for the two players. Roles[0] belongs to
	// the player with the opening turn.
	Roles [2]string
}

// Board holds the grid and turn state for one match. It does no locking of
// its own; it is exclusively owned by the Match wrapping it.
type Board struct {
	cfg    Config
	cells  [][]string
	turnID string

	roleByPlayer map[string]string
	playerByRole map[string]string
}

// NewBoard builds an empty board. firstID receives Roles[0] and the opening
// turn.
func NewBoard(cfg Config, firstID, secondID string) *Board {
	cells := make([][]string, cfg.Rows)
	for r := range cells {
		cells[r] = make([]string, cfg.Cols)
	}

	return &Board{
		cfg:    cfg,
		cells:  cells,
		turnID: firstID,
		roleByPlayer: map[string]string{
			firstID:  cfg.Roles[0],
			secondID: cfg.Roles[1],
		},
		playerByRole: map[string]string{
			cfg.Roles[0]: firstID,
			cfg.Roles[1]: secondID,
		},
	}
}

// TurnID returns the session id whose move is awaited.
func (b *Board) TurnID() string {
	return b.turnID
}

// Identification maps each player's session id to their in-game role label.
func (b *Board) Identification() map[string]string {
	ident := make(map[string]string, len(b.roleByPlayer))
	for id, role := range b.roleByPlayer {
		ident[id] = role
	}
	return ident
}

// Validate checks whether sessionID may play move right now. Turn ownership
// is checked before the move itself.
func (b *Board) Validate(sessionID string, move protocol.Coord) error {
	if b.turnID != sessionID {
		return protocol.Invalid("Not your turn!")
	}

	if b.cfg.Gravity {
		if move.Col < 0 || move.Col >= b.cfg.Cols || b.cells[0][move.Col] != "" {
			return protocol.Invalid("Invalid spot!")
		}
		return nil
	}

	if move.Row < 0 || move.Row >= b.cfg.Rows ||
		move.Col < 0 || move.Col >= b.cfg.Cols ||
		b.cells[move.Row][move.Col] != "" {
		return protocol.Invalid("Invalid move!")
	}
	return nil
}

// Apply mutates the board at the resolved cell and advances the turn to the
// other player. Under gravity the piece falls to the lowest empty cell of the
// requested column, which is why the resolved coordinates are reported back.
// Callers must Validate first.
func (b *Board) Apply(move protocol.Coord) protocol.Moved {
	to := move
	if b.cfg.Gravity {
		for r := b.cfg.Rows - 1; r >= 0; r-- {
			if b.cells[r][move.Col] == "" {
				to = protocol.Coord{Row: r, Col: move.Col}
				break
			}
		}
	}

	mover := b.turnID
	role := b.roleByPlayer[mover]
	b.cells[to.Row][to.Col] = role

	nextRole := b.cfg.Roles[0]
	if role == b.cfg.Roles[0] {
		nextRole = b.cfg.Roles[1]
	}
	b.turnID = b.playerByRole[nextRole]

	return protocol.Moved{
		Who:        mover,
		To:         to,
		TurnString: role,
		TurnID:     b.turnID,
	}
}

// Outcome is the result of a concluded match. A nil *Outcome means the game
// is still in progress.
type Outcome struct {
	WinnerID string
	Indices  []protocol.Coord
	Tie      bool
}

// Outcome scans for a run of WinCondition equal markers: all rows first, then
// columns, then down-right diagonals, then down-left diagonals, row-major
// within each pass. The scan order is the deterministic tie-break when more
// than one line exists on the board at once. With no winning line, a full
// board (full top row under gravity) is a tie.
func (b *Board) Outcome() *Outcome {
	directions := []struct{ dr, dc int }{
		{0, 1},  // rows
		{1, 0},  // columns
		{1, 1},  // down-right diagonals
		{1, -1}, // down-left diagonals
	}
	k := b.cfg.WinCondition

	for _, d := range directions {
		for r := 0; r < b.cfg.Rows; r++ {
			for c := 0; c < b.cfg.Cols; c++ {
				role := b.cells[r][c]
				if role == "" {
					continue
				}
				endRow, endCol := r+(k-1)*d.dr, c+(k-1)*d.dc
				if endRow >= b.cfg.Rows || endCol < 0 || endCol >= b.cfg.Cols {
					continue
				}

				indices := []protocol.Coord{{Row: r, Col: c}}
				for i := 1; i < k; i++ {
					if b.cells[r+i*d.dr][c+i*d.dc] != role {
						break
					}
					indices = append(indices, protocol.Coord{Row: r + i*d.dr, Col: c + i*d.dc})
				}
				if len(indices) == k {
					return &Outcome{WinnerID: b.playerByRole[role], Indices: indices}
				}
			}
		}
	}

	if b.full() {
		return &Outcome{Tie: true}
	}
	return nil
}

func (b *Board) full() bool {
	if b.cfg.Gravity {
		for c := 0; c < b.cfg.Cols; c++ {
			if b.cells[0][c] == "" {
				return false
			}
		}
		return true
	}

	for r := 0; r < b.cfg.Rows; r++ {
		for c := 0; c < b.cfg.Cols; c++ {
			if b.cells[r][c] == "" {
				return false
			}
		}
	}
	return true
}
