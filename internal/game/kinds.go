package game

// Kind describes one registered game variant.
type Kind struct {
	Name   string
	Config Config
}

// kinds holds every challengeable game variant. Adding a game is a matter of
// registering another entry.
var kinds = map[string]Kind{
	"tic_tac_toe": {
		Name: "tic_tac_toe",
		Config: Config{
			Rows: 3, Cols: 3, WinCondition: 3,
			Roles: [2]string{"X", "O"},
		},
	},
	"connect4": {
		Name: "connect4",
		Config: Config{
			Rows: 6, Cols: 7, WinCondition: 4,
			Gravity: true,
			Roles:   [2]string{"red", "blue"},
		},
	},
}

// LookupKind returns the named game variant.
func LookupKind(name string) (Kind, bool) {
	k, ok := kinds[name]
	return k, ok
}

// RegisterKind adds a game variant. Must be called before the server starts
// accepting connections; the kind table is read without locking afterwards.
func RegisterKind(k Kind) {
	kinds[k.Name] = k
}
