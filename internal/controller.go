package internal

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parlornet/parlor/internal/avatar"
	"github.com/parlornet/parlor/internal/core"
	"github.com/parlornet/parlor/internal/core/debug"
	"github.com/parlornet/parlor/internal/game"
	"github.com/parlornet/parlor/internal/gameserver"
	"github.com/parlornet/parlor/internal/history"
	"github.com/parlornet/parlor/internal/lobby"
	"github.com/parlornet/parlor/internal/session"
)

// Controller is the main entrypoint for parlor. It's responsible for
// initializing shared resources (such as the database and logging), wiring
// up the game server, and launching everything.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	wg     sync.WaitGroup

	history *history.Store
	server  *frontend
}

func (c *Controller) Start(ctx context.Context) {
	defer c.Shutdown()

	var err error
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		logrus.Errorf("error initializing logger: %v", err)
		return
	}

	if c.Config.Debugging.PprofEnabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	if c.Config.Database.Enabled {
		c.history, err = history.Connect(c.Config.DatabaseURL(), c.Config.Debugging.DatabaseLoggingEnabled)
		if err != nil {
			c.logger.Errorf("error connecting to database: %v", err)
			return
		}
	}

	c.declareServer()
	c.run(ctx)
}

// declareServer wires the registries into the game backend and its frontend.
func (c *Controller) declareServer() {
	sessions := session.NewRegistry(c.logger, c.Config.Server.WriteTimeout)
	games := game.NewRegistry(c.logger)

	c.server = &frontend{
		Address: c.Config.ListenAddress(),
		Backend: &gameserver.Server{
			Name:     "PARLOR",
			Config:   c.Config,
			Logger:   c.logger,
			Sessions: sessions,
			Games:    games,
			Lobby:    lobby.New(sessions, games, c.logger, c.Config.Matchmaking.BotGuardBypass),
			Avatars:  avatar.NewStore(c.Config.Server.MaxImageBytes),
			History:  c.history,
		},
		Config:   c.Config,
		Logger:   c.logger,
		Sessions: sessions,
	}
}

func (c *Controller) run(ctx context.Context) {
	if err := c.server.Start(ctx, &c.wg); err != nil {
		c.logger.Errorf("error starting %s server: %v", c.server.Backend.Identifier(), err)
		return
	}

	c.wg.Wait()
}

func (c *Controller) Shutdown() {
	c.wg.Wait()
	if c.history != nil {
		if err := c.history.Close(); err != nil {
			c.logger.Warnf("error closing match history: %v", err)
		}
	}
}
