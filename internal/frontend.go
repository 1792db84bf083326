package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlornet/parlor/internal/core"
	"github.com/parlornet/parlor/internal/protocol"
	"github.com/parlornet/parlor/internal/session"
)

// frontend implements the concurrent client connection logic.
//
// Frames are read from any connected clients and reassembled payloads are
// passed to a backend instance, abstracting the lower level connection
// details away from the Backend.
type frontend struct {
	Address  string
	Backend  Backend
	Config   *core.Config
	Logger   *logrus.Logger
	Sessions *session.Registry

	socket *net.TCPListener
}

// Start initializes the server backend and opens a TCP socket for the server.
// A blocking loop for accepting client connections is spun off in its own
// goroutine and added to the WaitGroup. Context cancellations will stop the
// server.
func (f *frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := f.Backend.Init(ctx); err != nil {
		return fmt.Errorf("error initializing %s server: %v", f.Backend.Identifier(), err)
	}

	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %v", f.Address, err)
	}
	f.socket = socket

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// Addr returns the address the frontend is actually listening on, which
// differs from Address when the configured port is 0.
func (f *frontend) Addr() net.Addr {
	return f.socket.Addr()
}

// createSocket opens a TCP socket to listen for client connections on the
// Address provided to the frontend.
func (f *frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s", err.Error())
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %s", err.Error())
	}

	return socket, nil
}

// startBlockingLoop implements a connection handling loop that's purely
// responsible for accepting new connections and spinning off goroutines for
// the Backend to handle them.
func (f *frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Printf("[%s] waiting for connections on %v", f.Backend.Identifier(), socket.Addr())

	connections := make(chan *net.TCPConn)
	go func() {
		for {
			// Poll until we can accept more clients.
			for f.Sessions.Len() >= f.Config.MaxConnections {
				time.Sleep(time.Second)
			}

			connection, err := socket.AcceptTCP()
			if err != nil {
				f.Logger.Warnf("failed to accept connection: %s", err.Error())
				return
			}

			connections <- connection
		}
	}()

	clientWg := &sync.WaitGroup{}
handleLoop:
	for {
		select {
		case <-ctx.Done():
			break handleLoop
		case connection := <-connections:
			clientWg.Add(1)
			go f.acceptClient(ctx, connection, clientWg)
		}
	}

	_ = socket.Close()
	f.Logger.Infof("[%v] shutting down (waiting for connections to close)", f.Backend.Identifier())
	clientWg.Wait()
	f.Logger.Infof("[%v] exited", f.Backend.Identifier())
}

// acceptClient registers a session for the connection and hands it to the
// Backend's handshake. If that succeeds, the goroutine moves into the frame
// processing loop.
func (f *frontend) acceptClient(ctx context.Context, connection *net.TCPConn, wg *sync.WaitGroup) {
	defer wg.Done()

	sess := f.Sessions.Register(connection)
	defer f.closeConnectionAndRecover(sess, connection)

	f.Logger.Infof("[%s] accepted connection from %s", f.Backend.Identifier(), connection.RemoteAddr())

	if err := f.Backend.Handshake(sess, connection); err != nil {
		if !errors.Is(err, protocol.ErrPeerDisconnected) {
			f.Logger.Errorf("Handshake() failed for session %s: %s", sess.ID, err)
		}
		return
	}

	f.processFrames(ctx, sess, connection)
}

// processFrames starts a blocking loop dedicated to reading payloads sent by
// a client and only returns once the connection has closed. Each payload is
// handled to completion before the next read, so a connection's requests are
// processed in arrival order.
func (f *frontend) processFrames(ctx context.Context, sess *session.Session, connection *net.TCPConn) {
	for {
		select {
		case <-ctx.Done():
			// Allow the deferred function to close the connection.
			return
		default:
		}

		payload, err := protocol.ReadPayload(connection)
		if errors.Is(err, protocol.ErrPeerDisconnected) {
			return
		}
		var framingErr *protocol.FramingError
		if errors.As(err, &framingErr) {
			// Framing errors are unrecoverable since the stream offset is
			// no longer trustworthy.
			f.Logger.Warnf("dropping session %s: %s", sess.ID, err)
			return
		}
		if err != nil {
			f.Logger.Warnf("read error for session %s: %s", sess.ID, err)
			return
		}

		if err = f.Backend.Handle(ctx, sess, payload); err != nil {
			f.Logger.Warnf("error in client communication: %s", err)
			return
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics, runs the
// Backend's disconnect cascade, and closes the connection regardless of the
// state the handler left it in.
func (f *frontend) closeConnectionAndRecover(sess *session.Session, connection *net.TCPConn) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication with session %s: error=%s, trace: %s",
			sess.ID, err, debug.Stack())
	}

	f.Backend.Disconnect(sess)

	if err := connection.Close(); err != nil {
		f.Logger.Warnf("failed to close client connection: %s", err)
	}
}
