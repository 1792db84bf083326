package internal

import (
	"context"
	"io"

	"github.com/parlornet/parlor/internal/session"
)

// Backend is an interface for the logic layer that interprets client
// payloads once the frontend has taken care of framing.
type Backend interface {
	// Identifier returns a uniquely identifying string.
	Identifier() string

	// Init is called before the Backend is started as a hook for the Backend
	// to perform any necessary initialization before it can accept clients.
	Init(ctx context.Context) error

	// Handshake performs any connection initialization necessary to begin
	// communicating with the client. The reader is the client connection; a
	// handshake may consume frames from it before the frontend's read loop
	// takes over.
	Handshake(sess *session.Session, conn io.Reader) error

	// Handle is the main entry point for processing client payloads. It's
	// responsible for handling one reassembled payload as well as sending
	// any responses.
	Handle(ctx context.Context, sess *session.Session, payload []byte) error

	// Disconnect is called exactly once when a client's connection ends for
	// any reason, after which no more Handle calls are made for the session.
	Disconnect(sess *session.Session)
}
