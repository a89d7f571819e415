// Package session pairs control channel endpoints under one session
// identifier: the relay process listens on server-<id>, and a reattaching
// terminal dials in from client-<id>.
package session

import (
	"errors"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/transport"
	"github.com/1ureka/reattach/internal/util"
)

var (
	// ErrNoSuchSession reports that no live server answers for the id.
	ErrNoSuchSession = errors.New("no such session")

	// ErrInvalidID reports a malformed session identifier.
	ErrInvalidID = errors.New("invalid session id")
)

// Channel is one role's view of a session's control channel. The role is
// fixed for the Channel's lifetime.
type Channel struct {
	*transport.Endpoint

	ID         string
	ServerPath string
	ClientPath string
}

// IsServer reports whether this Channel holds the server endpoint.
func (c *Channel) IsServer() bool {
	return c.Role() == config.RoleServer
}

func endpointOptions(cfg config.Config, logger *pterm.Logger, stats *util.Stats) transport.Options {
	return transport.Options{
		ReassemblyTimeout: cfg.ReassemblyTimeout,
		Logger:            logger,
		Stats:             stats,
	}
}

// Listen mints a new session id and binds its server endpoint.
func Listen(cfg config.Config, logger *pterm.Logger, stats *util.Stats) (*Channel, error) {
	if logger == nil {
		logger = util.Discard()
	}
	id, err := NewID()
	if err != nil {
		return nil, err
	}

	serverPath := ServerPath(cfg.BaseDir, id)
	clientPath := ClientPath(cfg.BaseDir, id)

	ep, err := transport.Bind(serverPath, clientPath, config.RoleServer, endpointOptions(cfg, logger, stats))
	if err != nil {
		return nil, fmt.Errorf("listen on session %s: %w", id, err)
	}
	logger.Debug("server mode", logger.Args("id", id))

	return &Channel{Endpoint: ep, ID: id, ServerPath: serverPath, ClientPath: clientPath}, nil
}

// Dial binds the client endpoint of an existing session and sends an empty
// probe message to confirm the server is live. A second concurrent Dial of
// the same id fails with transport.ErrAddressInUse.
func Dial(cfg config.Config, id string, logger *pterm.Logger, stats *util.Stats) (*Channel, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = util.Discard()
	}

	serverPath := ServerPath(cfg.BaseDir, id)
	clientPath := ClientPath(cfg.BaseDir, id)

	if !transport.Alive(serverPath) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}

	ep, err := transport.Bind(clientPath, serverPath, config.RoleClient, endpointOptions(cfg, logger, stats))
	if err != nil {
		return nil, fmt.Errorf("attach to session %s: %w", id, err)
	}

	if _, err := ep.Send(nil); err != nil {
		ep.Close()
		if errors.Is(err, transport.ErrPeerGone) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, id)
		}
		return nil, fmt.Errorf("probe session %s: %w", id, err)
	}
	logger.Debug("client mode", logger.Args("id", id))

	return &Channel{Endpoint: ep, ID: id, ServerPath: serverPath, ClientPath: clientPath}, nil
}
