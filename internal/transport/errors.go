package transport

import "errors"

var (
	// ErrAddressInUse reports that another live process has bound the path.
	ErrAddressInUse = errors.New("address already in use")

	// ErrPermission reports that the socket directory or path cannot be
	// created or secured.
	ErrPermission = errors.New("permission denied")

	// ErrPeerGone reports a send to a peer path nobody is bound to.
	ErrPeerGone = errors.New("peer endpoint gone")

	// ErrPeerStalled reports a peer that stopped draining its queue in the
	// middle of a message.
	ErrPeerStalled = errors.New("peer endpoint stalled")
)
