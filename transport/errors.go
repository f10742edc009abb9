package transport

import "errors"

var (
	// ErrChannelClosed is returned by operations on a channel that has been
	// unsubscribed or whose connection is gone.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrNotSubscribed is returned when sending on a channel that has not
	// reached the Subscribed state.
	ErrNotSubscribed = errors.New("transport: channel not subscribed")

	// ErrAlreadySubscribed is returned by a second Subscribe call on the
	// same channel.
	ErrAlreadySubscribed = errors.New("transport: channel already subscribed")
)
