package transport

import "errors"

// ErrTransportUnavailable is returned by Send/ReadLine when no link is
// currently connected (open failed, or a reconnect is in progress).
var ErrTransportUnavailable = errors.New("nikobus transport: unavailable")
