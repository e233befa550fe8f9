package rpcbroker

import "errors"

// Terminal Call outcomes, mirroring the taxonomy in spec §7.
var (
	ErrNoHandler = errors.New("rpcbroker: no handler registered")
	ErrTimeout   = errors.New("rpcbroker: call timed out")
	ErrTransport = errors.New("rpcbroker: transport error delivering call")
)
