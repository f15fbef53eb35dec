package fmtp

import "errors"

// Error taxonomy for the package. Call sites wrap these with context via
// fmt.Errorf("...: %w", ErrX) so callers can errors.Is against a stable
// sentinel while still seeing the underlying socket error.
var (
	// ErrInvalidArgument is returned synchronously from SendProduct when a
	// precondition on data/metadata is violated.
	ErrInvalidArgument = errors.New("fmtp: invalid argument")

	// ErrEgressFailed marks a multicast or recovery-socket send/receive
	// failure. Fatal to the sender: it triggers supervised shutdown.
	ErrEgressFailed = errors.New("fmtp: egress failed")

	// ErrConfigFailed marks an interface, bind, or socket-option failure
	// during construction or Start.
	ErrConfigFailed = errors.New("fmtp: configuration failed")

	// ErrFatal is the consolidated category Stop returns when any
	// background goroutine recorded a fault.
	ErrFatal = errors.New("fmtp: fatal background error")
)
