package ncm

import "errors"

var (
	// ErrShutdown - manager shutdown signaled; request refused.
	ErrShutdown = errors.New("configuration manager shutting down")

	// ErrAccess - caller lacks the required operation mode flag.
	ErrAccess = errors.New("operation not permitted in this mode")

	// ErrInvalidParam - null/invalid input.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrBadMessage - incoming blob failed header extraction or decode.
	// Store path only; logged, never surfaced through completion callbacks.
	ErrBadMessage = errors.New("malformed configuration blob")

	// ErrInitTimeout - Init(wait=true) exceeded its deadline.
	ErrInitTimeout = errors.New("initialization timed out")
)
