package luaenv

import "errors"

// Errors for environment operations.
var (
	// ErrEnvClosed is returned when operating on a closed environment.
	ErrEnvClosed = errors.New("lua environment is closed")
)
