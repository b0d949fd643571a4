package sandbox

import "errors"

// ErrPoolExhausted indicates every environment slot is in use.
var ErrPoolExhausted = errors.New("sandbox pool exhausted")

// ErrPoolClosed indicates the pool has been shut down.
var ErrPoolClosed = errors.New("sandbox pool closed")

// ErrUnsafeCode indicates the preflight safety scan rejected the code
// before it reached an environment.
var ErrUnsafeCode = errors.New("unsafe code rejected")

// ErrEnvUnhealthy indicates the environment's runtime process is no longer
// usable and the environment must be destroyed.
var ErrEnvUnhealthy = errors.New("environment unhealthy")

// ErrDepInstall indicates dependency installation failed.
var ErrDepInstall = errors.New("dependency install failed")
