package deps

import "errors"

var (
	// ErrServiceNotManaged is returned when an operation targets a service
	// the manager does not own.
	ErrServiceNotManaged = errors.New("service is not managed")

	// ErrPortInUse is returned when a service's port is held by a process
	// the manager does not own.
	ErrPortInUse = errors.New("port is already in use by an unmanaged process")

	// ErrStartupTimeout is returned when a started service does not become
	// healthy within its startup timeout.
	ErrStartupTimeout = errors.New("service did not become healthy before the startup timeout")

	// ErrPortNotReleased is returned when a stopped service's port is still
	// held after the shutdown timeout.
	ErrPortNotReleased = errors.New("port was not released after shutdown")

	// ErrServiceNotRunning is returned when a service with auto-start
	// disabled is not already serving on its port.
	ErrServiceNotRunning = errors.New("service is not running and auto-start is disabled")
)
