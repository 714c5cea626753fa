package spawn

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSession is returned by Resume when no provider session was
	// ever linked to the spawn.
	ErrMissingSession = errors.New("spawn has no linked session")
	// ErrNotSpawnable is returned for human identities and archived agents.
	ErrNotSpawnable = errors.New("agent is not spawnable")
	// ErrProcessLaunchFailure matches any *LaunchError.
	ErrProcessLaunchFailure = errors.New("process launch failure")
)

// LaunchError is returned when every launch attempt for a spawn failed.
type LaunchError struct {
	SpawnID  string
	Attempts int
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("spawn %s: launch failed after %d attempt(s): %v", e.SpawnID, e.Attempts, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool {
	return target == ErrProcessLaunchFailure
}
