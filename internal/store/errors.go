package store

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrDuplicateSpawn     = errors.New("duplicate spawn")
	ErrChannelArchived    = errors.New("channel is archived")
	ErrInvalidTransition  = errors.New("invalid spawn transition")
	ErrAmbiguousReference = errors.New("ambiguous reference")
	ErrInvalidName        = errors.New("invalid name")
	ErrParentMismatch     = errors.New("parent spawn belongs to another agent")
)

// AmbiguousReferenceError is returned when a short id prefix matches more
// than one record.
type AmbiguousReferenceError struct {
	Kind       string
	Ref        string
	Candidates []string
}

func (e *AmbiguousReferenceError) Error() string {
	return fmt.Sprintf("%s reference %q is ambiguous: matches %s", e.Kind, e.Ref, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousReferenceError) Is(target error) bool {
	return target == ErrAmbiguousReference
}

// DuplicateSpawnError carries the spawn that blocked an insert, when known.
type DuplicateSpawnError struct {
	AgentID   string
	ChannelID string
	Existing  string
}

func (e *DuplicateSpawnError) Error() string {
	if e.Existing != "" {
		return fmt.Sprintf("duplicate spawn for agent %s in channel %q: %s is active", e.AgentID, e.ChannelID, e.Existing)
	}
	return fmt.Sprintf("duplicate spawn for agent %s in channel %q", e.AgentID, e.ChannelID)
}

func (e *DuplicateSpawnError) Is(target error) bool {
	return target == ErrDuplicateSpawn
}

// TransitionError reports the status a spawn had when a transition was refused.
type TransitionError struct {
	ID      string
	Current SpawnStatus
	To      SpawnStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("spawn %s: cannot move from %s to %s", e.ID, e.Current, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
