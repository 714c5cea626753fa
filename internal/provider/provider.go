// Package provider abstracts the external agent CLIs that spawns run.
// Each provider knows how to build its invocation and how to find the native
// conversation id in its output; nothing outside this package branches on
// provider identity.
package provider

import (
	"errors"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Mode selects how a provider is invoked.
type Mode string

const (
	// ModeTask runs headless with structured output; sessions are linked.
	ModeTask Mode = "task"
	// ModeInteractive injects the profile as system prompt and produces plain
	// output. Session linking is off in this mode.
	ModeInteractive Mode = "interactive"
)

// ParseMode maps a stored mode string to a Mode, defaulting to task.
func ParseMode(s string) Mode {
	if Mode(s) == ModeInteractive {
		return ModeInteractive
	}
	return ModeTask
}

// LaunchRequest is the input to LaunchArgs.
type LaunchRequest struct {
	Mode            Mode
	Model           string
	Prompt          string
	Profile         string
	ResumeSessionID string
	ExtraArgs       []string
}

// Invocation is a ready-to-exec command line. Stdin, when non-empty, is fed
// to the process on standard input.
type Invocation struct {
	Command string
	Args    []string
	Env     []string
	Stdin   string
}

// Metrics are usage counters parsed from provider output.
type Metrics struct {
	Model        string
	Messages     int64
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int64
}

// Provider is the per-CLI capability interface.
type Provider interface {
	Name() string
	LaunchArgs(req LaunchRequest) (Invocation, error)
	// ExtractSessionID returns the native conversation id, or "" when the
	// output has none or names more than one.
	ExtractSessionID(raw []byte) string
	ExtractMetrics(raw []byte) Metrics
}
