package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Profile is the opaque text injected into a spawn plus its content hash.
type Profile struct {
	Agent string
	Text  string
	Hash  string
	// Path is empty when the embedded default was used.
	Path string
}

// Loader reads profiles from <dir>/<agent>.md.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

func (l *Loader) Dir() string { return l.dir }

// Path returns where the profile for agent lives.
func (l *Loader) Path(agent string) string {
	return filepath.Join(l.dir, agent+".md")
}

// Load returns the agent's profile, falling back to the rendered default
// template when no file exists.
func (l *Loader) Load(agent string) (*Profile, error) {
	if agent == "" || strings.ContainsAny(agent, `/\`) {
		return nil, fmt.Errorf("invalid agent name %q", agent)
	}
	path := l.Path(agent)
	data, err := os.ReadFile(path)
	if err == nil {
		text := string(data)
		return &Profile{Agent: agent, Text: text, Hash: Hash(text), Path: path}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	text, err := Render(agent)
	if err != nil {
		return nil, err
	}
	return &Profile{Agent: agent, Text: text, Hash: Hash(text)}, nil
}

// Render fills the default template for agent.
func Render(agent string) (string, error) {
	data, err := Template(DefaultTemplate)
	if err != nil {
		return "", fmt.Errorf("default profile template: %w", err)
	}
	r := strings.NewReplacer("{{agent}}", agent, "{{channel}}", "$AGENTBUS_CHANNEL")
	return r.Replace(string(data)), nil
}

// Hash is the hex sha256 of the profile text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
