package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/KafClaw/agentbus/internal/config"
	"github.com/KafClaw/agentbus/internal/store"
)

// SessionWriter is the slice of the store the linker writes to.
type SessionWriter interface {
	SetSessionRef(ctx context.Context, spawnID, ref string) error
	UpsertSession(ctx context.Context, sess *store.Session, now time.Time) error
}

// Linker applies configured overrides on top of the registry and records
// provider sessions against spawns.
type Linker struct {
	registry  *Registry
	overrides map[string]config.ProviderConfig
	sessions  SessionWriter
}

// NewLinker builds a linker. Override entries naming an unknown provider
// register a generic provider running the configured command.
func NewLinker(reg *Registry, overrides map[string]config.ProviderConfig, sessions SessionWriter) *Linker {
	if reg == nil {
		reg = NewRegistry()
	}
	norm := make(map[string]config.ProviderConfig, len(overrides))
	for name, ov := range overrides {
		name = NormalizeName(name)
		norm[name] = ov
		if _, err := reg.Get(name); err != nil && ov.Command != "" {
			reg.Register(name, Generic{Command: ov.Command})
		}
	}
	return &Linker{registry: reg, overrides: norm, sessions: sessions}
}

func (l *Linker) Registry() *Registry { return l.registry }

// LaunchArgs builds the invocation for provider, with configured command,
// extra args and env applied.
func (l *Linker) LaunchArgs(name string, req LaunchRequest) (Invocation, error) {
	p, err := l.registry.Get(name)
	if err != nil {
		return Invocation{}, err
	}
	ov := l.overrides[NormalizeName(name)]
	if len(ov.Args) > 0 {
		req.ExtraArgs = append(append([]string(nil), ov.Args...), req.ExtraArgs...)
	}
	inv, err := p.LaunchArgs(req)
	if err != nil {
		return Invocation{}, fmt.Errorf("%s launch args: %w", p.Name(), err)
	}
	if ov.Command != "" {
		inv.Command = ov.Command
	}
	keys := make([]string, 0, len(ov.Env))
	for k := range ov.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		inv.Env = append(inv.Env, k+"="+ov.Env[k])
	}
	return inv, nil
}

// ExtractSessionID returns "" for unknown providers as well as for output
// without a single unambiguous id.
func (l *Linker) ExtractSessionID(name string, raw []byte) string {
	p, err := l.registry.Get(name)
	if err != nil {
		return ""
	}
	return p.ExtractSessionID(raw)
}

// Source describes the artifact a session was parsed from.
type Source struct {
	Path    string
	ModTime time.Time
}

// RegisterSession upserts the session row for a spawn. It is bookkeeping only.
func (l *Linker) RegisterSession(ctx context.Context, spawnID, sessionID, providerName, model string, m Metrics, src Source, now time.Time) error {
	if sessionID == "" {
		return nil
	}
	if m.Model != "" {
		model = m.Model
	}
	sess := &store.Session{
		SpawnID:      spawnID,
		SessionID:    sessionID,
		Provider:     NormalizeName(providerName),
		Model:        model,
		MessageCount: m.Messages,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		ToolCalls:    m.ToolCalls,
		SourcePath:   src.Path,
	}
	if !src.ModTime.IsZero() {
		mt := src.ModTime.UTC()
		sess.SourceMtime = &mt
		sess.LastActivityAt = &mt
		sess.FirstActivityAt = &mt
	}
	return l.sessions.UpsertSession(ctx, sess, now)
}

// LinkRequest names a spawn's run output to link.
type LinkRequest struct {
	SpawnID    string
	Provider   string
	Model      string
	Mode       Mode
	OutputPath string
}

// Link parses a run's output file and, when it yields a session id, stores
// it as the spawn's session reference and upserts the session. Interactive
// runs are never linked. A missing output file is not an error.
func (l *Linker) Link(ctx context.Context, req LinkRequest, now time.Time) (string, error) {
	if req.Mode == ModeInteractive || req.OutputPath == "" {
		return "", nil
	}
	p, err := l.registry.Get(req.Provider)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(req.OutputPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(req.OutputPath)
	if err != nil {
		return "", err
	}
	id := p.ExtractSessionID(raw)
	if id == "" {
		slog.Debug("No session id in output", "spawn", req.SpawnID, "provider", p.Name(), "path", req.OutputPath)
		return "", nil
	}
	if err := l.sessions.SetSessionRef(ctx, req.SpawnID, id); err != nil {
		return "", fmt.Errorf("set session ref: %w", err)
	}
	src := Source{Path: req.OutputPath, ModTime: info.ModTime()}
	if err := l.RegisterSession(ctx, req.SpawnID, id, p.Name(), req.Model, p.ExtractMetrics(raw), src, now); err != nil {
		return id, fmt.Errorf("register session: %w", err)
	}
	return id, nil
}
