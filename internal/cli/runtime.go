package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/agentbus/internal/alert"
	"github.com/KafClaw/agentbus/internal/bridge"
	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/config"
	"github.com/KafClaw/agentbus/internal/identity"
	"github.com/KafClaw/agentbus/internal/mirror"
	"github.com/KafClaw/agentbus/internal/provider"
	"github.com/KafClaw/agentbus/internal/scheduler"
	"github.com/KafClaw/agentbus/internal/spawn"
	"github.com/KafClaw/agentbus/internal/store"
)

// runtime is the wired coordinator every command works against.
type runtime struct {
	cfg      *config.Config
	store    *store.Store
	hub      *bus.Hub
	profiles *identity.Loader
	linker   *provider.Linker
	manager  *spawn.Manager
	bridge   *bridge.Bridge
	mirror   *mirror.Publisher
}

// openRuntime loads config, opens the store and wires the manager and bus.
// Event sinks are attached when enabled in config.
func openRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg.Log.Level)

	for _, dir := range []string{cfg.Paths.Home, filepath.Dir(cfg.Paths.DBPath)} {
		if err := config.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		store:    st,
		hub:      bus.NewHub(1024),
		profiles: identity.NewLoader(cfg.Paths.ProfilesDir),
	}
	rt.linker = provider.NewLinker(nil, cfg.Providers, st)
	rt.manager = spawn.NewManager(st, rt.linker,
		spawn.WithConfig(cfg.Spawn),
		spawn.WithEvents(rt.hub),
		spawn.WithProfiles(rt.profiles),
		spawn.WithLogDir(cfg.Paths.SpawnLogDir),
		spawn.WithWorkDir(cfg.Paths.WorkDir),
		spawn.WithHome(cfg.Paths.Home),
		spawn.WithLaunchLimiter(scheduler.NewSemaphore(cfg.Spawn.MaxConcurrentLaunches)),
		spawn.WithSelf(os.Getenv("AGENTBUS_SPAWN_ID")),
	)
	rt.bridge = bridge.New(st, rt.manager, bridge.WithEvents(rt.hub), bridge.WithConfig(cfg.Bus))

	if cfg.Mirror.Enabled {
		p, err := mirror.NewPublisher(cfg.Mirror)
		if err != nil {
			slog.Warn("Event mirror disabled", "error", err)
		} else {
			p.Attach(rt.hub)
			rt.mirror = p
		}
	}
	if cfg.Alerts.SlackEnabled {
		n, err := alert.NewSlackNotifier(cfg.Alerts, nil)
		if err != nil {
			slog.Warn("Slack alerts disabled", "error", err)
		} else {
			n.Attach(rt.hub)
		}
	}
	return rt, nil
}

func (rt *runtime) lockPath() string {
	return filepath.Join(rt.cfg.Paths.Home, "scheduler.lock")
}

// Close delivers queued events to the sinks and releases the store.
func (rt *runtime) Close() {
	rt.hub.Flush()
	if rt.mirror != nil {
		if err := rt.mirror.Close(); err != nil {
			slog.Warn("Event mirror close failed", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		slog.Warn("Store close failed", "error", err)
	}
}

// actor returns the identity a command acts as: the --as flag, or the agent
// the calling spawn runs as.
func actor(as string) (string, error) {
	if as = strings.TrimSpace(as); as != "" {
		return as, nil
	}
	if env := strings.TrimSpace(os.Getenv("AGENTBUS_AGENT")); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no identity: pass --as or set AGENTBUS_AGENT")
}
