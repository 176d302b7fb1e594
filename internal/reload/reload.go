// Package reload maps config file changes onto daemon actions. Each
// section change is classified as Warn (log only), Callback (custom
// handler) or Kill (clean shutdown so the service manager restarts the
// daemon against the new device).
package reload

import (
	"log/slog"

	"github.com/modlink/modlink/internal/config"
)

// ActionKind classifies how a matching rule is handled.
type ActionKind int

const (
	// Warn logs the rule name but takes no action.
	Warn ActionKind = iota
	// Callback invokes the rule's Handle function.
	Callback
	// Kill invokes the dispatcher's kill function and short-circuits
	// remaining rules.
	Kill
)

// Rule describes a single config-change reaction.
type Rule struct {
	Name   string
	Kind   ActionKind
	Match  func(diff *config.DiffResult) bool
	Handle func(old, new *config.Config, diff *config.DiffResult) // Callback only
}

// Dispatcher evaluates registered rules against config diffs.
type Dispatcher struct {
	prologue []func(old, new *config.Config) // unconditional pre-rule hooks
	rules    []Rule                          // evaluated in registration order
	kill     func()                          // cancels daemon root context
}

// New creates a Dispatcher. The kill function is called when a Kill rule
// matches, and should cancel the daemon's root context for a clean shutdown.
func New(kill func()) *Dispatcher {
	return &Dispatcher{kill: kill}
}

// OnAlways registers an unconditional prologue hook that runs before any
// rules are evaluated. Prologues execute in registration order.
func (d *Dispatcher) OnAlways(fn func(old, new *config.Config)) {
	d.prologue = append(d.prologue, fn)
}

// Register appends a rule. Rules are evaluated in registration order.
func (d *Dispatcher) Register(rule Rule) {
	d.rules = append(d.rules, rule)
}

// Dispatch runs all prologues, then evaluates rules in order against the
// diff. The signature matches the config.Watcher callback.
func (d *Dispatcher) Dispatch(old, new *config.Config, diff *config.DiffResult) {
	for _, fn := range d.prologue {
		fn(old, new)
	}

	for _, r := range d.rules {
		if r.Match != nil && !r.Match(diff) {
			continue
		}

		switch r.Kind {
		case Warn:
			slog.Info("config change requires attention", "rule", r.Name)
		case Callback:
			if r.Handle != nil {
				r.Handle(old, new, diff)
			}
		case Kill:
			slog.Info("config change requires restart", "rule", r.Name)
			if d.kill != nil {
				d.kill()
			}
			return
		}
	}
}

// Actions are the daemon operations a config change can trigger.
type Actions struct {
	// Swap installs the new config. Sessions already running keep the
	// config they started with.
	Swap func(cfg *config.Config)
	// AgentChanged runs when [agent] changes, e.g. to prune cached
	// binaries that no longer match.
	AgentChanged func(agent config.AgentConfig)
	// Kill shuts the daemon down. It runs on the watcher goroutine, so it
	// must not block; a running session is left to finish first.
	Kill func()
}

// NewDaemon returns the dispatcher used by `modlink serve`. The new config
// is always swapped in first; a device change then restarts the daemon
// because the open device connection cannot be retargeted.
func NewDaemon(a Actions) *Dispatcher {
	d := New(a.Kill)
	if a.Swap != nil {
		d.OnAlways(func(_, new *config.Config) { a.Swap(new) })
	}
	d.Register(Rule{
		Name:  "device",
		Kind:  Kill,
		Match: (*config.DiffResult).DeviceChanged,
	})
	d.Register(Rule{
		Name:  "agent",
		Kind:  Callback,
		Match: (*config.DiffResult).AgentChanged,
		Handle: func(_, new *config.Config, _ *config.DiffResult) {
			slog.Info("agent settings changed, next session will re-provision",
				"remote_path", new.Agent.RemotePath, "sha256", new.Agent.SHA256)
			if a.AgentChanged != nil {
				a.AgentChanged(new.Agent)
			}
		},
	})
	d.Register(Rule{
		Name:  "mods",
		Kind:  Warn,
		Match: (*config.DiffResult).ModsChanged,
	})
	return d
}
