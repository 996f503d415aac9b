package praxis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// Bridge is an external tool source: a protocol endpoint that can enumerate
// tool descriptors and execute calls on the core's behalf. Discovery caches
// the descriptors; invocation passes through.
type Bridge interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// registered pairs one tool definition with its executor. Bridge-discovered
// entries record the bridge so a refresh can replace them wholesale.
type registered struct {
	def    ToolDefinition
	tool   Tool
	bridge string // "" for statically registered tools
}

// Registry holds every callable tool: statically registered ones and those
// discovered from external bridges. It is read-mostly; writes happen at
// startup and on explicit refresh, behind a single write lock, so in-flight
// requests always observe a consistent view.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registered
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger. Default: discard.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]registered),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Idempotent per definition name: re-registering a
// name replaces the previous entry.
func (r *Registry) Register(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		for _, def := range t.Definitions() {
			r.entries[def.Name] = registered{def: def, tool: t}
		}
	}
}

// Discover pulls tool descriptors from a bridge and registers each under the
// bridge's namespace ("<bridge>_<tool>"). Previously discovered entries for
// the same bridge are dropped first, so a refresh converges on the bridge's
// current tool set. Returns the number of tools registered.
func (r *Registry) Discover(ctx context.Context, b Bridge) (int, error) {
	defs, err := b.ListTools(ctx)
	if err != nil {
		return 0, err
	}

	bt := &bridgeTool{bridge: b}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if e.bridge == b.Name() {
			delete(r.entries, name)
		}
	}
	for _, def := range defs {
		namespaced := def
		namespaced.Name = b.Name() + "_" + def.Name
		r.entries[namespaced.Name] = registered{def: namespaced, tool: bt, bridge: b.Name()}
	}
	r.logger.Info("external_tools_discovered", "bridge", b.Name(), "count", len(defs))
	return len(defs), nil
}

// Resolve returns the tool registered under name, enforcing the role view:
// a definition with RequiresRole set resolves only for that role.
func (r *Registry) Resolve(name, role string) (Tool, ToolDefinition, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ToolDefinition{}, &ErrToolNotFound{Name: name}
	}
	if !roleAllowed(e.def, role) {
		return nil, ToolDefinition{}, &ErrForbidden{Reason: "tool " + name + " requires role " + e.def.RequiresRole}
	}
	return e.tool, e.def, nil
}

// List returns the definitions visible to role, sorted by name so the view
// is stable across calls.
func (r *Registry) List(role string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		if roleAllowed(e.def, role) {
			defs = append(defs, e.def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute resolves and runs a tool by name without a role restriction.
// Role enforcement happens at resolve time in the driver's dispatch path.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t, _, err := r.Resolve(name, adminRole)
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	return t.Execute(ctx, name, args)
}

// adminRole sees every tool.
const adminRole = "admin"

func roleAllowed(def ToolDefinition, role string) bool {
	if def.RequiresRole == "" || role == adminRole {
		return true
	}
	return def.RequiresRole == role
}

// bridgeTool adapts a Bridge into the Tool interface. The namespace prefix
// added at discovery time is stripped before pass-through.
type bridgeTool struct {
	bridge Bridge
}

func (b *bridgeTool) Definitions() []ToolDefinition { return nil }

func (b *bridgeTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	prefix := b.bridge.Name() + "_"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}
	out, err := b.bridge.Invoke(ctx, name, args)
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	return ToolResult{Content: out}, nil
}
