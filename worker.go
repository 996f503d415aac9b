package praxis

import (
	"errors"
	"log/slog"
	"sync"
)

// WorkerSpec defines one specialist agent: the directive is its persona,
// the description is what the supervisor and planner route on.
type WorkerSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Directive   string `json:"directive"`
}

// WorkerInfo is the prompt-facing view of a worker, used by the supervisor
// directive and the planner's worker catalog.
type WorkerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DefaultWorkerCatalog returns the built-in specialists. Callers may
// register these as-is, override their directives, or add their own.
func DefaultWorkerCatalog() []WorkerSpec {
	return []WorkerSpec{
		{
			Name:        "researcher",
			Description: "Specializes in web search, information gathering, fact-checking, and summarizing findings.",
			Directive: "You are an expert researcher. Your strengths:\n" +
				"- Thorough web searching and information gathering\n" +
				"- Fact-checking and source verification\n" +
				"- Summarizing complex findings clearly\n" +
				"- Providing well-structured research reports\n\n" +
				"Always cite sources when possible. Present findings in a clear, organized format.",
		},
		{
			Name:        "coder",
			Description: "Specializes in writing code, debugging, code review, and technical architecture.",
			Directive: "You are an expert software engineer. Your strengths:\n" +
				"- Writing clean, production-ready code\n" +
				"- Debugging and troubleshooting\n" +
				"- Code review with security and performance focus\n" +
				"- Technical architecture and design patterns\n" +
				"- Multiple languages: Python, JavaScript, TypeScript, SQL, etc.\n\n" +
				"Always follow best practices. Include error handling and type hints. " +
				"Explain your code decisions.",
		},
		{
			Name:        "analyst",
			Description: "Specializes in data analysis, statistics, visualization recommendations, and business insights.",
			Directive: "You are an expert data analyst. Your strengths:\n" +
				"- Statistical analysis and interpretation\n" +
				"- Data visualization recommendations\n" +
				"- Business intelligence and insights\n" +
				"- SQL query optimization\n" +
				"- Clear presentation of quantitative findings\n\n" +
				"Always explain your methodology. Present results with context and actionable recommendations.",
		},
	}
}

// Workers is the worker registry shared by the multi-agent router and the
// workflow scheduler. Each registered worker is a ready-to-run Driver with
// its own directive ahead of the shared middleware.
//
// Registration is rare (startup, explicit admin calls); reads dominate.
type Workers struct {
	provider Provider
	registry *Registry
	saver    Saver
	mws      []Middleware
	dopts    []DriverOption
	logger   *slog.Logger

	mu      sync.RWMutex
	order   []string
	entries map[string]workerEntry
}

type workerEntry struct {
	spec   WorkerSpec
	driver *Driver
}

// WorkersOption configures a Workers registry.
type WorkersOption func(*Workers)

// WithWorkerSaver enables checkpointing for every worker driver.
func WithWorkerSaver(s Saver) WorkersOption {
	return func(w *Workers) { w.saver = s }
}

// WithWorkerMiddleware appends shared middleware to every worker's stack,
// after the worker's own directive.
func WithWorkerMiddleware(mws ...Middleware) WorkersOption {
	return func(w *Workers) { w.mws = append(w.mws, mws...) }
}

// WithWorkerDriverOptions forwards extra options to every worker driver.
func WithWorkerDriverOptions(opts ...DriverOption) WorkersOption {
	return func(w *Workers) { w.dopts = append(w.dopts, opts...) }
}

func WithWorkersLogger(l *slog.Logger) WorkersOption {
	return func(w *Workers) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorkers builds an empty registry. Workers share the given provider
// and tool registry.
func NewWorkers(provider Provider, registry *Registry, opts ...WorkersOption) *Workers {
	if provider == nil {
		panic("praxis: NewWorkers requires a provider")
	}
	w := &Workers{
		provider: provider,
		registry: registry,
		logger:   nopLogger,
		entries:  make(map[string]workerEntry),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register adds spec to the registry, building its driver. Registering an
// existing name replaces the worker in place and keeps its position.
func (w *Workers) Register(spec WorkerSpec) error {
	if spec.Name == "" {
		return errors.New("praxis: worker name is required")
	}
	if spec.Directive == "" {
		return errors.New("praxis: worker " + spec.Name + " has no directive")
	}

	stack := NewStack(append([]Middleware{NewDirective(spec.Directive)}, w.mws...)...)
	opts := append([]DriverOption{
		WithDriverName(spec.Name),
		WithStack(stack),
		WithSaver(w.saver),
		WithDriverLogger(w.logger),
	}, w.dopts...)
	driver := NewDriver(w.provider, w.registry, opts...)

	w.mu.Lock()
	if _, exists := w.entries[spec.Name]; !exists {
		w.order = append(w.order, spec.Name)
	}
	w.entries[spec.Name] = workerEntry{spec: spec, driver: driver}
	w.mu.Unlock()

	w.logger.Info("worker_registered", "worker", spec.Name)
	return nil
}

// Get returns a worker's spec and driver.
func (w *Workers) Get(name string) (WorkerSpec, *Driver, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[name]
	return e.spec, e.driver, ok
}

// Has reports whether name is registered.
func (w *Workers) Has(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entries[name]
	return ok
}

// Infos lists workers in registration order for prompt rendering.
func (w *Workers) Infos() []WorkerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	infos := make([]WorkerInfo, 0, len(w.order))
	for _, name := range w.order {
		e := w.entries[name]
		infos = append(infos, WorkerInfo{Name: e.spec.Name, Description: e.spec.Description})
	}
	return infos
}

// Names lists worker names in registration order.
func (w *Workers) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

func (w *Workers) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}
