package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/barclamp/pkg/engine"
	"github.com/openfroyo/barclamp/pkg/policy"
)

// SchemaRegistrar receives the CUE schemas declared by catalog modules.
type SchemaRegistrar interface {
	Register(module, source string) error
	Unregister(module string)
}

// PolicyRegistrar receives the Rego policies declared by catalog modules.
type PolicyRegistrar interface {
	AddPolicy(ctx context.Context, p policy.Policy) error
	RemovePolicy(name string) error
}

// BackendFor selects the deployment backend of a module.
type BackendFor func(m Module) engine.Backend

// Options configures a Registry.
type Options struct {
	// Backend selects the deployment backend of each module. Required.
	Backend BackendFor

	// Schemas receives module schemas. Optional.
	Schemas SchemaRegistrar

	// Policies receives module policies. Optional.
	Policies PolicyRegistrar

	Logger zerolog.Logger
}

// Registry maps module names to handlers built from a catalog. It implements
// engine.ModuleRegistry and can be re-applied when the catalog changes.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]*Handler
	names    []string
	schemas  map[string]bool
	policies map[string]bool
}

var _ engine.ModuleRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend selector is required")
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "catalog").Logger(),
		handlers: make(map[string]*Handler),
		schemas:  make(map[string]bool),
		policies: make(map[string]bool),
	}, nil
}

// PolicyName is the name under which a module's catalog policy is registered.
func PolicyName(module string) string {
	return "catalog-" + module
}

// Apply replaces the registered handlers with those of cat and registers the module
// schemas and policies. Handlers are only swapped when every schema and policy was
// accepted.
func (r *Registry) Apply(ctx context.Context, cat *Catalog) error {
	if err := Validate(cat); err != nil {
		return err
	}

	handlers := make(map[string]*Handler, len(cat.Barclamps))
	for _, m := range cat.Barclamps {
		backend := r.opts.Backend(m)
		if backend == nil {
			return fmt.Errorf("no deployment backend for barclamp %s", m.Name)
		}
		handlers[m.Name] = &Handler{module: m, backend: backend}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	schemas := make(map[string]bool)
	policies := make(map[string]bool)
	for _, m := range cat.Barclamps {
		if m.Schema != "" && r.opts.Schemas != nil {
			if err := r.opts.Schemas.Register(m.Name, m.Schema); err != nil {
				return fmt.Errorf("failed to register schema of %s: %w", m.Name, err)
			}
			schemas[m.Name] = true
		}
		if m.Policy != "" && r.opts.Policies != nil {
			err := r.opts.Policies.AddPolicy(ctx, policy.Policy{
				Name:        PolicyName(m.Name),
				Description: "Catalog policy of " + m.Name,
				Rego:        m.Policy,
				Severity:    policy.SeverityError,
				Enabled:     true,
				Modules:     []string{m.Name},
			})
			if err != nil {
				return fmt.Errorf("failed to register policy of %s: %w", m.Name, err)
			}
			policies[m.Name] = true
		}
	}

	// Drop registrations of modules that no longer declare them.
	for name := range r.schemas {
		if !schemas[name] {
			r.opts.Schemas.Unregister(name)
		}
	}
	for name := range r.policies {
		if !policies[name] {
			_ = r.opts.Policies.RemovePolicy(PolicyName(name))
		}
	}

	names := cat.Names()
	sort.Strings(names)

	r.handlers = handlers
	r.names = names
	r.schemas = schemas
	r.policies = policies

	r.logger.Info().
		Int("barclamps", len(names)).
		Int("schemas", len(schemas)).
		Int("policies", len(policies)).
		Msg("Catalog applied")
	return nil
}

// Handler returns the handler of a module.
func (r *Registry) Handler(module string) (engine.ModuleHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[module]
	if !ok {
		return nil, false
	}
	return h, true
}

// Handlers returns every handler ordered by name.
func (r *Registry) Handlers() []engine.ModuleHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]engine.ModuleHandler, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.handlers[name])
	}
	return out
}

// Handler is the engine.ModuleHandler of a catalog module.
type Handler struct {
	module  Module
	backend engine.Backend
}

var _ engine.ModuleHandler = (*Handler)(nil)

func (h *Handler) Name() string        { return h.module.Name }
func (h *Handler) Description() string { return h.module.Description }
func (h *Handler) Version() string     { return h.module.Version }

// Members returns a copy of the member list.
func (h *Handler) Members() []string {
	return append([]string(nil), h.module.Members...)
}

func (h *Handler) AllowsMultipleProposals() bool {
	return h.module.AllowMultipleProposals
}

// Defaults returns copies of the template subtrees. A deployment template without
// elements gets an empty elements object.
func (h *Handler) Defaults() (attributes, deployment engine.Subtree) {
	attributes = engine.Subtree(h.module.Attributes).Clone()
	if attributes == nil {
		attributes = engine.Subtree{}
	}

	deployment = engine.Subtree(h.module.Deployment).Clone()
	if deployment == nil {
		deployment = engine.Subtree{}
	}
	if _, ok := deployment["elements"]; !ok {
		deployment["elements"] = map[string]interface{}{}
	}
	return attributes, deployment
}

// Submit hands the proposal to the module's deployment backend.
func (h *Handler) Submit(ctx context.Context, p *engine.Proposal) (engine.SubmitStatus, string, error) {
	return h.backend.Submit(ctx, p)
}

