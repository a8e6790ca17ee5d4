package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openfroyo/barclamp/pkg/engine"
)

const (
	attributesDef = "#Attributes"
	deploymentDef = "#Deployment"
)

// moduleSchema holds the compiled definitions of one module. A zero value means the
// module did not declare that definition.
type moduleSchema struct {
	attributes cue.Value
	deployment cue.Value
}

// Registry manages per-module CUE schemas for proposal validation.
type Registry struct {
	// cue.Context is not safe for concurrent use; mu guards every use of ctx.
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]moduleSchema
}

var _ engine.Validator = (*Registry)(nil)

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]moduleSchema),
	}
}

// Name returns the validator name reported on field errors.
func (r *Registry) Name() string {
	return "schema"
}

// Register compiles a module schema and replaces any previous schema of the module.
func (r *Registry) Register(module, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	val := r.ctx.CompileString(source, cue.Filename(module+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", module, err)
	}

	ms := moduleSchema{
		attributes: val.LookupPath(cue.ParsePath(attributesDef)),
		deployment: val.LookupPath(cue.ParsePath(deploymentDef)),
	}
	if !ms.attributes.Exists() && !ms.deployment.Exists() {
		return fmt.Errorf("schema %s defines neither %s nor %s", module, attributesDef, deploymentDef)
	}

	r.schemas[module] = ms
	return nil
}

// RegisterFile reads a CUE file and registers it for a module.
func (r *Registry) RegisterFile(module, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema file %s: %w", path, err)
	}
	return r.Register(module, string(content))
}

// Unregister removes the schema of a module.
func (r *Registry) Unregister(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, module)
}

// Has reports whether a module has a registered schema.
func (r *Registry) Has(module string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.schemas[module]
	return ok
}

// Modules returns the modules with a registered schema, sorted.
func (r *Registry) Modules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every module subtree of the proposal that has a registered schema
// and returns one field error per CUE violation.
func (r *Registry) Validate(_ context.Context, p *engine.Proposal) ([]engine.FieldError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fields []engine.FieldError
	for _, module := range sortedKeys(p.Attributes) {
		ms, ok := r.schemas[module]
		if !ok || !ms.attributes.Exists() {
			continue
		}
		found, err := r.check(ms.attributes, "attributes."+module, p.Attributes[module])
		if err != nil {
			return nil, err
		}
		fields = append(fields, found...)
	}
	for _, module := range sortedKeys(p.Deployment) {
		ms, ok := r.schemas[module]
		if !ok || !ms.deployment.Exists() {
			continue
		}
		found, err := r.check(ms.deployment, "deployment."+module, p.Deployment[module])
		if err != nil {
			return nil, err
		}
		fields = append(fields, found...)
	}
	return fields, nil
}

// check unifies one subtree with a definition. The subtree goes through JSON so that
// integral numbers decoded as float64 are seen by CUE as integers.
func (r *Registry) check(def cue.Value, root string, tree engine.Subtree) ([]engine.FieldError, error) {
	if tree == nil {
		tree = engine.Subtree{}
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", root, err)
	}

	val := r.ctx.CompileBytes(data, cue.Filename(root))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", root, err)
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(root, err), nil
	}
	return nil, nil
}

// convertCUEErrors converts CUE errors to field errors rooted at root.
func convertCUEErrors(root string, err error) []engine.FieldError {
	var fields []engine.FieldError
	seen := make(map[string]bool)

	for _, e := range cueerrors.Errors(err) {
		field := root
		if path := dataPath(e.Path()); path != "" {
			field += "." + path
		}
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)

		key := field + "\x00" + msg
		if seen[key] {
			continue
		}
		seen[key] = true

		fields = append(fields, engine.FieldError{
			Field:   field,
			Message: msg,
			Source:  "schema",
		})
	}
	return fields
}

// dataPath drops definition selectors so the path names the offending data field.
func dataPath(path []string) string {
	parts := make([]string, 0, len(path))
	for _, p := range path {
		if strings.HasPrefix(p, "#") {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}

func sortedKeys(trees engine.ModuleTrees) []string {
	keys := make([]string, 0, len(trees))
	for k := range trees {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
