package node

import (
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/cycleflow/types"
)

// ParamSpec declares one parameter a node kind accepts. Typed defaults
// replace exception-based probing for cycle-carried values: the engine
// guarantees a declared parameter is present before invocation.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, bool, object, array, any
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// KindSpec describes a registered node kind: its invoker, declared
// parameter schema, and retry policy.
type KindSpec struct {
	Invoker    Invoker
	Params     []ParamSpec
	Retryable  bool
	MaxRetries int
	RetryDelay time.Duration
}

// Registry maps kind names to their specs.
type Registry struct {
	// mu protects kinds against concurrent Register (write) and Lookup
	// (read) calls.
	mu    sync.RWMutex
	kinds map[string]KindSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]KindSpec)}
}

// Register adds a node kind. Registering an existing name is an error.
func (r *Registry) Register(name string, spec KindSpec) error {
	if name == "" {
		return types.NewError(types.ErrUnknownKind, "kind name must not be empty")
	}
	if spec.Invoker == nil {
		return types.Errorf(types.ErrUnknownKind, "kind %q has no invoker", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[name]; exists {
		return types.Errorf(types.ErrUnknownKind, "kind %q already registered", name)
	}
	r.kinds[name] = spec
	return nil
}

// RegisterFunc adds a node kind backed by a plain function.
func (r *Registry) RegisterFunc(name string, fn InvokerFunc, params ...ParamSpec) error {
	return r.Register(name, KindSpec{Invoker: fn, Params: params})
}

// Lookup returns the spec for a kind.
func (r *Registry) Lookup(name string) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[name]
	return spec, ok
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyParams validates inputs against a parameter schema and fills in
// declared defaults. Returns a new map; inputs are never mutated.
func ApplyParams(specs []ParamSpec, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs)+len(specs))
	for k, v := range inputs {
		out[k] = v
	}
	for _, spec := range specs {
		v, present := out[spec.Name]
		if !present {
			if spec.Default != nil {
				out[spec.Name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, types.Errorf(types.ErrInvalidParameter,
					"required parameter %q is missing", spec.Name)
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			return nil, types.Errorf(types.ErrInvalidParameter,
				"parameter %q: expected %s, got %T", spec.Name, spec.Type, v)
		}
	}
	return out, nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string, []int, []float64:
			return true
		}
		return false
	default:
		// Unknown declared types are not enforced.
		return true
	}
}
