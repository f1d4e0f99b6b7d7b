// Package registry maps sync kind names to their body implementations.
// The kind set is closed at startup; unknown kinds and malformed options
// are rejected at load time, never at dispatch time.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"spotifreak/internal/config"
	"spotifreak/internal/scheduler"
	"spotifreak/internal/task"
)

// Factory builds a task body from a validated descriptor. The factory is
// responsible for the strict typed decode of spec.Options; the schema has
// already vetted the shape by the time it runs.
type Factory func(spec config.SyncConfig) (task.Body, error)

// Kind is one registrable sync type. Schema is a JSON Schema document for
// the kind's options; empty means any options are accepted.
type Kind struct {
	Name    string
	Schema  string
	Factory Factory
}

type compiledKind struct {
	factory Factory
	schema  *jsonschema.Schema
}

// Registry holds the closed kind set.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]compiledKind
}

func New() *Registry {
	return &Registry{kinds: map[string]compiledKind{}}
}

// Register compiles the kind's schema and adds it. Registering the same
// name twice or an uncompilable schema is a programming error surfaced at
// startup.
func (r *Registry) Register(k Kind) error {
	name := strings.TrimSpace(k.Name)
	if name == "" {
		return fmt.Errorf("registry: kind name required")
	}
	if k.Factory == nil {
		return fmt.Errorf("registry: kind %q has no factory", name)
	}

	ck := compiledKind{factory: k.Factory}
	if strings.TrimSpace(k.Schema) != "" {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".schema.json", strings.NewReader(k.Schema)); err != nil {
			return fmt.Errorf("registry: kind %q schema: %w", name, err)
		}
		sch, err := compiler.Compile(name + ".schema.json")
		if err != nil {
			return fmt.Errorf("registry: kind %q schema: %w", name, err)
		}
		ck.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[name]; exists {
		return fmt.Errorf("registry: kind %q already registered", name)
	}
	r.kinds[name] = ck
	return nil
}

// Kinds lists the registered kind names sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build validates a descriptor and constructs its body. Validation order:
// schedule variant, kind lookup, options schema, factory (typed decode).
// Any failure yields a ValidationError naming the sync; nothing is ever
// partially registered.
func (r *Registry) Build(spec config.SyncConfig) (task.Body, error) {
	if err := spec.Validate(); err != nil {
		return nil, &config.ValidationError{Source: spec.ID, Err: err}
	}
	if _, err := scheduler.ParseSchedule(spec.Schedule); err != nil {
		return nil, &config.ValidationError{Source: spec.ID, Err: err}
	}

	r.mu.RLock()
	ck, ok := r.kinds[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &config.ValidationError{
			Source: spec.ID,
			Err:    fmt.Errorf("unknown sync type %q (known: %s)", spec.Type, strings.Join(r.Kinds(), ", ")),
		}
	}

	if ck.schema != nil {
		raw := spec.Options
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, &config.ValidationError{Source: spec.ID, Err: fmt.Errorf("options: %w", err)}
		}
		if err := ck.schema.Validate(data); err != nil {
			return nil, &config.ValidationError{Source: spec.ID, Err: fmt.Errorf("options: %w", err)}
		}
	}

	body, err := ck.factory(spec)
	if err != nil {
		return nil, &config.ValidationError{Source: spec.ID, Err: err}
	}
	return body, nil
}
