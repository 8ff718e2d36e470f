package sagaflow

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the saga types a worker can run. Instances are persisted
// with only their saga type name, so every process that may pick up an
// instance must register the same definitions.
type Registry struct {
	defs *xsync.MapOf[string, *Definition]
}

func NewRegistry() *Registry {
	return &Registry{defs: xsync.NewMapOf[string, *Definition]()}
}

// Define validates steps with explicit dependencies and registers the result.
func (r *Registry) Define(name string, inputs []string, steps ...StepSpec) (*Definition, error) {
	b := NewDefinition(name).Input(inputs...)
	for _, s := range steps {
		b.Step(s)
	}
	def, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := r.Register(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Register adds a built definition.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return &GraphError{Reason: "nil definition"}
	}
	if _, loaded := r.defs.LoadOrStore(def.Name(), def); loaded {
		return graphErrorf(def.Name(), "saga type already registered")
	}
	return nil
}

// MustRegister is Register for package-level setup.
func (r *Registry) MustRegister(defs ...*Definition) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (*Definition, error) {
	def, ok := r.defs.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, name)
	}
	return def, nil
}

// Names returns the registered saga types, sorted.
func (r *Registry) Names() []string {
	var names []string
	r.defs.Range(func(name string, _ *Definition) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
