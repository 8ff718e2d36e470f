package sagaflow

import (
	"fmt"
	"sort"

	"github.com/fortressi/sagaflow/dag"
	"github.com/fortressi/sagaflow/set"
)

// Definition is an immutable, validated saga type.
type Definition struct {
	name   string
	inputs []string
	steps  []StepSpec
	index  map[string]int
	graph  *dag.Graph
	order  []string
	levels [][]string
}

// DefinitionBuilder assembles a Definition. Steps added with Then and
// Parallel depend on everything added by the previous call, on top of any
// DependsOn they declare themselves.
type DefinitionBuilder struct {
	name   string
	inputs *set.Set[string]
	steps  []StepSpec

	// the most-recently-added set of steps
	lastAdded []string
	err       error
}

// NewDefinition starts a builder for the saga type name.
func NewDefinition(name string) *DefinitionBuilder {
	return &DefinitionBuilder{
		name:   name,
		inputs: &set.Set[string]{},
	}
}

// Input declares required top-level inputs.
func (b *DefinitionBuilder) Input(names ...string) *DefinitionBuilder {
	for _, n := range names {
		if n == "" {
			b.fail("empty input name")
			continue
		}
		b.inputs.Insert(n)
	}
	return b
}

// Step adds a step with only its own DependsOn.
func (b *DefinitionBuilder) Step(spec StepSpec) *DefinitionBuilder {
	b.add([]StepSpec{spec}, false)
	return b
}

// Then adds a step that runs after the previously added steps.
func (b *DefinitionBuilder) Then(spec StepSpec) *DefinitionBuilder {
	b.add([]StepSpec{spec}, true)
	return b
}

// Parallel adds steps that run after the previously added steps and may run
// concurrently with each other.
func (b *DefinitionBuilder) Parallel(specs ...StepSpec) *DefinitionBuilder {
	if len(specs) == 0 {
		b.fail("empty parallel stage")
		return b
	}
	b.add(specs, true)
	return b
}

func (b *DefinitionBuilder) add(specs []StepSpec, afterLast bool) {
	added := make([]string, 0, len(specs))
	for _, spec := range specs {
		if afterLast {
			spec.DependsOn = append(append([]string(nil), b.lastAdded...), spec.DependsOn...)
		} else {
			spec.DependsOn = append([]string(nil), spec.DependsOn...)
		}
		b.steps = append(b.steps, spec)
		added = append(added, spec.Name)
	}
	b.lastAdded = added
}

func (b *DefinitionBuilder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = graphErrorf(b.name, format, args...)
	}
}

// Build validates the steps and returns the Definition. A step may only
// depend on a declared input or on a step added before it, which rules out
// cycles by construction; the graph is still sorted to confirm it.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.name == "" {
		return nil, &GraphError{Reason: "saga name is empty"}
	}
	if len(b.steps) == 0 {
		return nil, graphErrorf(b.name, "no steps")
	}

	d := &Definition{
		name:   b.name,
		inputs: b.inputs.Items(),
		index:  make(map[string]int, len(b.steps)),
		graph:  dag.New(),
	}
	nodes := make(map[string]*dag.Node, len(b.steps))

	for i, spec := range b.steps {
		if spec.Name == "" {
			return nil, graphErrorf(b.name, "step %d has no name", i)
		}
		if _, ok := d.index[spec.Name]; ok {
			return nil, graphErrorf(b.name, "step with name '%s' already exists", spec.Name)
		}
		if b.inputs.Contains(spec.Name) {
			return nil, graphErrorf(b.name, "step '%s' shadows an input of the same name", spec.Name)
		}
		if spec.Action == nil {
			return nil, graphErrorf(b.name, "step '%s' has no action", spec.Name)
		}
		if spec.MaxRetries < 0 {
			return nil, graphErrorf(b.name, "step '%s' has negative max retries", spec.Name)
		}

		deps := &set.Set[string]{}
		for _, dep := range spec.DependsOn {
			switch {
			case dep == spec.Name:
				return nil, graphErrorf(b.name, "step '%s' depends on itself", spec.Name)
			case b.inputs.Contains(dep):
			case nodes[dep] != nil:
			case b.declaredLater(dep, i):
				return nil, graphErrorf(b.name, "step '%s' depends on '%s' which is declared after it", spec.Name, dep)
			default:
				return nil, graphErrorf(b.name, "step '%s' depends on unknown name '%s'", spec.Name, dep)
			}
			deps.Insert(dep)
		}
		spec.DependsOn = deps.Items()

		n := d.graph.AddStep(spec.Name, spec.Label)
		for _, dep := range spec.DependsOn {
			if parent, ok := nodes[dep]; ok {
				d.graph.Connect(parent, n)
			}
		}
		nodes[spec.Name] = n
		d.index[spec.Name] = i
		d.steps = append(d.steps, spec)
	}

	sorted, err := d.graph.Sort()
	if err != nil {
		return nil, graphErrorf(b.name, "dependency cycle: %v", err)
	}

	level := make(map[string]int, len(sorted))
	for _, n := range sorted {
		l := 0
		for _, p := range d.graph.Parents(n) {
			if level[p.Name()]+1 > l {
				l = level[p.Name()] + 1
			}
		}
		level[n.Name()] = l
		d.order = append(d.order, n.Name())
	}
	for _, spec := range d.steps {
		l := level[spec.Name]
		for len(d.levels) <= l {
			d.levels = append(d.levels, nil)
		}
		d.levels[l] = append(d.levels[l], spec.Name)
	}

	return d, nil
}

func (b *DefinitionBuilder) declaredLater(name string, from int) bool {
	for _, s := range b.steps[from+1:] {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (d *Definition) Name() string { return d.name }

// Inputs returns the required top-level inputs in declaration order.
func (d *Definition) Inputs() []string {
	return append([]string(nil), d.inputs...)
}

// Steps returns the steps in declaration order.
func (d *Definition) Steps() []StepSpec {
	return append([]StepSpec(nil), d.steps...)
}

func (d *Definition) Step(name string) (StepSpec, bool) {
	i, ok := d.index[name]
	if !ok {
		return StepSpec{}, false
	}
	return d.steps[i], true
}

// Order returns a topological order with ties broken by declaration order.
func (d *Definition) Order() []string {
	return append([]string(nil), d.order...)
}

// Levels groups steps into stages. Every step of a stage depends only on
// inputs and on steps of earlier stages, so a stage may run concurrently.
// Within a stage steps keep declaration order.
func (d *Definition) Levels() [][]string {
	out := make([][]string, len(d.levels))
	for i, l := range d.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// ExportDOT renders the step graph in Graphviz format.
func (d *Definition) ExportDOT() (string, error) {
	return d.graph.ExportToDot(d.name)
}

// ValidateInputs reports missing required inputs.
func (d *Definition) ValidateInputs(inputs map[string]any) error {
	var missing []string
	for _, name := range d.inputs {
		if _, ok := inputs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{Saga: d.name, Missing: missing}
	}
	return nil
}

func (d *Definition) String() string {
	return fmt.Sprintf("Definition[%s, %d steps]", d.name, len(d.steps))
}
