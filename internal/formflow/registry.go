package formflow

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepKind distinguishes steps that collect section data from steps that only
// present what other steps collected.
type StepKind string

const (
	KindData        StepKind = "data"
	KindAggregation StepKind = "aggregation"
)

// StepDescriptor describes one step of the form. Descriptors never change
// after the registry is built.
type StepDescriptor struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Required bool     `yaml:"required" json:"required"`
	Kind     StepKind `yaml:"kind" json:"kind"`
	// Fields overrides the built-in required-field list for the step.
	Fields   []string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// IsAggregation reports whether the step is a read-only view over the other
// sections (the review step).
func (d StepDescriptor) IsAggregation() bool {
	return d.Kind == KindAggregation
}

//go:embed steps.yaml
var defaultStepsYAML []byte

type registryFile struct {
	Steps []StepDescriptor `yaml:"steps"`
}

// Registry is the ordered, immutable list of form steps.
type Registry struct {
	steps []StepDescriptor
	index map[string]int
}

// NewRegistry validates the descriptors and builds a registry. Step ids must
// be unique and non-empty; an empty kind defaults to KindData.
func NewRegistry(steps []StepDescriptor) (*Registry, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("registry must contain at least one step")
	}
	r := &Registry{
		steps: make([]StepDescriptor, len(steps)),
		index: make(map[string]int, len(steps)),
	}
	for i, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step %d: id is required", i)
		}
		if _, dup := r.index[s.ID]; dup {
			return nil, fmt.Errorf("step %d: duplicate id %q", i, s.ID)
		}
		switch s.Kind {
		case "":
			s.Kind = KindData
		case KindData, KindAggregation:
		default:
			return nil, fmt.Errorf("step %q: unknown kind %q", s.ID, s.Kind)
		}
		if s.Title == "" {
			s.Title = s.ID
		}
		r.steps[i] = s
		r.index[s.ID] = i
	}
	return r, nil
}

// ParseRegistry builds a registry from a YAML document with a top-level
// "steps" list.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse steps: %w", err)
	}
	return NewRegistry(f.Steps)
}

// LoadRegistry reads a registry file from disk.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read steps file %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// DefaultRegistry returns the built-in CE exam registry.
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultStepsYAML)
	if err != nil {
		panic(fmt.Sprintf("formflow: embedded steps.yaml is invalid: %v", err))
	}
	return r
}

func (r *Registry) Len() int { return len(r.steps) }

// Step returns the descriptor at index i.
func (r *Registry) Step(i int) (StepDescriptor, bool) {
	if i < 0 || i >= len(r.steps) {
		return StepDescriptor{}, false
	}
	return r.steps[i], true
}

// Index returns the position of the step with the given id.
func (r *Registry) Index(id string) (int, bool) {
	i, ok := r.index[id]
	return i, ok
}

// Steps returns a copy of the ordered descriptors.
func (r *Registry) Steps() []StepDescriptor {
	out := make([]StepDescriptor, len(r.steps))
	copy(out, r.steps)
	return out
}

// RequiredIDs lists the ids of required steps in registry order.
func (r *Registry) RequiredIDs() []string {
	var ids []string
	for _, s := range r.steps {
		if s.Required {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
