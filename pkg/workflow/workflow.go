package workflow

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/types"
)

// ErrUnknownWorkflow is returned when a task names a workflow the registry
// does not have.
var ErrUnknownWorkflow = fmt.Errorf("unknown workflow")

// DefaultWorkflow is assigned to tasks created without one.
const DefaultWorkflow = "feature"

// Registry maps workflow names to their ordered stage lists. Built-in
// workflows are always present; a workflows.yaml file may add to or override
// them.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]types.Workflow
}

// NewRegistry creates a registry seeded with the built-in workflows.
func NewRegistry() *Registry {
	r := &Registry{workflows: make(map[string]types.Workflow)}
	for _, wf := range builtins() {
		r.workflows[wf.Name] = wf
	}
	return r
}

func builtins() []types.Workflow {
	return []types.Workflow{
		{Name: "feature", Stages: []string{"planning", "implementation", "testing", "review"}},
		{Name: "bugfix", Stages: []string{"reproduction", "fix", "testing"}},
		{Name: "quick", Stages: []string{"implementation"}},
	}
}

// LoadFile merges workflow definitions from a YAML file over the built-ins.
// A missing file is not an error.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot read workflows file: %w", err)
	}

	var doc struct {
		Workflows []types.Workflow `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("malformed workflows file: %w", err)
	}

	logger := log.WithComponent("workflow")
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, wf := range doc.Workflows {
		if wf.Name == "" || len(wf.Stages) == 0 {
			logger.Warn().Str("workflow", wf.Name).Msg("skipping workflow without name or stages")
			continue
		}
		r.workflows[wf.Name] = wf
		logger.Debug().Str("workflow", wf.Name).Int("stages", len(wf.Stages)).Msg("workflow loaded")
	}
	return nil
}

// Register adds or replaces one workflow.
func (r *Registry) Register(wf types.Workflow) error {
	if wf.Name == "" || len(wf.Stages) == 0 {
		return fmt.Errorf("workflow needs a name and at least one stage")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.Name] = wf
	return nil
}

// Get returns one workflow by name.
func (r *Registry) Get(name string) (types.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return types.Workflow{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return wf, nil
}

// List returns all workflows sorted by name.
func (r *Registry) List() []types.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StageIndex returns the position of a stage within a workflow, or -1 when
// either is unknown.
func (r *Registry) StageIndex(workflowName, stage string) int {
	wf, err := r.Get(workflowName)
	if err != nil {
		return -1
	}
	for i, s := range wf.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}
