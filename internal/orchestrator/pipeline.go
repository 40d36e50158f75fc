package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
)

// StageFunc is the body of a stage. It must return once the stage is
// complete; long-running work is started in the background.
type StageFunc func(ctx context.Context) error

// Stage is a named step with the stages it must follow.
type Stage struct {
	Name  string
	After []string
	Run   StageFunc
}

// Pipeline is a dependency graph of stages run one at a time in
// topological order.
type Pipeline struct {
	stages []*Stage
	byName map[string]*Stage
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{byName: make(map[string]*Stage)}
}

// Add registers a stage. Predecessors may be added later; they are
// checked when the order is computed.
func (p *Pipeline) Add(name string, run StageFunc, after ...string) error {
	if name == "" {
		return fmt.Errorf("stage name is required")
	}
	if run == nil {
		return fmt.Errorf("stage %q has no body", name)
	}
	if _, exists := p.byName[name]; exists {
		return fmt.Errorf("duplicate stage: %q", name)
	}
	for _, dep := range after {
		if dep == name {
			return fmt.Errorf("stage %q cannot follow itself", name)
		}
	}

	s := &Stage{Name: name, After: append([]string(nil), after...), Run: run}
	p.stages = append(p.stages, s)
	p.byName[name] = s
	return nil
}

// Order returns the stage names in execution order. Ready stages are taken
// in registration order so the result is deterministic. Unknown
// predecessors and cycles are errors.
func (p *Pipeline) Order() ([]string, error) {
	indeg := make(map[string]int, len(p.stages))
	next := make(map[string][]string, len(p.stages))

	for _, s := range p.stages {
		indeg[s.Name] += 0
		for _, dep := range s.After {
			if _, ok := p.byName[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.Name, dep)
			}
			indeg[s.Name]++
			next[dep] = append(next[dep], s.Name)
		}
	}

	order := make([]string, 0, len(p.stages))
	done := make(map[string]bool, len(p.stages))
	for len(order) < len(p.stages) {
		progressed := false
		for _, s := range p.stages {
			if done[s.Name] || indeg[s.Name] > 0 {
				continue
			}
			done[s.Name] = true
			order = append(order, s.Name)
			for _, n := range next[s.Name] {
				indeg[n]--
			}
			progressed = true
			break
		}
		if !progressed {
			var stuck []string
			for _, s := range p.stages {
				if !done[s.Name] {
					stuck = append(stuck, s.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle between stages: %s", strings.Join(stuck, ", "))
		}
	}

	return order, nil
}

// Run executes every stage in order. No stage starts before all of its
// predecessors returned; the first error stops the pipeline.
func (p *Pipeline) Run(ctx context.Context, logger logging.Logger) error {
	order, err := p.Order()
	if err != nil {
		return errors.NewInternalError(errors.CodeStageFailed, "invalid pipeline", err)
	}

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		op := logging.StartOperation(logger, name)
		logger.Debug(ctx, "Stage starting", "stage", name)

		if err := p.byName[name].Run(ctx); err != nil {
			op.EndWithError(ctx, err, "Stage failed", "stage", name)
			return errors.Wrap(err, errors.GetType(err), errors.CodeStageFailed,
				fmt.Sprintf("stage %s failed", name))
		}
		op.End(ctx, "Stage complete", "stage", name)
	}

	return nil
}
