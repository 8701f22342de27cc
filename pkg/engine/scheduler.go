package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openrollout/rollout/pkg/workflow"
)

// Scheduler turns a step dependency graph into an ordered sequence of
// concurrency-bounded execution batches. Batch i contains only steps whose
// dependencies are fully satisfied by batches before i. ParallelGroup is a
// reporting hint only and never overrides a DependsOn edge.
type Scheduler struct {
	maxConcurrency int
}

// DefaultMaxConcurrency bounds a batch when no limit is configured.
const DefaultMaxConcurrency = 10

// NewScheduler creates a scheduler with the given concurrency bound.
func NewScheduler(maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Scheduler{maxConcurrency: maxConcurrency}
}

// stepGraph is the adjacency view of a step list.
type stepGraph struct {
	steps      []workflow.Step
	index      map[string]int    // step name -> position in steps
	dependents map[string][]string // step name -> names depending on it
	inDegree   map[string]int
}

func buildGraph(steps []workflow.Step) (*stepGraph, error) {
	g := &stepGraph{
		steps:      steps,
		index:      make(map[string]int, len(steps)),
		dependents: make(map[string][]string, len(steps)),
		inDegree:   make(map[string]int, len(steps)),
	}

	for i := range steps {
		name := steps[i].Name
		if name == "" {
			return nil, workflow.NewValidationError("step has empty name", nil)
		}
		if _, exists := g.index[name]; exists {
			return nil, workflow.NewValidationError(
				fmt.Sprintf("duplicate step name: %s", name), nil).WithStep(name)
		}
		g.index[name] = i
		g.inDegree[name] = 0
	}

	for i := range steps {
		step := &steps[i]
		for _, dep := range step.DependsOn {
			if _, exists := g.index[dep]; !exists {
				return nil, workflow.NewValidationError(
					fmt.Sprintf("step %s depends on unknown step %s", step.Name, dep), nil).
					WithStep(step.Name)
			}
			g.dependents[dep] = append(g.dependents[dep], step.Name)
			g.inDegree[step.Name]++
		}
	}

	return g, nil
}

// Schedule computes the execution batches for the given steps. It fails with
// a CYCLIC_DEPENDENCY validation error when the dependency relation contains
// a cycle. Levels wider than the concurrency bound are split into sequential
// sub-batches, preserving the dependency guarantee.
func (s *Scheduler) Schedule(steps []workflow.Step) ([]workflow.ExecutionBatch, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	g, err := buildGraph(steps)
	if err != nil {
		return nil, err
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, workflow.NewValidationError(
			fmt.Sprintf("cyclic dependency detected: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(workflow.CodeCyclicDependency).
			WithStep(cycle[0])
	}

	levels := g.layer()

	batches := make([]workflow.ExecutionBatch, 0, len(levels))
	for _, level := range levels {
		// Split wide levels into sequential sub-batches.
		for start := 0; start < len(level); start += s.maxConcurrency {
			end := start + s.maxConcurrency
			if end > len(level) {
				end = len(level)
			}
			chunk := level[start:end]
			batch := workflow.ExecutionBatch{
				Index:          len(batches),
				Steps:          append([]string(nil), chunk...),
				ParallelGroups: parallelGroups(g, chunk),
			}
			batches = append(batches, batch)
		}
	}

	return batches, nil
}

// CheckCycles reports a CYCLIC_DEPENDENCY validation error if the steps'
// dependency relation contains a cycle. Used by workflow validation.
func (s *Scheduler) CheckCycles(steps []workflow.Step) error {
	g, err := buildGraph(steps)
	if err != nil {
		return err
	}
	if cycle := g.findCycle(); cycle != nil {
		return workflow.NewValidationError(
			fmt.Sprintf("cyclic dependency detected: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(workflow.CodeCyclicDependency).
			WithStep(cycle[0])
	}
	return nil
}

// findCycle performs a depth-first search with a recursion stack and returns
// the first cycle path found, or nil.
func (g *stepGraph) findCycle() []string {
	visited := make(map[string]bool, len(g.steps))
	recStack := make(map[string]bool, len(g.steps))

	var dfs func(name string, path []string) []string
	dfs = func(name string, path []string) []string {
		visited[name] = true
		recStack[name] = true
		path = append(path, name)

		for _, dependent := range g.dependents[name] {
			if !visited[dependent] {
				if cycle := dfs(dependent, path); cycle != nil {
					return cycle
				}
			} else if recStack[dependent] {
				// Close the cycle at the first revisited node.
				start := 0
				for i, id := range path {
					if id == dependent {
						start = i
						break
					}
				}
				return append(append([]string(nil), path[start:]...), dependent)
			}
		}

		recStack[name] = false
		return nil
	}

	// Iterate in definition order so the reported cycle is deterministic.
	for i := range g.steps {
		name := g.steps[i].Name
		if !visited[name] {
			if cycle := dfs(name, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// layer performs Kahn's algorithm, producing topological levels. Steps within
// a level keep their definition order.
func (g *stepGraph) layer() [][]string {
	inDegree := make(map[string]int, len(g.inDegree))
	for name, degree := range g.inDegree {
		inDegree[name] = degree
	}

	current := make([]string, 0)
	for i := range g.steps {
		if inDegree[g.steps[i].Name] == 0 {
			current = append(current, g.steps[i].Name)
		}
	}

	levels := make([][]string, 0)
	for len(current) > 0 {
		levels = append(levels, current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range g.dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		// Restore definition order within the level.
		sort.Slice(next, func(i, j int) bool {
			return g.index[next[i]] < g.index[next[j]]
		})
		current = next
	}

	return levels
}

// parallelGroups collects the distinct parallel-group hints of the named
// steps, sorted for determinism.
func parallelGroups(g *stepGraph, names []string) []string {
	seen := make(map[string]bool)
	groups := make([]string, 0)
	for _, name := range names {
		group := g.steps[g.index[name]].ParallelGroup
		if group == "" || seen[group] {
			continue
		}
		seen[group] = true
		groups = append(groups, group)
	}
	sort.Strings(groups)
	if len(groups) == 0 {
		return nil
	}
	return groups
}

// ParallelizationReport describes the concurrency profile of a workflow.
type ParallelizationReport struct {
	// WorkflowName is the analyzed workflow.
	WorkflowName string `json:"workflow_name"`

	// TotalSteps is the number of steps in the dependency graph.
	TotalSteps int `json:"total_steps"`

	// BatchCount is the number of execution batches.
	BatchCount int `json:"batch_count"`

	// MaxBatchWidth is the size of the widest batch.
	MaxBatchWidth int `json:"max_batch_width"`

	// SequentialBatches counts batches containing a single step.
	SequentialBatches int `json:"sequential_batches"`

	// Speedup is the ratio of total steps to batch count: the theoretical
	// gain over fully sequential execution, assuming uniform step cost.
	Speedup float64 `json:"speedup"`

	// Batches is the computed schedule.
	Batches []workflow.ExecutionBatch `json:"batches"`
}

// AnalyzeParallelization computes the batch schedule for a definition and
// summarizes its concurrency profile.
func (s *Scheduler) AnalyzeParallelization(def *workflow.Definition) (*ParallelizationReport, error) {
	batches, err := s.Schedule(def.Steps)
	if err != nil {
		return nil, err
	}

	report := &ParallelizationReport{
		WorkflowName: def.Name,
		TotalSteps:   len(def.Steps),
		BatchCount:   len(batches),
		Batches:      batches,
	}
	for _, batch := range batches {
		if len(batch.Steps) > report.MaxBatchWidth {
			report.MaxBatchWidth = len(batch.Steps)
		}
		if len(batch.Steps) == 1 {
			report.SequentialBatches++
		}
	}
	if report.BatchCount > 0 {
		report.Speedup = float64(report.TotalSteps) / float64(report.BatchCount)
	}

	return report, nil
}

// OptimizeForParallelExecution returns a copy of the definition with steps
// reordered by batch and parallel-group hints assigned to steps sharing a
// batch. DependsOn edges are authoritative and are never modified.
func (s *Scheduler) OptimizeForParallelExecution(def *workflow.Definition) (*workflow.Definition, error) {
	batches, err := s.Schedule(def.Steps)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]workflow.Step, len(def.Steps))
	for i := range def.Steps {
		byName[def.Steps[i].Name] = def.Steps[i]
	}

	optimized := *def
	optimized.Steps = make([]workflow.Step, 0, len(def.Steps))
	for _, batch := range batches {
		for _, name := range batch.Steps {
			step := byName[name]
			if step.ParallelGroup == "" && len(batch.Steps) > 1 {
				step.ParallelGroup = fmt.Sprintf("batch-%d", batch.Index)
			}
			optimized.Steps = append(optimized.Steps, step)
		}
	}

	return &optimized, nil
}
