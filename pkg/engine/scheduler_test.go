package engine

import (
	"strings"
	"testing"

	"github.com/openrollout/rollout/pkg/workflow"
)

func steps(names ...string) []workflow.Step {
	out := make([]workflow.Step, 0, len(names))
	for _, name := range names {
		out = append(out, workflow.Step{Name: name, Command: "apply"})
	}
	return out
}

func withDeps(s []workflow.Step, name string, deps ...string) []workflow.Step {
	for i := range s {
		if s[i].Name == name {
			s[i].DependsOn = deps
		}
	}
	return s
}

func TestSchedule_IndependentStepsShareBatch(t *testing.T) {
	s := NewScheduler(2)
	input := withDeps(steps("a", "b", "c"), "b", "a")

	batches, err := s.Schedule(input)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if len(batches) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(batches))
	}
	if got := batches[0].Steps; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("Batch 0 = %v, want [a c]", got)
	}
	if got := batches[1].Steps; len(got) != 1 || got[0] != "b" {
		t.Errorf("Batch 1 = %v, want [b]", got)
	}
}

func TestSchedule_WideLevelSplitsByConcurrency(t *testing.T) {
	s := NewScheduler(2)
	batches, err := s.Schedule(steps("a", "b", "c", "d", "e"))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}
	sizes := []int{2, 2, 1}
	for i, want := range sizes {
		if len(batches[i].Steps) != want {
			t.Errorf("Batch %d has %d steps, want %d", i, len(batches[i].Steps), want)
		}
		if batches[i].Index != i {
			t.Errorf("Batch %d has index %d", i, batches[i].Index)
		}
	}
}

func TestSchedule_TopologicalOrder(t *testing.T) {
	input := steps("deploy", "verify", "plan", "apply")
	input = withDeps(input, "apply", "plan")
	input = withDeps(input, "deploy", "apply")
	input = withDeps(input, "verify", "deploy")

	batches, err := NewScheduler(0).Schedule(input)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	position := make(map[string]int)
	for i, batch := range batches {
		for _, name := range batch.Steps {
			position[name] = i
		}
	}
	for _, step := range input {
		for _, dep := range step.DependsOn {
			if position[dep] >= position[step.Name] {
				t.Errorf("Dependency %s scheduled in batch %d, dependent %s in batch %d",
					dep, position[dep], step.Name, position[step.Name])
			}
		}
	}
}

func TestSchedule_CycleDetected(t *testing.T) {
	input := steps("a", "b", "c")
	input = withDeps(input, "a", "c")
	input = withDeps(input, "b", "a")
	input = withDeps(input, "c", "b")

	_, err := NewScheduler(0).Schedule(input)
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if code := workflow.ErrorCode(err); code != workflow.CodeCyclicDependency {
		t.Errorf("Error code = %s, want %s", code, workflow.CodeCyclicDependency)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("Error should contain the cycle path, got: %v", err)
	}
}

func TestSchedule_SelfDependencyIsCycle(t *testing.T) {
	_, err := NewScheduler(0).Schedule(withDeps(steps("a"), "a", "a"))
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if code := workflow.ErrorCode(err); code != workflow.CodeCyclicDependency {
		t.Errorf("Error code = %s, want %s", code, workflow.CodeCyclicDependency)
	}
}

func TestSchedule_UnknownDependency(t *testing.T) {
	_, err := NewScheduler(0).Schedule(withDeps(steps("a"), "a", "ghost"))
	if err == nil {
		t.Fatal("Expected error for unknown dependency, got nil")
	}
	if !workflow.IsKind(err, workflow.KindValidation) {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestSchedule_DuplicateStepName(t *testing.T) {
	_, err := NewScheduler(0).Schedule(steps("a", "a"))
	if err == nil {
		t.Fatal("Expected error for duplicate name, got nil")
	}
}

func TestSchedule_EmptyInput(t *testing.T) {
	batches, err := NewScheduler(0).Schedule(nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if batches != nil {
		t.Errorf("Expected nil batches, got %v", batches)
	}
}

func TestSchedule_ParallelGroupsReported(t *testing.T) {
	input := steps("a", "b", "c")
	input[0].ParallelGroup = "infra"
	input[1].ParallelGroup = "infra"
	input[2].ParallelGroup = "app"

	batches, err := NewScheduler(0).Schedule(input)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}
	groups := batches[0].ParallelGroups
	if len(groups) != 2 || groups[0] != "app" || groups[1] != "infra" {
		t.Errorf("ParallelGroups = %v, want [app infra]", groups)
	}
}

func TestCheckCycles(t *testing.T) {
	acyclic := withDeps(steps("a", "b"), "b", "a")
	if err := NewScheduler(0).CheckCycles(acyclic); err != nil {
		t.Errorf("CheckCycles on acyclic graph: %v", err)
	}

	cyclic := withDeps(withDeps(steps("a", "b"), "b", "a"), "a", "b")
	if err := NewScheduler(0).CheckCycles(cyclic); err == nil {
		t.Error("CheckCycles on cyclic graph returned nil")
	}
}

func TestAnalyzeParallelization(t *testing.T) {
	def := &workflow.Definition{
		Name:  "analysis",
		Steps: withDeps(steps("a", "b", "c", "d"), "d", "a", "b", "c"),
	}

	report, err := NewScheduler(0).AnalyzeParallelization(def)
	if err != nil {
		t.Fatalf("AnalyzeParallelization failed: %v", err)
	}

	if report.WorkflowName != "analysis" {
		t.Errorf("WorkflowName = %s", report.WorkflowName)
	}
	if report.TotalSteps != 4 {
		t.Errorf("TotalSteps = %d, want 4", report.TotalSteps)
	}
	if report.BatchCount != 2 {
		t.Errorf("BatchCount = %d, want 2", report.BatchCount)
	}
	if report.MaxBatchWidth != 3 {
		t.Errorf("MaxBatchWidth = %d, want 3", report.MaxBatchWidth)
	}
	if report.SequentialBatches != 1 {
		t.Errorf("SequentialBatches = %d, want 1", report.SequentialBatches)
	}
	if report.Speedup != 2.0 {
		t.Errorf("Speedup = %f, want 2.0", report.Speedup)
	}
}

func TestOptimizeForParallelExecution(t *testing.T) {
	def := &workflow.Definition{
		Name:  "optimize",
		Steps: withDeps(steps("a", "b", "c"), "c", "a"),
	}

	optimized, err := NewScheduler(0).OptimizeForParallelExecution(def)
	if err != nil {
		t.Fatalf("OptimizeForParallelExecution failed: %v", err)
	}

	// Original definition is untouched.
	if def.Steps[0].ParallelGroup != "" {
		t.Error("Original definition was mutated")
	}

	if len(optimized.Steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(optimized.Steps))
	}
	// a and b share the first batch and receive a group hint; c runs alone.
	byName := make(map[string]workflow.Step)
	for _, s := range optimized.Steps {
		byName[s.Name] = s
	}
	if byName["a"].ParallelGroup != "batch-0" || byName["b"].ParallelGroup != "batch-0" {
		t.Errorf("Expected batch-0 hints, got a=%q b=%q",
			byName["a"].ParallelGroup, byName["b"].ParallelGroup)
	}
	if byName["c"].ParallelGroup != "" {
		t.Errorf("Single-step batch should keep empty hint, got %q", byName["c"].ParallelGroup)
	}
	// Dependencies survive reordering.
	if len(byName["c"].DependsOn) != 1 || byName["c"].DependsOn[0] != "a" {
		t.Errorf("DependsOn changed: %v", byName["c"].DependsOn)
	}
}
