package cmd

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/planning"
)

// planFile is the YAML shape accepted by --plan: a pre-authored mission plan
// that replaces the model-backed planner. The deterministic repair pass
// (id renumbering, dependency rewriting, deployer appending) still applies.
type planFile struct {
	Classification struct {
		Category         string `yaml:"category"`
		Complexity       int    `yaml:"complexity"`
		PlanningStrategy string `yaml:"planning_strategy"`
		RuntimeTag       string `yaml:"runtime_tag"`
	} `yaml:"classification"`
	Spec struct {
		Summary      string   `yaml:"summary"`
		Requirements []string `yaml:"requirements"`
	} `yaml:"spec"`
	Strategy string `yaml:"strategy"`
	Tasks    []struct {
		Agent           string   `yaml:"agent"`
		Description     string   `yaml:"description"`
		InputContext    string   `yaml:"input_context"`
		SuccessCriteria string   `yaml:"success_criteria"`
		TargetFiles     []string `yaml:"target_files"`
		MaxIterations   int      `yaml:"max_iterations"`
		OnFailure       string   `yaml:"on_failure"`
	} `yaml:"tasks"`
}

// filePlanCaller satisfies planning.StructuredCaller from a plan file,
// for driving missions without a model-backed planning service.
type filePlanCaller struct {
	plan planFile
}

func loadPlanFile(path string) (*filePlanCaller, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing plan file: %w", err)
	}
	if len(pf.Tasks) == 0 {
		return nil, fmt.Errorf("plan file %s declares no tasks", path)
	}
	return &filePlanCaller{plan: pf}, nil
}

func (c *filePlanCaller) Classify(context.Context, string) (core.Classification, error) {
	cl := core.Classification{
		Category:         c.plan.Classification.Category,
		Complexity:       c.plan.Classification.Complexity,
		PlanningStrategy: c.plan.Classification.PlanningStrategy,
		RuntimeTag:       c.plan.Classification.RuntimeTag,
	}
	if cl.Category == "" {
		cl.Category = "feature"
	}
	if cl.Complexity == 0 {
		cl.Complexity = 2
	}
	if cl.PlanningStrategy == "" {
		cl.PlanningStrategy = "plan_file"
	}
	if cl.RuntimeTag == "" {
		cl.RuntimeTag = "base"
	}
	return cl, nil
}

func (c *filePlanCaller) Clarify(context.Context, planning.ClarifyRequest) ([]string, error) {
	// A pre-authored plan has nothing to clarify.
	return nil, nil
}

func (c *filePlanCaller) Specify(context.Context, planning.SpecifyRequest) (core.ProductSpec, error) {
	return core.ProductSpec{Summary: c.plan.Spec.Summary, Requirements: c.plan.Spec.Requirements}, nil
}

func (c *filePlanCaller) Plan(context.Context, planning.PlanRequest) (planning.PlanResult, error) {
	tasks := make([]*core.Task, 0, len(c.plan.Tasks))
	for i, pt := range c.plan.Tasks {
		task := core.NewTask(core.TaskID(fmt.Sprintf("TASK-%03d", i+1)), core.Agent(pt.Agent), pt.Description)
		task.InputContext = pt.InputContext
		task.SuccessCriteria = pt.SuccessCriteria
		task.TargetFiles = pt.TargetFiles
		if pt.MaxIterations > 0 {
			task.MaxIterations = pt.MaxIterations
		}
		if pt.OnFailure != "" {
			task.OnFailure = core.OnFailure(pt.OnFailure)
		}
		tasks = append(tasks, task)
	}

	strategy := core.ExecutionStrategy(c.plan.Strategy)
	switch strategy {
	case core.StrategySequential, core.StrategyParallel:
	default:
		strategy = core.StrategySequential
	}
	return planning.PlanResult{Tasks: tasks, Strategy: strategy}, nil
}
