package planning

import (
	"fmt"

	"github.com/worldmind/worldmind/internal/core"
)

// RepairPlan normalizes a proposed plan into the canonical executable form:
// sequential TASK-NNN ids in plan order, agent-typed dependency rewriting
// (which overrides whatever dependencies the caller proposed), a CODER
// injected when code work is implied but missing, and a DEPLOYER appended
// when the mission requests a deployment. Returns the repaired tasks and
// whether any non-deployer task owns the manifest.
func RepairPlan(proposed []*core.Task, createCFDeployment bool) (tasks []*core.Task, manifestCreatedByTask bool) {
	tasks = make([]*core.Task, 0, len(proposed)+2)
	for _, t := range proposed {
		tasks = append(tasks, t.Clone())
	}

	// A plan that reviews or refactors code nobody writes is degenerate;
	// repair it by injecting the missing CODER rather than surfacing an error.
	if !hasAgent(tasks, core.AgentCoder) && (hasAgent(tasks, core.AgentRefactorer) || hasAgent(tasks, core.AgentReviewer)) {
		coder := core.NewTask("TASK-000", core.AgentCoder,
			"Implement the code changes required by the specification")
		idx := insertionIndexForCoder(tasks)
		rest := append([]*core.Task{coder}, tasks[idx:]...)
		tasks = append(tasks[:idx:idx], rest...)
	}

	renumber(tasks)
	rewriteDependencies(tasks)

	for _, t := range tasks {
		if t.Agent != core.AgentDeployer && containsManifest(t.TargetFiles) {
			manifestCreatedByTask = true
			break
		}
	}

	if createCFDeployment && !hasAgent(tasks, core.AgentDeployer) {
		deployer := core.NewTask(nextID(len(tasks)), core.AgentDeployer,
			"Deploy the application to Cloud Foundry")
		deployer.TargetFiles = []string{"manifest.yml"}
		for _, t := range tasks {
			if t.Agent == core.AgentCoder || t.Agent == core.AgentRefactorer {
				deployer.Dependencies = append(deployer.Dependencies, t.ID)
			}
		}
		tasks = append(tasks, deployer)
	}

	return tasks, manifestCreatedByTask
}

func hasAgent(tasks []*core.Task, agent core.Agent) bool {
	for _, t := range tasks {
		if t.Agent == agent {
			return true
		}
	}
	return false
}

func containsManifest(files []string) bool {
	for _, f := range files {
		if f == "manifest.yml" {
			return true
		}
	}
	return false
}

// insertionIndexForCoder places an injected CODER after the last RESEARCHER
// (its inputs) and before everything that consumes code.
func insertionIndexForCoder(tasks []*core.Task) int {
	idx := 0
	for i, t := range tasks {
		if t.Agent == core.AgentResearcher {
			idx = i + 1
		}
	}
	return idx
}

func nextID(index int) core.TaskID {
	return core.TaskID(fmt.Sprintf("TASK-%03d", index+1))
}

// renumber assigns sequential ids in plan order and remaps any dependencies
// that referenced the old ids.
func renumber(tasks []*core.Task) {
	remap := make(map[core.TaskID]core.TaskID, len(tasks))
	for i, t := range tasks {
		remap[t.ID] = nextID(i)
	}
	for i, t := range tasks {
		t.ID = nextID(i)
		for j, dep := range t.Dependencies {
			if mapped, ok := remap[dep]; ok {
				t.Dependencies[j] = mapped
			}
		}
	}
}

// rewriteDependencies applies the deterministic agent-typed dependency rules,
// discarding caller-proposed edges: RESEARCHER tasks have none, CODER tasks
// depend on every preceding RESEARCHER, TESTER and REVIEWER tasks depend on
// every preceding CODER, REFACTORER tasks depend on every preceding CODER,
// and DEPLOYER tasks depend on every preceding CODER and REFACTORER.
func rewriteDependencies(tasks []*core.Task) {
	for i, t := range tasks {
		switch t.Agent {
		case core.AgentResearcher:
			t.Dependencies = nil
		case core.AgentCoder:
			t.Dependencies = precedingByAgent(tasks, i, core.AgentResearcher)
		case core.AgentTester, core.AgentReviewer, core.AgentRefactorer:
			t.Dependencies = precedingByAgent(tasks, i, core.AgentCoder)
		case core.AgentDeployer:
			t.Dependencies = precedingByAgent(tasks, i, core.AgentCoder, core.AgentRefactorer)
		}
	}
}

func precedingByAgent(tasks []*core.Task, before int, agents ...core.Agent) []core.TaskID {
	var deps []core.TaskID
	for _, t := range tasks[:before] {
		for _, a := range agents {
			if t.Agent == a {
				deps = append(deps, t.ID)
				break
			}
		}
	}
	return deps
}
