package instructions

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/core"
)

func sampleTask() *core.Task {
	t := core.NewTask("TASK-001", core.AgentCoder, "Create a REST endpoint for user lookup")
	t.InputContext = "The service uses chi for routing."
	t.SuccessCriteria = "GET /users/{id} returns 200 with a JSON body."
	return t
}

func sampleContext() *core.ProjectContext {
	return &core.ProjectContext{
		Language:     "Go",
		Framework:    "chi",
		Summary:      "A small user service.",
		Dependencies: []string{"github.com/go-chi/chi/v5", "github.com/stretchr/testify"},
		FileTree:     []string{"main.go", "internal/users/store.go"},
	}
}

func TestBuild_SectionOrder(t *testing.T) {
	out := Build(sampleTask(), sampleContext(), ReasoningMedium)

	sections := []string{
		"## Reasoning Approach",
		"## Objective",
		"## Additional Context",
		"## Project Context",
		"## Success Criteria",
		"## Workspace Layout",
		"## Constraints",
		"## Available Tools",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(out, s)
		require.GreaterOrEqual(t, idx, 0, "missing section %q", s)
		require.Greater(t, idx, last, "section %q out of order", s)
		last = idx
	}
	assert.Contains(t, out, "Create a REST endpoint for user lookup")
	assert.Contains(t, out, "GET /users/{id} returns 200")
	assert.NotContains(t, out, "## File Ownership", "no ownership section without target files")
}

func TestBuild_FileOwnershipWhenTargeted(t *testing.T) {
	task := sampleTask()
	task.TargetFiles = []string{"internal/users/handler.go"}
	out := Build(task, sampleContext(), ReasoningLow)
	assert.Contains(t, out, "## File Ownership (STRICT)")
	assert.Contains(t, out, "- internal/users/handler.go")
}

func TestBuild_StrictnessNotice(t *testing.T) {
	task := sampleTask()
	task.InputContext = "Do not create any new configuration files."
	out := Build(task, sampleContext(), ReasoningMedium)
	assert.Contains(t, out, "\"do not create\" restrictions")
}

func TestBuild_DependencyAndTreeTruncation(t *testing.T) {
	ctx := sampleContext()
	ctx.Dependencies = nil
	for i := 0; i < 60; i++ {
		ctx.Dependencies = append(ctx.Dependencies, fmt.Sprintf("dep-%03d", i))
	}
	ctx.FileTree = nil
	for i := 0; i < 250; i++ {
		ctx.FileTree = append(ctx.FileTree, fmt.Sprintf("pkg/file_%03d.go", i))
	}

	out := Build(sampleTask(), ctx, ReasoningMedium)
	assert.Contains(t, out, "dep-000")
	assert.Contains(t, out, "dep-049")
	assert.NotContains(t, out, "dep-050")
	assert.Contains(t, out, "pkg/file_199.go")
	assert.NotContains(t, out, "pkg/file_200.go")
	assert.Contains(t, out, "... and 50 more files")
}

func TestBuild_ReasoningLevels(t *testing.T) {
	task, ctx := sampleTask(), sampleContext()
	low := Build(task, ctx, ReasoningLow)
	max := Build(task, ctx, ReasoningMax)
	unknown := Build(task, ctx, ReasoningLevel("bogus"))
	medium := Build(task, ctx, ReasoningMedium)

	assert.NotEqual(t, low, max)
	assert.Equal(t, medium, unknown, "unknown level falls back to medium")
}

func TestWithRuntimePreamble(t *testing.T) {
	base := Build(sampleTask(), sampleContext(), ReasoningMedium)

	tagged := WithRuntimePreamble(base, "go-1.24")
	assert.Equal(t, base, tagged, "non-base tag leaves instruction untouched")

	preambled := WithRuntimePreamble(base, "base")
	assert.True(t, strings.HasPrefix(preambled, "## Runtime Setup"))
	assert.True(t, strings.HasSuffix(preambled, base), "original instruction is a suffix of the preambled one")
}

func TestWithMCPTools(t *testing.T) {
	base := Build(sampleTask(), sampleContext(), ReasoningMedium)

	assert.Equal(t, base, WithMCPTools(base, core.AgentCoder, nil))

	out := WithMCPTools(base, core.AgentCoder, []string{"jira", "confluence"})
	assert.Contains(t, out, "## MCP Tools")
	assert.Contains(t, out, "- jira")
	assert.Contains(t, out, "- confluence")
	assert.Contains(t, out, "MCP_SERVER_<NAME>_URL")
}

func TestBuildTester(t *testing.T) {
	changes := []core.FileChange{{Path: "internal/users/handler.go", ChangeOp: core.FileChangeCreated}}
	out := BuildTester(sampleTask(), sampleContext(), changes)
	assert.Contains(t, out, "Run the project's test suite")
	assert.Contains(t, out, "internal/users/handler.go (created)")
	assert.Contains(t, out, "Tests run: N, Failures: N, Duration: Nms")
}

func TestBuildReviewer_IncludesTestVerdict(t *testing.T) {
	changes := []core.FileChange{{Path: "internal/users/handler.go", ChangeOp: core.FileChangeModified}}
	failing := &core.TestResult{Passed: false, Total: 12, Failed: 2, DurationMS: 340, Output: "FAIL: TestLookup"}
	out := BuildReviewer(sampleTask(), sampleContext(), changes, failing)
	assert.Contains(t, out, "Tests run: 12, Failures: 2, Duration: 340ms")
	assert.Contains(t, out, "FAIL: TestLookup")
	assert.Contains(t, out, "Score: N/10")
	assert.Contains(t, out, "read-only review")
}

func TestBuildResearcher_ReadOnly(t *testing.T) {
	task := core.NewTask("TASK-002", core.AgentResearcher, "Survey existing auth middleware")
	out := BuildResearcher(task, sampleContext())
	assert.Contains(t, out, "READ-ONLY task")
	assert.NotContains(t, out, "Commit your changes")
}

func TestBuildRefactorer_Baseline(t *testing.T) {
	task := core.NewTask("TASK-003", core.AgentRefactorer, "Extract the store interface")
	out := BuildRefactorer(task, sampleContext(), "Tests run: 40, Failures: 0")
	assert.Contains(t, out, "## Behavioral Baseline")
	assert.Contains(t, out, "Tests run: 40, Failures: 0")
	assert.Contains(t, out, "Behavioral equivalence is mandatory")
}

func TestRetryBlock(t *testing.T) {
	out := RetryBlock("TASK-001 failed: review score 3/10, missing error handling")
	assert.True(t, strings.HasPrefix(out, "## Retry Context (from previous attempt)\n"))
	assert.Contains(t, out, "review score 3/10")
}
