// Package instructions produces the markdown directive files handed to
// sandboxed agents. Every builder is a pure function over the task and
// project context; the section layout is fixed and every heading is a
// contract point consumed by the agent runtime inside the sandbox.
package instructions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/worldmind/worldmind/internal/core"
)

// Rendering limits for the project-context section.
const (
	maxDependencies = 50
	maxFileTree     = 200
)

// ReasoningLevel selects the reasoning-approach preamble.
type ReasoningLevel string

const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
	ReasoningMax    ReasoningLevel = "max"
)

var reasoningDirectives = map[ReasoningLevel]string{
	ReasoningLow:    "Work directly and efficiently. Make the obvious change, verify it, and stop.",
	ReasoningMedium: "Think through the change before editing. Identify the files involved, make the change, and verify it compiles and behaves as described.",
	ReasoningHigh:   "Reason carefully before acting. Map the affected code paths, consider edge cases and interactions with existing behavior, then implement and verify thoroughly.",
	ReasoningMax:    "Use maximum care. Enumerate the affected code paths and their interactions, consider failure modes and edge cases explicitly, plan the change before editing, and verify every acceptance criterion individually before finishing.",
}

func reasoningSection(b *strings.Builder, level ReasoningLevel) {
	directive, ok := reasoningDirectives[level]
	if !ok {
		directive = reasoningDirectives[ReasoningMedium]
	}
	b.WriteString("## Reasoning Approach\n\n")
	b.WriteString(directive)
	b.WriteString("\n\n")
}

func objectiveSection(b *strings.Builder, description string) {
	b.WriteString("## Objective\n\n")
	b.WriteString(strings.TrimSpace(description))
	b.WriteString("\n\n")
}

func additionalContextSection(b *strings.Builder, inputContext string) {
	if strings.TrimSpace(inputContext) == "" {
		return
	}
	b.WriteString("## Additional Context\n\n")
	b.WriteString(strings.TrimSpace(inputContext))
	b.WriteString("\n\n")
	if strings.Contains(strings.ToLower(inputContext), "do not create") {
		b.WriteString("IMPORTANT: the context above contains explicit \"do not create\" restrictions. ")
		b.WriteString("Treat them as strict: creating a file or artifact they forbid fails the task.\n\n")
	}
}

func projectContextSection(b *strings.Builder, ctx *core.ProjectContext) {
	if ctx == nil {
		return
	}
	b.WriteString("## Project Context\n\n")
	if ctx.Language != "" {
		fmt.Fprintf(b, "- Language: %s\n", ctx.Language)
	}
	if ctx.Framework != "" {
		fmt.Fprintf(b, "- Framework: %s\n", ctx.Framework)
	}
	if ctx.Summary != "" {
		fmt.Fprintf(b, "- Summary: %s\n", ctx.Summary)
	}
	b.WriteString("\n")

	if len(ctx.Dependencies) > 0 {
		b.WriteString("### Dependencies\n\n")
		deps := append([]string{}, ctx.Dependencies...)
		sort.Strings(deps)
		if len(deps) > maxDependencies {
			deps = deps[:maxDependencies]
		}
		for _, d := range deps {
			fmt.Fprintf(b, "- %s\n", d)
		}
		b.WriteString("\n")
	}

	if len(ctx.FileTree) > 0 {
		b.WriteString("### File Tree\n\n")
		tree := ctx.FileTree
		truncated := 0
		if len(tree) > maxFileTree {
			truncated = len(tree) - maxFileTree
			tree = tree[:maxFileTree]
		}
		for _, f := range tree {
			fmt.Fprintf(b, "- %s\n", f)
		}
		if truncated > 0 {
			fmt.Fprintf(b, "- ... and %d more files\n", truncated)
		}
		b.WriteString("\n")
	}
}

func successCriteriaSection(b *strings.Builder, criteria string) {
	if strings.TrimSpace(criteria) == "" {
		return
	}
	b.WriteString("## Success Criteria\n\n")
	b.WriteString(strings.TrimSpace(criteria))
	b.WriteString("\n\n")
}

func workspaceSection(b *strings.Builder) {
	b.WriteString("## Workspace Layout\n\n")
	b.WriteString("The project root is `/workspace`. All file paths in this document are relative to it.\n")
	b.WriteString("Never write under any path beginning with `.worldmind-` — those directories are reserved for the orchestrator.\n\n")
}

func fileOwnershipSection(b *strings.Builder, targetFiles []string) {
	if len(targetFiles) == 0 {
		return
	}
	b.WriteString("## File Ownership (STRICT)\n\n")
	b.WriteString("You own ONLY the following files. Do not create, modify, or delete any other file:\n\n")
	for _, f := range targetFiles {
		fmt.Fprintf(b, "- %s\n", f)
	}
	b.WriteString("\n")
}

func constraintsSection(b *strings.Builder, task *core.Task) {
	b.WriteString("## Constraints\n\n")
	b.WriteString("- Follow the project's existing naming conventions and file layout.\n")
	b.WriteString("- Produce every file the objective names; a missing deliverable fails the task.\n")
	b.WriteString("- Implement functionality completely. Stubs, TODO placeholders, and commented-out logic do not count.\n")
	if task.Agent == core.AgentCoder {
		b.WriteString("- Do not modify existing test files; a separate verification step owns them.\n")
	}
	b.WriteString("- Commit your changes with a descriptive message when done.\n\n")
}

func availableToolsSection(b *strings.Builder) {
	b.WriteString("## Available Tools\n\n")
	b.WriteString("Standard shell, the project's language toolchain, and git are available inside the sandbox.\n\n")
}

// Build produces the CODER instruction document.
func Build(task *core.Task, ctx *core.ProjectContext, level ReasoningLevel) string {
	var b strings.Builder
	reasoningSection(&b, level)
	objectiveSection(&b, task.Description)
	additionalContextSection(&b, task.InputContext)
	projectContextSection(&b, ctx)
	successCriteriaSection(&b, task.SuccessCriteria)
	workspaceSection(&b)
	fileOwnershipSection(&b, task.TargetFiles)
	constraintsSection(&b, task)
	availableToolsSection(&b)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// BuildTester produces the TESTER instruction for verifying a coder task's
// changes. fileChanges lists what the coder attempt touched.
func BuildTester(coderTask *core.Task, ctx *core.ProjectContext, fileChanges []core.FileChange) string {
	var b strings.Builder
	reasoningSection(&b, ReasoningMedium)

	b.WriteString("## Objective\n\n")
	fmt.Fprintf(&b, "Run the project's test suite and verify the implementation of: %s\n\n", strings.TrimSpace(coderTask.Description))

	if len(fileChanges) > 0 {
		b.WriteString("## Changed Files\n\n")
		for _, fc := range fileChanges {
			fmt.Fprintf(&b, "- %s (%s)\n", fc.Path, fc.ChangeOp)
		}
		b.WriteString("\n")
	}

	projectContextSection(&b, ctx)
	successCriteriaSection(&b, coderTask.SuccessCriteria)
	workspaceSection(&b)

	b.WriteString("## Constraints\n\n")
	b.WriteString("- Run the full test suite; do not cherry-pick tests.\n")
	b.WriteString("- You may add missing tests for the changed files, but never weaken or delete existing assertions.\n")
	b.WriteString("- Report results in the exact format: `Tests run: N, Failures: N, Duration: Nms` followed by any failure output.\n\n")

	availableToolsSection(&b)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// BuildReviewer produces the REVIEWER instruction. testResult carries the
// tester's verdict so the reviewer can weigh failing tests in its score.
func BuildReviewer(coderTask *core.Task, ctx *core.ProjectContext, fileChanges []core.FileChange, testResult *core.TestResult) string {
	var b strings.Builder
	reasoningSection(&b, ReasoningHigh)

	b.WriteString("## Objective\n\n")
	fmt.Fprintf(&b, "Review the code changes implementing: %s\n\n", strings.TrimSpace(coderTask.Description))

	if len(fileChanges) > 0 {
		b.WriteString("## Changed Files\n\n")
		for _, fc := range fileChanges {
			fmt.Fprintf(&b, "- %s (%s)\n", fc.Path, fc.ChangeOp)
		}
		b.WriteString("\n")
	}

	if testResult != nil {
		b.WriteString("## Test Results\n\n")
		fmt.Fprintf(&b, "Tests run: %d, Failures: %d, Duration: %dms\n\n", testResult.Total, testResult.Failed, testResult.DurationMS)
		if !testResult.Passed && testResult.Output != "" {
			b.WriteString("```\n")
			b.WriteString(strings.TrimSpace(testResult.Output))
			b.WriteString("\n```\n\n")
		}
	}

	projectContextSection(&b, ctx)
	successCriteriaSection(&b, coderTask.SuccessCriteria)
	workspaceSection(&b)

	b.WriteString("## Constraints\n\n")
	b.WriteString("- Judge correctness, completeness against the success criteria, and code quality, in that order.\n")
	b.WriteString("- Do not modify any file; this is a read-only review.\n")
	b.WriteString("- Report your verdict in the exact format: `Score: N/10` and `Approved: yes|no`, followed by a summary, an `Issues:` list, and a `Suggestions:` list.\n\n")

	availableToolsSection(&b)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// BuildResearcher produces the read-only RESEARCHER instruction.
func BuildResearcher(task *core.Task, ctx *core.ProjectContext) string {
	var b strings.Builder
	reasoningSection(&b, ReasoningHigh)
	objectiveSection(&b, task.Description)
	additionalContextSection(&b, task.InputContext)
	projectContextSection(&b, ctx)
	successCriteriaSection(&b, task.SuccessCriteria)
	workspaceSection(&b)

	b.WriteString("## Constraints\n\n")
	b.WriteString("- This is a READ-ONLY task. Do not create, modify, or delete any project file.\n")
	b.WriteString("- Write your findings to standard output as structured markdown.\n\n")

	availableToolsSection(&b)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// BuildRefactorer produces the REFACTORER instruction. baselineTests
// describes the test run that defines the behavior the refactor must
// preserve.
func BuildRefactorer(task *core.Task, ctx *core.ProjectContext, baselineTests string) string {
	var b strings.Builder
	reasoningSection(&b, ReasoningHigh)
	objectiveSection(&b, task.Description)
	additionalContextSection(&b, task.InputContext)

	if strings.TrimSpace(baselineTests) != "" {
		b.WriteString("## Behavioral Baseline\n\n")
		b.WriteString("The refactor must preserve the behavior captured by this baseline test run:\n\n```\n")
		b.WriteString(strings.TrimSpace(baselineTests))
		b.WriteString("\n```\n\n")
	}

	projectContextSection(&b, ctx)
	successCriteriaSection(&b, task.SuccessCriteria)
	workspaceSection(&b)
	fileOwnershipSection(&b, task.TargetFiles)

	b.WriteString("## Constraints\n\n")
	b.WriteString("- Behavioral equivalence is mandatory: every test that passed before must pass after.\n")
	b.WriteString("- Do not change public interfaces unless the objective explicitly says so.\n")
	b.WriteString("- Commit your changes with a descriptive message when done.\n\n")

	availableToolsSection(&b)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// WithRuntimePreamble prepends an install-at-runtime note when the sandbox
// fell back to the base image, which carries no language toolchains.
func WithRuntimePreamble(instruction, runtimeTag string) string {
	if runtimeTag != "base" {
		return instruction
	}
	var b strings.Builder
	b.WriteString("## Runtime Setup\n\n")
	b.WriteString("This sandbox was started from the base image and has no language toolchains preinstalled. ")
	b.WriteString("Before working on the objective, detect the project's language from its build files and install the required toolchain and dependencies yourself.\n\n")
	b.WriteString(instruction)
	return b.String()
}

// WithMCPTools appends a tools appendix naming the MCP servers configured for
// this agent. A nil or empty server list returns the instruction unchanged.
func WithMCPTools(instruction string, agent core.Agent, serverNames []string) string {
	if len(serverNames) == 0 {
		return instruction
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(instruction, "\n"))
	b.WriteString("\n\n## MCP Tools\n\n")
	fmt.Fprintf(&b, "The following MCP servers are available to the %s agent. Prefer them over ad-hoc shell equivalents when one covers the operation:\n\n", agent)
	for _, name := range serverNames {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	b.WriteString("\nServer URLs and tokens are provided via `MCP_SERVER_<NAME>_URL` and `MCP_SERVER_<NAME>_TOKEN` environment variables.\n")
	return b.String()
}

// RetryBlock renders the retry-context block the dispatcher prepends to a
// task's input context on a retry attempt.
func RetryBlock(retryContext string) string {
	var b strings.Builder
	b.WriteString("## Retry Context (from previous attempt)\n")
	b.WriteString(strings.TrimSpace(retryContext))
	b.WriteString("\n")
	return b.String()
}
