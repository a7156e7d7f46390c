package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/worldmind/worldmind/internal/core"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect mission tasks",
}

var taskShowProjectPath string

var taskShowCmd = &cobra.Command{
	Use:   "show <thread-id> <task-id>",
	Short: "Render a task's materialized instruction file",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskShow,
}

var taskFindCmd = &cobra.Command{
	Use:   "find <thread-id> <query>",
	Short: "Fuzzy-find tasks by id or description",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskFind,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskFindCmd)
	taskShowCmd.Flags().StringVar(&taskShowProjectPath, "project-path", ".",
		"project directory holding the materialized instruction files")
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	threadID, taskID := args[0], args[1]

	// Prefer the live instruction file; fall back to reconstructing the
	// task's descriptive fields from the checkpoint.
	instructionPath := filepath.Join(taskShowProjectPath, ".worldmind", "tasks", taskID+".md")
	var markdown string
	if data, err := os.ReadFile(instructionPath); err == nil {
		markdown = string(data)
	} else {
		state, closeStore, err := latestState(cmd.Context(), threadID)
		if err != nil {
			return err
		}
		defer closeStore()
		task := state.TaskByID(core.TaskID(taskID))
		if task == nil {
			return fmt.Errorf("task %s not found in mission %s", taskID, threadID)
		}
		markdown = renderTaskSummary(task)
	}

	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		// A dumb terminal still gets the raw markdown.
		fmt.Println(markdown)
		return nil
	}
	out, err := renderer.Render(markdown)
	if err != nil {
		fmt.Println(markdown)
		return nil
	}
	fmt.Print(out)
	return nil
}

func renderTaskSummary(task *core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%s)\n\n", task.ID, task.Agent)
	fmt.Fprintf(&b, "**Status:** %s — iteration %d/%d\n\n", task.Status, task.Iteration, task.MaxIterations)
	fmt.Fprintf(&b, "## Objective\n\n%s\n", task.Description)
	if task.InputContext != "" {
		fmt.Fprintf(&b, "\n## Context\n\n%s\n", task.InputContext)
	}
	if task.SuccessCriteria != "" {
		fmt.Fprintf(&b, "\n## Success Criteria\n\n%s\n", task.SuccessCriteria)
	}
	if len(task.FileChanges) > 0 {
		b.WriteString("\n## File Changes\n\n")
		for _, fc := range task.FileChanges {
			fmt.Fprintf(&b, "- %s (%s)\n", fc.Path, fc.ChangeOp)
		}
	}
	return b.String()
}

func runTaskFind(cmd *cobra.Command, args []string) error {
	threadID := args[0]
	query := strings.Join(args[1:], " ")

	state, closeStore, err := latestState(cmd.Context(), threadID)
	if err != nil {
		return err
	}
	defer closeStore()

	haystack := make([]string, len(state.Tasks))
	for i, t := range state.Tasks {
		haystack[i] = fmt.Sprintf("%s %s %s", t.ID, t.Agent, t.Description)
	}

	matches := fuzzy.Find(query, haystack)
	if len(matches) == 0 {
		fmt.Printf("No tasks match %q.\n", query)
		return nil
	}
	for _, m := range matches {
		t := state.Tasks[m.Index]
		fmt.Printf("%-10s %-11s %-9s %s\n", t.ID, t.Agent, t.Status, t.Description)
	}
	return nil
}
