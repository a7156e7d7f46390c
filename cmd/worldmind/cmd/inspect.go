package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worldmind/worldmind/internal/checkpoint"
	"github.com/worldmind/worldmind/internal/core"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <thread-id>",
	Short: "Show the latest checkpointed state of a mission",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func latestState(ctx context.Context, threadID string) (*core.MissionState, func(), error) {
	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	snap, err := store.GetLatest(ctx, threadID)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	if snap == nil {
		closeStore()
		return nil, nil, fmt.Errorf("no checkpoints for thread %s", threadID)
	}
	return snap.State, closeStore, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	state, closeStore, err := latestState(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeStore()

	printMission(state)
	if state.ClarifyingQuestions != nil && state.ClarifyingAnswers == nil {
		fmt.Println("Awaiting answers to:")
		for _, q := range state.ClarifyingQuestions.Questions {
			fmt.Printf("  - %s\n", q)
		}
	}
	if len(state.CompletedTaskIDs) > 0 {
		fmt.Printf("Completed: %v\n", state.CompletedTaskIDs)
	}
	if state.RetryContext != "" {
		fmt.Printf("Pending retry context:\n%s\n", state.RetryContext)
	}

	var checkpoints []*checkpoint.Snapshot
	store, closeStore2, err := buildStore(cfg)
	if err == nil {
		checkpoints, _ = store.List(cmd.Context(), args[0])
		closeStore2()
	}
	if len(checkpoints) > 0 {
		fmt.Printf("Checkpoints: %d (latest node %s at %s)\n",
			len(checkpoints),
			checkpoints[len(checkpoints)-1].NodeName,
			checkpoints[len(checkpoints)-1].CreatedAt.Format("15:04:05"))
	}
	return nil
}
