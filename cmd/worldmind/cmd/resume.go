package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	resumePlanFile    string
	resumeProjectPath string
	resumeAnswers     string
	resumeGitURL      string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Resume a mission from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVar(&resumePlanFile, "plan", "",
		"plan file used when the mission was submitted")
	resumeCmd.Flags().StringVar(&resumeProjectPath, "project-path", ".",
		"project directory the mission operates on")
	resumeCmd.Flags().StringVar(&resumeAnswers, "answers", "",
		"clarifying answers, when the mission paused on questions")
	resumeCmd.Flags().StringVar(&resumeGitURL, "git-url", "",
		"git repository the mission was cloned from")
	_ = resumeCmd.MarkFlagRequired("plan")
}

func runResume(_ *cobra.Command, args []string) error {
	caller, err := loadPlanFile(resumePlanFile)
	if err != nil {
		return exitWith(ExitPlanningFailure, err)
	}

	st, err := buildStack(caller, resumeProjectPath, resumeGitURL)
	if err != nil {
		return exitWith(ExitInternalError, err)
	}
	defer st.close()

	ctx, stop := withSignalCancel(context.Background(), st)
	defer stop()

	var answers *string
	if resumeAnswers != "" {
		answers = &resumeAnswers
	}
	final, err := st.runner.Resume(ctx, args[0], answers)
	return reportMission(final, err)
}
