package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/worldmind/worldmind/internal/core"
	"github.com/worldmind/worldmind/internal/events/httpmetrics"
	"github.com/worldmind/worldmind/internal/mission"
)

var (
	submitPlanFile    string
	submitProjectPath string
	submitApprovePlan bool
	submitCFDeploy    bool
	submitAnswers     string
	submitPRDFile     string
	submitGitURL      string
)

var submitCmd = &cobra.Command{
	Use:   "submit <request>",
	Short: "Submit a development request as a new mission",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitPlanFile, "plan", "",
		"pre-authored plan file (YAML); required until a planning service is configured")
	submitCmd.Flags().StringVar(&submitProjectPath, "project-path", ".",
		"project directory the mission operates on")
	submitCmd.Flags().BoolVar(&submitApprovePlan, "approve-plan", false,
		"pause for plan approval before executing")
	submitCmd.Flags().BoolVar(&submitCFDeploy, "cf-deploy", false,
		"append a Cloud Foundry deployment task to the plan")
	submitCmd.Flags().StringVar(&submitAnswers, "answers", "",
		"clarifying answers, pre-supplied so the mission never pauses")
	submitCmd.Flags().StringVar(&submitPRDFile, "prd", "",
		"optional PRD document to feed the clarify step")
	submitCmd.Flags().StringVar(&submitGitURL, "git-url", "",
		"git repository to clone; tasks then run in per-task worktrees")
	_ = submitCmd.MarkFlagRequired("plan")
}

func runSubmit(_ *cobra.Command, args []string) error {
	caller, err := loadPlanFile(submitPlanFile)
	if err != nil {
		return exitWith(ExitPlanningFailure, err)
	}

	st, err := buildStack(caller, submitProjectPath, submitGitURL)
	if err != nil {
		return exitWith(ExitInternalError, err)
	}
	defer st.close()

	input := mission.Input{
		Request:            strings.Join(args, " "),
		InteractionMode:    core.InteractionFullAuto,
		CreateCFDeployment: submitCFDeploy,
	}
	if submitApprovePlan {
		input.InteractionMode = core.InteractionApprovePlan
	}
	if submitAnswers != "" {
		answers := submitAnswers
		input.ClarifyingAnswers = &answers
	}
	if submitPRDFile != "" {
		prd, err := os.ReadFile(submitPRDFile)
		if err != nil {
			return exitWith(ExitPlanningFailure, fmt.Errorf("reading PRD: %w", err))
		}
		input.PRDDocument = string(prd)
	}

	ctx, stop := withSignalCancel(context.Background(), st)
	defer stop()

	if submitApprovePlan {
		go answerInputRequests(ctx, st)
	}

	if cfg.Metrics.Enabled {
		srv := httpmetrics.NewServer(cfg.Metrics.Addr, st.metrics, logger.Logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Warn("metrics listener failed", "error", err)
			}
		}()
	}

	final, err := st.runner.Submit(ctx, input)
	return reportMission(final, err)
}

// answerInputRequests services the control plane's operator input channel on
// the terminal (plan approval, and any future interactive prompts).
func answerInputRequests(ctx context.Context, st *stack) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.plane.Done():
			return
		case req := <-st.plane.Requests():
			if req.Context != "" {
				fmt.Println(req.Context)
			}
			fmt.Printf("%s ", req.Prompt)
			var line string
			if _, err := fmt.Scanln(&line); err != nil {
				line = ""
			}
			if err := st.plane.Answer(req.ID, line); err != nil {
				logger.Warn("delivering input response failed", "error", err)
			}
		}
	}
}

// withSignalCancel installs the signal surface of the control plane.
// SIGINT/SIGTERM cancel the mission cooperatively so in-flight sandboxes are
// torn down and worktrees released before the process exits (the checkpoint
// trail allows a later resume); a second SIGINT forces a hard context
// cancel. SIGUSR1 toggles the wave hold: the in-flight wave finishes, then
// the mission idles until the next SIGUSR1 releases it.
func withSignalCancel(parent context.Context, st *stack) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	go func() {
		interrupted := false
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGUSR1 {
					if st.plane.Held() {
						logger.Info("releasing wave hold")
						st.plane.ReleaseWaves()
					} else {
						logger.Info("holding after the in-flight wave")
						st.plane.HoldWaves()
					}
					continue
				}
				if interrupted {
					cancel()
					return
				}
				interrupted = true
				logger.Warn("signal received, cancelling mission", "signal", sig.String())
				st.plane.Cancel("interrupted by " + sig.String())
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// reportMission prints the terminal record and maps it to an exit code.
func reportMission(final *core.MissionState, err error) error {
	if final != nil {
		printMission(final)
	}
	if err != nil {
		return exitWith(classifyRunError(err), err)
	}
	if final == nil {
		return exitWith(ExitInternalError, fmt.Errorf("mission produced no state"))
	}

	switch final.Status {
	case core.MissionCompleted:
		return nil
	case core.MissionFailed:
		return exitWith(classifyFailure(final), fmt.Errorf("mission %s failed", final.MissionID))
	default:
		// Paused (clarify questions or approval); not an error.
		fmt.Printf("\nMission paused at status %s. Resume with:\n  worldmind resume %s --answers \"...\"\n",
			final.Status, final.ThreadID)
		return nil
	}
}

func classifyRunError(err error) int {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "classif") || strings.Contains(msg, "plan"):
		return ExitPlanningFailure
	case strings.Contains(msg, "provider") || strings.Contains(msg, "sandbox"):
		return ExitDispatchInfraError
	default:
		return ExitInternalError
	}
}

func classifyFailure(final *core.MissionState) int {
	joined := strings.ToLower(strings.Join(final.Errors, "\n"))
	switch {
	case strings.Contains(joined, "deployment failed"):
		return ExitDeploymentEscalate
	case strings.Contains(joined, "escalated") || strings.Contains(joined, "oscillation"):
		return ExitQualityGateEscalate
	case strings.Contains(joined, "provider"):
		return ExitDispatchInfraError
	default:
		return ExitQualityGateEscalate
	}
}

func printMission(state *core.MissionState) {
	fmt.Printf("Mission:   %s\n", state.MissionID)
	fmt.Printf("Status:    %s\n", state.Status)
	if state.DeploymentURL != "" {
		fmt.Printf("Deployed:  https://%s\n", state.DeploymentURL)
	}
	if len(state.Tasks) > 0 {
		fmt.Println("Tasks:")
		for _, t := range state.Tasks {
			fmt.Printf("  %-10s %-11s %-9s iter=%d  %s\n", t.ID, t.Agent, t.Status, t.Iteration, t.Description)
		}
	}
	if m := state.Metrics; m != nil {
		fmt.Printf("Metrics:   completed=%d failed=%d waves=%d files+%d~%d tests %d/%d in %s\n",
			m.TasksCompleted, m.TasksFailed, m.WavesExecuted,
			m.FilesCreated, m.FilesModified, m.TestsPassed, m.TestsRun,
			time.Duration(m.TotalDurationMS)*time.Millisecond)
	}
	for _, e := range state.Errors {
		fmt.Printf("Error:     %s\n", e)
	}
}
