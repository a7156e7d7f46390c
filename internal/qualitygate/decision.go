// Package qualitygate evaluates finished wave tasks: CODER and REFACTORER
// attempts earn completion only after a TESTER and a REVIEWER sub-dispatch
// both approve, and denials are translated into a failure strategy with a
// diagnosis the next attempt can act on.
package qualitygate

import (
	"fmt"
	"strings"

	"github.com/worldmind/worldmind/internal/core"
)

// MinApprovalScore is the lowest review score that can grant the gate.
const MinApprovalScore = 5

// criticalScoreCeiling is the score at or below which critical review text
// overrides the task's own failure strategy with ESCALATE.
const criticalScoreCeiling = 2

var criticalIndicators = []string{"critical", "broken", "truncated"}

// Decide applies the deterministic gate rule: granted iff the tests passed,
// the reviewer approved, and the score clears the approval floor. When
// denied, the task's own on-failure strategy applies while iterations
// remain; an exhausted budget or a critically-scored review escalates.
func Decide(task *core.Task, test core.TestResult, review core.ReviewFeedback) core.QualityGateDecision {
	if test.Passed && review.Approved && review.Score >= MinApprovalScore {
		return core.QualityGateDecision{
			Granted: true,
			Reason:  fmt.Sprintf("tests passed (%d/%d), review approved with score %d/10", test.Total-test.Failed, test.Total, review.Score),
		}
	}

	var reasons []string
	if !test.Passed {
		reasons = append(reasons, fmt.Sprintf("tests failed (%d of %d)", test.Failed, test.Total))
	}
	if !review.Approved {
		reasons = append(reasons, "review not approved")
	}
	if review.Score < MinApprovalScore {
		reasons = append(reasons, fmt.Sprintf("review score %d/10 below threshold %d", review.Score, MinApprovalScore))
	}
	reason := strings.Join(reasons, "; ")

	strategy := task.OnFailure
	if !task.CanRetry() {
		strategy = core.FailureEscalate
		reason += "; iteration budget exhausted"
	}
	if review.Score <= criticalScoreCeiling && hasCriticalIndicator(review) {
		strategy = core.FailureEscalate
		reason += "; review flags the change as critically defective"
	}

	return core.QualityGateDecision{Granted: false, Strategy: strategy, Reason: reason}
}

func hasCriticalIndicator(review core.ReviewFeedback) bool {
	text := strings.ToLower(review.Summary + " " + strings.Join(review.Issues, " "))
	for _, indicator := range criticalIndicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}
	return false
}

// RetryDiagnosis renders the multi-line retry context a denied attempt
// carries into its next iteration.
func RetryDiagnosis(task *core.Task, decision core.QualityGateDecision, test core.TestResult, review core.ReviewFeedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quality gate denied for %s: %s\n", task.ID, decision.Reason)
	if !test.Passed && test.Output != "" {
		fmt.Fprintf(&b, "Failing test output:\n%s\n", strings.TrimSpace(test.Output))
	}
	if review.Summary != "" {
		fmt.Fprintf(&b, "Review summary: %s\n", review.Summary)
	}
	for _, issue := range review.Issues {
		fmt.Fprintf(&b, "- Issue: %s\n", issue)
	}
	for _, s := range review.Suggestions {
		fmt.Fprintf(&b, "- Suggestion: %s\n", s)
	}
	return strings.TrimRight(b.String(), "\n")
}
