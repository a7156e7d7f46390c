package qualitygate

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/worldmind/worldmind/internal/core"
)

// OutputParser turns raw sandbox output into structured verdicts. The
// production wiring may delegate this to a structured-caller backend; the
// RegexParser below covers the report formats the instruction builder
// mandates and is the default.
type OutputParser interface {
	ParseTestOutput(ctx context.Context, output string) (core.TestResult, error)
	ParseReviewOutput(ctx context.Context, output string) (core.ReviewFeedback, error)
}

var (
	testsRunPattern = regexp.MustCompile(`(?i)tests run:\s*(\d+)`)
	failuresPattern = regexp.MustCompile(`(?i)failures?:\s*(\d+)`)
	durationPattern = regexp.MustCompile(`(?i)duration:\s*(\d+)\s*ms`)
	scorePattern    = regexp.MustCompile(`(?i)score:\s*(\d+)\s*/\s*10`)
	approvedPattern = regexp.MustCompile(`(?i)approved:\s*(yes|no|true|false)`)
)

// RegexParser extracts the `Tests run: N, Failures: N, Duration: Nms` and
// `Score: N/10` / `Approved: yes|no` report lines the tester and reviewer
// instructions require.
type RegexParser struct{}

// ParseTestOutput implements OutputParser. Output with no recognizable
// report line parses as failed, never as silently passing.
func (RegexParser) ParseTestOutput(_ context.Context, output string) (core.TestResult, error) {
	result := core.TestResult{Output: output}

	runMatch := testsRunPattern.FindStringSubmatch(output)
	if runMatch == nil {
		result.Passed = false
		return result, nil
	}
	result.Total, _ = strconv.Atoi(runMatch[1])
	if m := failuresPattern.FindStringSubmatch(output); m != nil {
		result.Failed, _ = strconv.Atoi(m[1])
	}
	if m := durationPattern.FindStringSubmatch(output); m != nil {
		ms, _ := strconv.Atoi(m[1])
		result.DurationMS = int64(ms)
	}
	result.Passed = result.Failed == 0
	return result, nil
}

// ParseReviewOutput implements OutputParser. A missing verdict line parses
// as not approved with score 0.
func (RegexParser) ParseReviewOutput(_ context.Context, output string) (core.ReviewFeedback, error) {
	feedback := core.ReviewFeedback{}

	if m := scorePattern.FindStringSubmatch(output); m != nil {
		feedback.Score, _ = strconv.Atoi(m[1])
	}
	if m := approvedPattern.FindStringSubmatch(output); m != nil {
		v := strings.ToLower(m[1])
		feedback.Approved = v == "yes" || v == "true"
	}
	feedback.Summary = firstParagraphAfterVerdict(output)
	feedback.Issues = bulletedSection(output, "issues:")
	feedback.Suggestions = bulletedSection(output, "suggestions:")
	return feedback, nil
}

// firstParagraphAfterVerdict returns the first non-verdict, non-bullet text
// line as the summary.
func firstParagraphAfterVerdict(output string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "score:") || strings.HasPrefix(lower, "approved:") ||
			strings.HasPrefix(lower, "issues:") || strings.HasPrefix(lower, "suggestions:") {
			continue
		}
		return trimmed
	}
	return ""
}

// bulletedSection collects "- " items following a case-insensitive header
// until the next header or blank-then-header boundary.
func bulletedSection(output, header string) []string {
	var items []string
	inSection := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case lower == header:
			inSection = true
		case inSection && strings.HasPrefix(trimmed, "- "):
			items = append(items, strings.TrimPrefix(trimmed, "- "))
		case inSection && trimmed != "" && !strings.HasPrefix(trimmed, "- "):
			inSection = false
		}
	}
	return items
}
