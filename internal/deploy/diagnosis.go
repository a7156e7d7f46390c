// Package deploy classifies raw deployer output into a deployment outcome:
// success with a captured route, or a structured diagnosis whose category
// drives the retry hint and the terminal error message.
package deploy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/worldmind/worldmind/internal/core"
)

// Outcome is the result of diagnosing one deployer attempt.
type Outcome struct {
	Succeeded     bool
	DeploymentURL string
	Diagnosis     *core.DeploymentDiagnosis
}

var successMarkers = []string{
	"status: running",
	"instances: 1/1",
	"app started",
}

var failureMarkers = []string{
	"crashed",
	"start unsuccessful",
	"staging error",
	"build failure",
	"error staging",
}

var (
	serviceNamePattern = regexp.MustCompile(`(?i)services?\s+['"]?([a-z0-9-]+)['"]?`)
	routePattern       = regexp.MustCompile(`(?i)\b([a-z0-9][a-z0-9-]*(?:\.[a-z0-9][a-z0-9-]*)+)\b`)
)

// Diagnose inspects raw deployer output. Matching is case-insensitive and
// purely textual; a nil/blank output diagnoses as UNKNOWN.
func Diagnose(output string) Outcome {
	if strings.TrimSpace(output) == "" {
		return Outcome{Diagnosis: diagnose("", core.DiagUnknown)}
	}
	lower := strings.ToLower(output)

	if hasSuccessMarker(output, lower) && !hasFailureMarker(output, lower) {
		return Outcome{Succeeded: true, DeploymentURL: extractRoute(output)}
	}

	category := classify(lower, hasSuccessMarker(output, lower))
	d := diagnose(output, category)
	return Outcome{Diagnosis: d}
}

func hasSuccessMarker(raw, lower string) bool {
	for _, m := range successMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	// "OK" counts only as a standalone status line, not as a substring.
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "OK" {
			return true
		}
	}
	return false
}

func hasFailureMarker(raw, lower string) bool {
	for _, m := range failureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "FAILED" {
			return true
		}
	}
	if strings.Contains(lower, "health check") &&
		(strings.Contains(lower, "fail") || strings.Contains(lower, "did not pass")) {
		return true
	}
	return near(lower, "timed out", "health", 100)
}

// classify returns the first applicable category; order matters. A crash
// marker alongside a success marker is not APP_CRASHED (the instance may have
// recovered), so the later categories get a chance instead.
func classify(lower string, hasSuccess bool) core.DeploymentDiagnosisCategory {
	switch {
	case strings.Contains(lower, "build failure") || strings.Contains(lower, "failed to execute goal"):
		return core.DiagBuildFailure
	case strings.Contains(lower, "staging error") || strings.Contains(lower, "stagingerror") ||
		strings.Contains(lower, "unable to detect buildpack"):
		return core.DiagStagingFailure
	case strings.Contains(lower, "crashed") && !hasSuccess:
		return core.DiagAppCrashed
	case (strings.Contains(lower, "health check") && (strings.Contains(lower, "fail") || strings.Contains(lower, "did not pass"))) ||
		near(lower, "timed out", "health", 100) ||
		strings.Contains(lower, "start app timeout"):
		return core.DiagHealthCheckTimeout
	case (strings.Contains(lower, "binding service") && strings.Contains(lower, "failed")) ||
		strings.Contains(lower, "could not find service") ||
		strings.Contains(lower, "service binding failed"):
		return core.DiagServiceBindingFailure
	default:
		return core.DiagUnknown
	}
}

func diagnose(output string, category core.DeploymentDiagnosisCategory) *core.DeploymentDiagnosis {
	d := &core.DeploymentDiagnosis{Category: category}
	lower := strings.ToLower(output)

	switch category {
	case core.DiagBuildFailure:
		d.EnrichedContext = "The build failed before staging. Fix pom.xml / dependencies so the project compiles and packages cleanly."
	case core.DiagStagingFailure:
		d.EnrichedContext = "Staging failed. Check the buildpack selection / manifest: the platform could not turn the pushed artifact into a droplet."
	case core.DiagAppCrashed:
		if strings.Contains(lower, "out of memory") || strings.Contains(lower, "memory") {
			d.EnrichedContext = "The app crashed after staging with memory pressure in the logs. Increase the memory allocation in manifest.yml and retry."
		} else {
			d.EnrichedContext = "The app crashed after staging. Check crash logs (`cf logs --recent`) for the failing startup path."
		}
	case core.DiagHealthCheckTimeout:
		d.EnrichedContext = "The app started but its health check did not pass in time. Increase `health-check-timeout` in manifest.yml."
	case core.DiagServiceBindingFailure:
		if name := extractServiceName(output); name != "" {
			d.ServiceName = name
			d.EnrichedContext = fmt.Sprintf("Binding service %q failed. Create it first: `cf create-service %s` (or fix the name in manifest.yml).", name, name)
		} else {
			d.EnrichedContext = "A service binding failed. Create the missing service instance with `cf create-service` before retrying, or fix the service name in manifest.yml."
		}
	default:
		d.EnrichedContext = "Deployment failed for an unrecognized reason. Inspect raw output for the first error."
	}

	d.TerminalMessage = fmt.Sprintf("Deployment failed (%s): %s", category, d.EnrichedContext)
	return d
}

// serviceNameStopwords are words the extraction pattern can capture that are
// never service names ("service binding failed" captures "binding").
var serviceNameStopwords = map[string]bool{
	"binding": true,
	"bindings": true,
	"instance": true,
	"instances": true,
	"failed": true,
	"to": true,
	"for": true,
	"name": true,
}

// extractServiceName pulls the failing service name out of the output. No
// usable match returns "" so callers fall back to generic phrasing instead of
// interpolating a null-ish value.
func extractServiceName(output string) string {
	for _, m := range serviceNamePattern.FindAllStringSubmatch(strings.ToLower(output), -1) {
		if len(m) >= 2 && !serviceNameStopwords[m[1]] {
			return m[1]
		}
	}
	return ""
}

// extractRoute captures the deployed route: the first domain-shaped token,
// preferring text after a "routes:" label when present.
func extractRoute(output string) string {
	lower := strings.ToLower(output)
	search := output
	if idx := strings.Index(lower, "routes:"); idx >= 0 {
		search = output[idx:]
	}
	if m := routePattern.FindString(search); m != "" {
		return m
	}
	return routePattern.FindString(output)
}

// near reports whether both needles occur within window bytes of each other.
func near(haystack, a, b string, window int) bool {
	ai := strings.Index(haystack, a)
	bi := strings.Index(haystack, b)
	if ai < 0 || bi < 0 {
		return false
	}
	delta := ai - bi
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}
