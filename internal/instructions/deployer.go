package instructions

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/worldmind/worldmind/internal/core"
)

// NoServicesAnswer is the clarifying-answer sentinel meaning the manifest
// must not carry a services block.
const NoServicesAnswer = "No services needed"

// DeployerConfig carries the Cloud Foundry deployment defaults used when the
// plan did not produce its own manifest.
type DeployerConfig struct {
	Memory       string `mapstructure:"memory" yaml:"memory"`
	Instances    int    `mapstructure:"instances" yaml:"instances"`
	Path         string `mapstructure:"path" yaml:"path"`
	Buildpack    string `mapstructure:"buildpack" yaml:"buildpack"`
	JREVersion string `mapstructure:"jre_version" yaml:"jre_version"`
	// HealthCheckTimeout is surfaced to retry hints; zero keeps the platform default.
	HealthCheckTimeout int `mapstructure:"health_check_timeout" yaml:"health_check_timeout"`
}

// DefaultDeployerConfig returns the Java-on-CF defaults.
func DefaultDeployerConfig() DeployerConfig {
	return DeployerConfig{
		Memory:     "1G",
		Instances:  1,
		Path:       "target/*.jar",
		Buildpack:  "java_buildpack_offline",
		JREVersion: "21.+",
	}
}

type manifestRoute struct {
	Route string `yaml:"route"`
}

type manifestApplication struct {
	Name       string            `yaml:"name"`
	Memory     string            `yaml:"memory"`
	Instances  int               `yaml:"instances"`
	Path       string            `yaml:"path"`
	Buildpacks []string          `yaml:"buildpacks"`
	Routes     []manifestRoute   `yaml:"routes"`
	Env        map[string]string `yaml:"env"`
	Services   []string          `yaml:"services,omitempty"`
}

type manifest struct {
	Applications []manifestApplication `yaml:"applications"`
}

// Manifest renders the generated Cloud Foundry manifest for a mission whose
// plan did not produce one. serviceBindings equal to the NoServicesAnswer
// sentinel (or empty) omits the services block entirely.
func Manifest(missionID, appsDomain string, serviceBindings []string, cfg DeployerConfig) (string, error) {
	app := manifestApplication{
		Name:       missionID,
		Memory:     cfg.Memory,
		Instances:  cfg.Instances,
		Path:       cfg.Path,
		Buildpacks: []string{cfg.Buildpack},
		Routes:     []manifestRoute{{Route: fmt.Sprintf("%s.apps.%s", missionID, appsDomain)}},
		Env: map[string]string{
			"JBP_CONFIG_OPEN_JDK_JRE": fmt.Sprintf("{ jre: { version: %s } }", cfg.JREVersion),
		},
	}
	for _, s := range serviceBindings {
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, NoServicesAnswer) {
			continue
		}
		app.Services = append(app.Services, s)
	}

	out, err := yaml.Marshal(manifest{Applications: []manifestApplication{app}})
	if err != nil {
		return "", fmt.Errorf("rendering manifest: %w", err)
	}
	return string(out), nil
}

// BuildDeployer produces the DEPLOYER instruction document. When the plan did
// not create a manifest, the generated one is embedded and the agent is told
// to write it verbatim before pushing.
func BuildDeployer(task *core.Task, missionID, appsDomain string, manifestCreatedByTask bool, serviceBindings []string, appType string, cfg DeployerConfig) (string, error) {
	var b strings.Builder
	reasoningSection(&b, ReasoningMedium)

	b.WriteString("## Objective\n\n")
	if strings.TrimSpace(task.Description) != "" {
		b.WriteString(strings.TrimSpace(task.Description))
		b.WriteString("\n\n")
	} else {
		fmt.Fprintf(&b, "Deploy application %s to Cloud Foundry and verify it reaches a running state.\n\n", missionID)
	}

	additionalContextSection(&b, task.InputContext)

	b.WriteString("## Deployment Manifest\n\n")
	if manifestCreatedByTask {
		b.WriteString("A `manifest.yml` was produced by an earlier task. Use it as-is; do not regenerate or edit it.\n\n")
	} else {
		generated, err := Manifest(missionID, appsDomain, serviceBindings, cfg)
		if err != nil {
			return "", err
		}
		b.WriteString("No manifest exists yet. Write exactly this content to `manifest.yml` at the project root before pushing:\n\n```yaml\n")
		b.WriteString(generated)
		b.WriteString("```\n\n")
	}

	workspaceSection(&b)
	fileOwnershipSection(&b, task.TargetFiles)

	b.WriteString("## Constraints\n\n")
	if appType != "" {
		fmt.Fprintf(&b, "- The application type is %s; build it with that stack's standard packaging before pushing.\n", appType)
	}
	b.WriteString("- Authenticate with the `CF_API_URL`, `CF_USERNAME`, `CF_PASSWORD`, `CF_ORG`, and `CF_SPACE` environment variables.\n")
	b.WriteString("- Push with `cf push` from the project root and wait for the push to finish.\n")
	b.WriteString("- After the push, print the full `cf app` output including the `status:` and `routes:` lines; the orchestrator parses them.\n")
	b.WriteString("- Never print the CF credentials.\n\n")

	b.WriteString("## Cloud Deployment Notes\n\n")
	fmt.Fprintf(&b, "- The app route will be `%s.apps.%s` once running.\n", missionID, appsDomain)
	b.WriteString("- A failed push must still print the complete staging and crash logs (`cf logs --recent`).\n")
	if !manifestCreatedByTask && len(serviceBindings) > 0 && !strings.EqualFold(strings.TrimSpace(serviceBindings[0]), NoServicesAnswer) {
		b.WriteString("- Service instances named in the manifest must already exist; if a binding fails, report the failing service name verbatim.\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
