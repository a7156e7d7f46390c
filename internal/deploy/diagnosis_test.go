package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/core"
)

func TestDiagnose_Success(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantRoute string
	}{
		{
			name: "status running with route",
			output: "Waiting for app to start...\n" +
				"name:      wmnd-2026-0001\n" +
				"requested state: started\n" +
				"routes:    wmnd-2026-0001.apps.example.com\n" +
				"status: running\n",
			wantRoute: "wmnd-2026-0001.apps.example.com",
		},
		{
			name:      "instances marker",
			output:    "instances: 1/1\nroutes: billing.apps.example.com\n",
			wantRoute: "billing.apps.example.com",
		},
		{
			name:      "app started marker",
			output:    "App started\n",
			wantRoute: "",
		},
		{
			name:      "standalone OK status line",
			output:    "Uploading files...\nOK\n",
			wantRoute: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Diagnose(tt.output)
			require.True(t, out.Succeeded, "expected success")
			assert.Equal(t, tt.wantRoute, out.DeploymentURL)
			assert.Nil(t, out.Diagnosis)
		})
	}
}

func TestDiagnose_OKSubstringIsNotSuccess(t *testing.T) {
	out := Diagnose("BROKEN OK-ish output with no status\n")
	assert.False(t, out.Succeeded)
}

func TestDiagnose_Categories(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		want     core.DeploymentDiagnosisCategory
		contains string
	}{
		{
			name:     "maven build failure",
			output:   "[INFO] BUILD FAILURE\n[ERROR] Failed to execute goal org.apache.maven.plugins:maven-compiler-plugin",
			want:     core.DiagBuildFailure,
			contains: "pom.xml",
		},
		{
			name:     "staging error",
			output:   "Error staging application: StagingError - Unable to detect buildpack",
			want:     core.DiagStagingFailure,
			contains: "buildpack selection / manifest",
		},
		{
			name:     "crash without memory hint",
			output:   "state: CRASHED\nexit description: application exited abnormally",
			want:     core.DiagAppCrashed,
			contains: "crash logs",
		},
		{
			name:     "crash with memory pressure",
			output:   "state: CRASHED\nOut of memory: kill process",
			want:     core.DiagAppCrashed,
			contains: "memory allocation",
		},
		{
			name:     "health check did not pass",
			output:   "health check for instance 0 did not pass within 60s",
			want:     core.DiagHealthCheckTimeout,
			contains: "health-check-timeout",
		},
		{
			name:     "timed out near health",
			output:   "Timed out waiting for health check to succeed",
			want:     core.DiagHealthCheckTimeout,
			contains: "health-check-timeout",
		},
		{
			name:     "start app timeout",
			output:   "Start app timeout exceeded",
			want:     core.DiagHealthCheckTimeout,
			contains: "health-check-timeout",
		},
		{
			name:     "service binding failure with name",
			output:   "Binding service 'user-db' to app wmnd-2026-0001 FAILED\nCould not find service user-db",
			want:     core.DiagServiceBindingFailure,
			contains: "cf create-service user-db",
		},
		{
			name:     "unknown",
			output:   "something inexplicable happened",
			want:     core.DiagUnknown,
			contains: "Inspect raw output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Diagnose(tt.output)
			require.False(t, out.Succeeded)
			require.NotNil(t, out.Diagnosis)
			assert.Equal(t, tt.want, out.Diagnosis.Category)
			assert.Contains(t, out.Diagnosis.EnrichedContext, tt.contains)
			assert.Contains(t, out.Diagnosis.TerminalMessage, "Deployment failed")
		})
	}
}

func TestDiagnose_ServiceNameExtracted(t *testing.T) {
	out := Diagnose("Service binding failed: could not find service \"orders-queue\"")
	require.NotNil(t, out.Diagnosis)
	assert.Equal(t, core.DiagServiceBindingFailure, out.Diagnosis.Category)
	assert.Equal(t, "orders-queue", out.Diagnosis.ServiceName)
}

func TestDiagnose_ServiceNameFallbackNeverNull(t *testing.T) {
	out := Diagnose("Service binding failed")
	require.NotNil(t, out.Diagnosis)
	assert.Equal(t, core.DiagServiceBindingFailure, out.Diagnosis.Category)
	assert.Empty(t, out.Diagnosis.ServiceName)
	assert.NotContains(t, out.Diagnosis.EnrichedContext, "null")
	assert.NotContains(t, out.Diagnosis.EnrichedContext, "%!")
	assert.Contains(t, out.Diagnosis.EnrichedContext, "cf create-service")
}

func TestDiagnose_BlankOutputIsUnknown(t *testing.T) {
	for _, output := range []string{"", "   \n  "} {
		out := Diagnose(output)
		require.NotNil(t, out.Diagnosis)
		assert.Equal(t, core.DiagUnknown, out.Diagnosis.Category)
	}
}

func TestDiagnose_FailureMarkerVetoesSuccess(t *testing.T) {
	out := Diagnose("status: running\nbut earlier: Start unsuccessful\n")
	assert.False(t, out.Succeeded)
}

func TestDiagnose_StandaloneFAILEDLine(t *testing.T) {
	out := Diagnose("Uploading files...\nFAILED\n")
	assert.False(t, out.Succeeded)
	require.NotNil(t, out.Diagnosis)
	assert.Equal(t, core.DiagUnknown, out.Diagnosis.Category)
}
