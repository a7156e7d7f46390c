package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/worldmind/worldmind/internal/core"
)

func TestInterpretSuccess(t *testing.T) {
	changed := []core.FileChange{{Path: "a.go", ChangeOp: core.FileChangeModified}}

	tests := []struct {
		name     string
		agent    core.Agent
		exitCode int
		changes  []core.FileChange
		want     core.TaskStatus
	}{
		{"coder with changes owes the gate", core.AgentCoder, 0, changed, core.TaskVerifying},
		{"refactorer with changes owes the gate", core.AgentRefactorer, 0, changed, core.TaskVerifying},
		{"coder exit 0 without changes fails", core.AgentCoder, 0, nil, core.TaskFailed},
		{"coder nonzero exit with changes still verifies", core.AgentCoder, 1, changed, core.TaskVerifying},
		{"researcher exit 0 passes directly", core.AgentResearcher, 0, nil, core.TaskPassed},
		{"researcher nonzero exit fails", core.AgentResearcher, 1, nil, core.TaskFailed},
		{"deployer exit 0 passes without changes", core.AgentDeployer, 0, nil, core.TaskPassed},
		{"tester with changes passes", core.AgentTester, 0, changed, core.TaskPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, interpretSuccess(tt.agent, tt.exitCode, tt.changes))
		})
	}
}

func TestServiceBindings(t *testing.T) {
	state := core.NewMissionState("m-1", "t-1", "r", core.InteractionFullAuto, true)

	assert.Nil(t, serviceBindings(state), "no answers yet")

	answer := "user-db, session-cache"
	state.ClarifyingAnswers = &answer
	assert.Equal(t, []string{"user-db", "session-cache"}, serviceBindings(state))

	none := "No services needed"
	state.ClarifyingAnswers = &none
	assert.Equal(t, []string{"No services needed"}, serviceBindings(state))

	prose := "We should probably bind the user-db\nand nothing else thanks"
	state.ClarifyingAnswers = &prose
	assert.NotContains(t, serviceBindings(state), "We should probably bind the user-db")
}
