package execution_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/execution"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

func TestResolveExactVersion(t *testing.T) {
	r := execution.DefaultRegistry()

	m, err := r.Resolve("create_crm_task", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "crm.tasks.create", m.ToolName)
	assert.Equal(t, contracts.CompensationAutomatic, m.CompensationStrategy)
}

func TestResolveFallsBackWithinMajor(t *testing.T) {
	r := execution.NewRegistry()
	require.NoError(t, r.Register(execution.ToolMapping{
		ActionType: "create_crm_task", ActionVersion: "1.1.0",
		ToolName: "crm.tasks.create.v11", SchemaVersion: "s1",
		CompensationStrategy: contracts.CompensationManual,
	}))
	require.NoError(t, r.Register(execution.ToolMapping{
		ActionType: "create_crm_task", ActionVersion: "1.4.0",
		ToolName: "crm.tasks.create.v14", SchemaVersion: "s1",
		CompensationStrategy: contracts.CompensationManual,
	}))
	require.NoError(t, r.Register(execution.ToolMapping{
		ActionType: "create_crm_task", ActionVersion: "2.0.0",
		ToolName: "crm.tasks.create.v2", SchemaVersion: "s2",
		CompensationStrategy: contracts.CompensationManual,
	}))

	m, err := r.Resolve("create_crm_task", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "crm.tasks.create.v14", m.ToolName)

	_, err = r.Resolve("create_crm_task", "3.0.0")
	require.Error(t, err)
	assert.True(t, taxonomy.IsInvariant(err))
}

func TestRegisterRejectsBadMappings(t *testing.T) {
	r := execution.NewRegistry()

	err := r.Register(execution.ToolMapping{
		ActionType: "x", ActionVersion: "not-semver", ToolName: "t",
		CompensationStrategy: contracts.CompensationManual,
	})
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeConfig, taxonomy.Classify(err))

	good := execution.ToolMapping{
		ActionType: "x", ActionVersion: "1.0.0", ToolName: "t",
		CompensationStrategy: contracts.CompensationManual,
	}
	require.NoError(t, r.Register(good))
	err = r.Register(good)
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeConfig, taxonomy.Classify(err))
}

func TestValidateParams(t *testing.T) {
	r := execution.DefaultRegistry()
	m, err := r.Resolve("create_crm_task", "1.0.0")
	require.NoError(t, err)

	require.NoError(t, m.ValidateParams(map[string]any{
		"subject": "renewal check-in", "priority": "high", "due_in_days": 3,
	}))

	err = m.ValidateParams(map[string]any{"priority": "high"})
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeValidation, taxonomy.Classify(err))

	err = m.ValidateParams(map[string]any{"subject": "x", "priority": "urgent"})
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeValidation, taxonomy.Classify(err))
}
