package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamcloud/orchestrator/pkg/model"
)

func TestCreateResult(t *testing.T) {
	cmd, err := model.NewCommand(model.ProjectDelete, &model.User{ID: "user-1", Role: "Admin"}, nil)
	require.NoError(t, err)

	result := model.CreateResult(cmd)

	assert.Equal(t, cmd.CommandID, result.CommandID)
	assert.Equal(t, model.StatusUnknown, result.RuntimeStatus())
	assert.Empty(t, result.Errors)
	assert.False(t, result.CreatedTime.IsZero())
	assert.Equal(t, cmd.Timeout, result.Timeout)
}

func TestRuntimeStatusErrorsOverride(t *testing.T) {
	cmd, err := model.NewCommand(model.ProviderCreate, &model.User{ID: "user-1"}, nil)
	require.NoError(t, err)

	result := model.CreateResult(cmd)
	result.Status = model.StatusCompleted

	assert.Equal(t, model.StatusCompleted, result.RuntimeStatus())

	// Any recorded error forces the observed status to Failed, no matter
	// what the engine reported.
	result.AddError(errors.New("provider conflict"))
	assert.Equal(t, model.StatusFailed, result.RuntimeStatus())

	t.Run("AppliesToWireFormat", func(t *testing.T) {
		b, err := json.Marshal(result)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(b, &decoded))
		assert.Equal(t, string(model.StatusFailed), decoded["runtimeStatus"])
	})
}

func TestApplyStatus(t *testing.T) {
	cmd, err := model.NewCommand(model.ProjectCreate, &model.User{ID: "user-1"}, nil)
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	updated := created.Add(90 * time.Second)

	result := model.CreateResult(cmd)
	result.ApplyStatus(&model.InstanceStatus{
		InstanceID:      cmd.CommandID,
		RuntimeStatus:   model.StatusRunning,
		CustomStatus:    "Waiting on providers.",
		CreatedTime:     created,
		LastUpdatedTime: updated,
	})

	assert.Equal(t, model.StatusRunning, result.RuntimeStatus())
	assert.Equal(t, "Waiting on providers.", result.CustomStatus)
	assert.Equal(t, created, result.CreatedTime)
	assert.Equal(t, updated, result.LastUpdatedTime)
}

func TestCommandErrorRoundTrip(t *testing.T) {
	ce := model.Terminal(errors.New("provider 'azure' failed with status code 409"))

	b, err := json.Marshal(ce)
	require.NoError(t, err)

	var decoded model.CommandError
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, ce.Message, decoded.Message)
	assert.True(t, model.IsTerminal(&decoded))
}

func TestProviderCommandURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"NoPath", "https://provider.example.com", "https://provider.example.com/api/command"},
		{"RootPath", "https://provider.example.com/", "https://provider.example.com/api/command"},
		{"ExplicitPath", "https://provider.example.com/hooks/tc", "https://provider.example.com/hooks/tc"},
		{"Whitespace", "  https://provider.example.com ", "https://provider.example.com/api/command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &model.Provider{ID: "p1", URL: tt.url}
			got, err := p.CommandURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
