package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/pkg/contracts"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	scripted := NewScriptedAdapter("infra")
	reg.Register(scripted, "scale_service", "restart_service")

	a, err := reg.Resolve("scale_service")
	require.NoError(t, err)
	assert.Equal(t, "infra", a.Name())

	_, err = reg.Resolve("launch_rocket")
	assert.Equal(t, contracts.KindNotFound, contracts.KindOf(err))
}

func TestScriptedReplay(t *testing.T) {
	s := NewScriptedAdapter("infra").
		Script("scale_service",
			Result{OK: false, Err: "timeout", Retryable: true},
			Result{OK: true, Data: map[string]any{"replicas": 5}},
		)

	action := contracts.StepAction{Type: "scale_service", Target: "api"}

	first, err := s.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.False(t, first.OK)
	assert.True(t, first.Retryable)

	second, err := s.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.Equal(t, map[string]any{"replicas": 5}, second.Data)

	// Exhausted scripts repeat the last result.
	third, err := s.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.True(t, third.OK)

	assert.Equal(t, 3, s.CallCount("scale_service"))
	assert.Zero(t, s.CallCount("restart_service"))
}

func TestScriptedDefaultsToSuccess(t *testing.T) {
	s := NewScriptedAdapter("infra")
	res, err := s.Execute(context.Background(), contracts.StepAction{Type: "notify", Target: "ops"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "notify", res.Data["action"])
}

func TestScriptedHonorsContext(t *testing.T) {
	s := NewScriptedAdapter("infra")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Execute(ctx, contracts.StepAction{Type: "noop"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Calls)
}
