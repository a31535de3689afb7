package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConfigAppliesDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, "./runs", cfg.RunBase)
	require.Equal(t, 30.0, cfg.BudgetUSDCap)
	require.Equal(t, 3, cfg.CircuitBreaker.ConsecutiveFailureThreshold)
}

func TestNewConfigEnvOverridesDefaults(t *testing.T) {
	t.Setenv("FLOWKERNEL_RUN_BASE", "/tmp/custom-runs")
	t.Setenv("FLOWKERNEL_BUDGET_USD", "99.5")

	cfg, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-runs", cfg.RunBase)
	require.Equal(t, 99.5, cfg.BudgetUSDCap)
}

func TestOptionsOverrideEnv(t *testing.T) {
	t.Setenv("FLOWKERNEL_RUN_BASE", "/tmp/from-env")

	cfg, err := NewConfig(WithRunBase("/tmp/from-option"))
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-option", cfg.RunBase)
}

func TestWithBudgetUSDCapRejectsNegative(t *testing.T) {
	_, err := NewConfig(WithBudgetUSDCap(-1))
	require.Error(t, err)
}

func TestValidateRejectsEmptyRunBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunBase = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsStepLongerThanFlow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.StepSoft = cfg.Timeouts.FlowSoft + 1
	require.Error(t, cfg.Validate())
}

func TestWithRedisEnablesMirror(t *testing.T) {
	cfg, err := NewConfig(WithRedis("redis://localhost:6379"))
	require.NoError(t, err)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
}

func TestRedisURLEnvVarEnablesRedis(t *testing.T) {
	os.Unsetenv("FLOWKERNEL_REDIS_ENABLED")
	t.Setenv("REDIS_URL", "redis://fallback:6379")

	cfg, err := NewConfig()
	require.NoError(t, err)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "redis://fallback:6379", cfg.Redis.URL)
}

func TestLoggerDefaultsToNoOpNever(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.Logger())
}
