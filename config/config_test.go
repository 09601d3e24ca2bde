package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 15*time.Second, cfg.HTTPPerRequestTimeout)
	require.Equal(t, 10*time.Second, cfg.AggregateDeadline)
	require.Equal(t, 3, cfg.HTTPMaxRetries)
	require.Equal(t, 250, cfg.HTTPBackoffBaseMS)
	require.Equal(t, 200, cfg.HealthWindowSize)
	require.Equal(t, 604800*time.Second, cfg.HealthWindowDuration)
	require.True(t, cfg.URLRestrictedMode)
	require.True(t, cfg.InstallDefaultEnabled)
}

func TestFromEnv_OverridesRecognisedKeys(t *testing.T) {
	t.Setenv("AGGREGATE_DEADLINE", "20")
	t.Setenv("HTTP_MAX_RETRIES", "5")
	t.Setenv("URL_RESTRICTED_MODE", "false")
	t.Setenv("PORT", "9090")

	cfg := FromEnv()
	require.Equal(t, 20*time.Second, cfg.AggregateDeadline)
	require.Equal(t, 5, cfg.HTTPMaxRetries)
	require.False(t, cfg.URLRestrictedMode)
	require.Equal(t, ":9090", cfg.ListenAddr)
	// unset keys still take their default
	require.Equal(t, 15*time.Second, cfg.HTTPPerRequestTimeout)
}

func TestFromEnv_IgnoresUnparsableValue(t *testing.T) {
	t.Setenv("HTTP_MAX_RETRIES", "not-a-number")
	cfg := FromEnv()
	require.Equal(t, 3, cfg.HTTPMaxRetries)
}
