package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvDefault(t *testing.T) {
	t.Setenv("UNSET_KEY_XYZ", "")
	assert.Equal(t, "fallback", GetEnv("UNSET_KEY_XYZ", "fallback"))
}

func TestGetEnvDurationParsesOrFallsBack(t *testing.T) {
	t.Setenv("JOB_HARD_CAP_TEST", "45m")
	assert.Equal(t, 45*time.Minute, GetEnvDuration("JOB_HARD_CAP_TEST", time.Hour))

	t.Setenv("JOB_HARD_CAP_TEST", "not-a-duration")
	assert.Equal(t, time.Hour, GetEnvDuration("JOB_HARD_CAP_TEST", time.Hour))
}

func TestGetEnvBoolVariants(t *testing.T) {
	for _, v := range []string{"true", "1", "yes", "Y"} {
		t.Setenv("FLAG_TEST", v)
		assert.True(t, GetEnvBool("FLAG_TEST", false), v)
	}
	for _, v := range []string{"false", "0", "no"} {
		t.Setenv("FLAG_TEST", v)
		assert.False(t, GetEnvBool("FLAG_TEST", true), v)
	}
}

func TestEnvFromProcessDefaultsToDevelopment(t *testing.T) {
	t.Setenv("ENGINE_ENV", "bogus")
	assert.Equal(t, Development, EnvFromProcess())

	t.Setenv("ENGINE_ENV", "production")
	assert.Equal(t, Production, EnvFromProcess())
}

func TestLoadProducesDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 16, cfg.ShardCount)
	assert.Equal(t, 3*time.Hour, cfg.DefaultJobHardCap)
}
