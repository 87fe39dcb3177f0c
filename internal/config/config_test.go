package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "./dictionary.txt", cfg.Dictionary.Path)
	assert.Equal(t, 30, cfg.Dictionary.SampleCap)
	assert.Equal(t, 6, cfg.Game.MaxPlayers)
	assert.Equal(t, 2, cfg.Game.StartingLives)
	assert.Equal(t, 8, cfg.Game.TurnSeconds)
	assert.Equal(t, 120, cfg.Security.RateLimitMax)
	assert.True(t, cfg.IsDevMode())
}

func TestLoad_FileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\ngame:\n  starting_lives: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Game.StartingLives)
	// 未指定的字段取默认值
	assert.Equal(t, 6, cfg.Game.MaxPlayers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DICT_PATH", "/tmp/mots.txt")
	t.Setenv("ADMIN_TOKEN", "jeton")
	t.Setenv("CORS_ORIGIN", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_MAX", "42")

	cfg := Default()

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "/tmp/mots.txt", cfg.Dictionary.Path)
	assert.Equal(t, "jeton", cfg.Admin.Token)
	assert.False(t, cfg.IsDevMode())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 42, cfg.Security.RateLimitMax)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	assert.Equal(t, int64(8000), cfg.Game.TurnDuration().Milliseconds())
	assert.Equal(t, int64(800), cfg.Game.SubmitCooldown().Milliseconds())
	assert.Equal(t, int64(3000), cfg.Game.ServerControlWindow().Milliseconds())
	assert.Equal(t, int64(45000), cfg.Game.EvictionGraceDuration().Milliseconds())
}
