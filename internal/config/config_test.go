package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_EnvOnlyWhenFileMissing(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/voxsign")
	t.Setenv("SPEAKER_API_KEY", "")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@localhost/voxsign", cfg.Postgres.DSN)
	assert.Equal(t, 30*time.Second, cfg.Speaker.Timeout)
	assert.Equal(t, 1000, cfg.Speaker.MinAudioBytes)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, "@every 10m", cfg.Sweep.Cron)
	assert.True(t, cfg.SpeakerMockMode())
}

func TestLoadConfig_YAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := []byte(`
speaker:
  api_key: from-file
  region: westeurope
s3:
  bucket: recordings
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv("S3_BUCKET", "override")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Speaker.APIKey)
	assert.Equal(t, "westeurope", cfg.Speaker.Region)
	assert.Equal(t, "override", cfg.S3.Bucket)
	assert.False(t, cfg.SpeakerMockMode())
}
