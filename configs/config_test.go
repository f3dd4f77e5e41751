package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 5*time.Minute, cfg.Tasks.ProcessingTimeout)
	assert.Equal(t, "requests", cfg.Tasks.Queue)
	assert.Equal(t, "local", cfg.Export.DestinationType)
	assert.Same(t, cfg, AppConfig)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("PROCESSING_TIMEOUT", "90s")
	t.Setenv("DATABASE_READ_URLS", "replica-a, ,replica-b")
	t.Setenv("EXPORT_DESTINATION_TYPE", "ftp")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 90*time.Second, cfg.Tasks.ProcessingTimeout)
	assert.Equal(t, []string{"replica-a", "replica-b"}, cfg.ReadURLs())
	assert.Equal(t, "ftp", cfg.Export.DestinationType)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			JWTSecret: "secret",
			Tasks: TaskConfig{
				ProcessingTimeout:   time.Minute,
				SweepInterval:       time.Second,
				DispatchMaxAttempts: 1,
			},
			Export: ExportConfig{DestinationType: "local"},
		}
	}
	require.NoError(t, base().Validate())

	cfg := base()
	cfg.JWTSecret = "  "
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Tasks.ProcessingTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Tasks.DispatchMaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Export.DestinationType = "s3"
	assert.Error(t, cfg.Validate())
}
