package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()

	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(oldwd))
	})
}

func setRequiredEnv(t *testing.T) {
	t.Helper()

	t.Setenv("TASKMIRROR_API_URL", "https://api.example.com")
	t.Setenv("TASKMIRROR_PUSH_HOST", "sync.example.com")
	t.Setenv("TASKMIRROR_ACCOUNT_ID", "acc-1")
}

func TestLoad(t *testing.T) {
	chdir(t, t.TempDir()) // keep a developer's real .env out of the test

	setRequiredEnv(t)
	t.Setenv("TASKMIRROR_TOKEN", "sess-tok")
	t.Setenv("TASKMIRROR_DEVICE_NAME", "test-laptop")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, "sync.example.com", cfg.PushHost)
	assert.Equal(t, "sess-tok", cfg.Token)
	assert.Equal(t, "acc-1", cfg.AccountID)
	assert.Equal(t, "test-laptop", cfg.DeviceName)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	setRequiredEnv(t)

	// t.Setenv registers the restore; unset so the envDefault applies
	// rather than a present-but-empty value.
	for _, key := range []string{"TASKMIRROR_DEVICE_NAME", "ENVIRONMENT"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.NotEmpty(t, cfg.DeviceName, "device name falls back to the hostname")
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"api url", "TASKMIRROR_API_URL"},
		{"push host", "TASKMIRROR_PUSH_HOST"},
		{"account id", "TASKMIRROR_ACCOUNT_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())

			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.unset)
		})
	}
}
