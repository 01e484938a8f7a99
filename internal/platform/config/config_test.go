package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv_typed(t *testing.T) {
	t.Setenv("CFG_INT", "42")
	t.Setenv("CFG_BAD_INT", "x")
	t.Setenv("CFG_FLOAT", "59.94")
	t.Setenv("CFG_BOOL", "true")

	assert.Equal(t, 42, GetEnvInt("CFG_INT", 1))
	assert.Equal(t, 1, GetEnvInt("CFG_BAD_INT", 1))
	assert.Equal(t, 7, GetEnvInt("CFG_MISSING", 7))
	assert.InDelta(t, 59.94, GetEnvFloat("CFG_FLOAT", 60), 1e-9)
	assert.InDelta(t, 60, GetEnvFloat("CFG_MISSING", 60), 1e-9)
	assert.True(t, GetEnvBool("CFG_BOOL", false))
	assert.False(t, GetEnvBool("CFG_MISSING", false))
	assert.Equal(t, "fallback", GetEnv("CFG_MISSING", "fallback"))
}

func TestLoad_reads_env_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CFG_FROM_FILE=hello\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CFG_FROM_FILE") })

	require.NoError(t, Load(path))
	assert.Equal(t, "hello", GetEnv("CFG_FROM_FILE", ""))

	assert.Error(t, Load(filepath.Join(t.TempDir(), "missing.env")))
}

func TestParseSettings(t *testing.T) {
	defaults := Settings{PlayQuality: 480}
	tests := []struct {
		name  string
		query string
		want  Settings
	}{
		{"empty keeps defaults", "", Settings{PlayQuality: 480}},
		{"qualities", "playQuality=1080&seekQuality=2160&scrubQuality=240",
			Settings{PlayQuality: 1080, SeekQuality: 2160, ScrubQuality: 240}},
		{"frame", "frame=120", Settings{PlayQuality: 480, Frame: 120}},
		{"bare safe mode", "safeMode", Settings{PlayQuality: 480, SafeMode: true}},
		{"safe mode false", "safeMode=false", Settings{PlayQuality: 480}},
		{"malformed ignored", "playQuality=hd&frame=-4", Settings{PlayQuality: 480}},
		{"multiview", "multiview=3,4, 9,x", Settings{PlayQuality: 480, MultiView: []int64{3, 4, 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ParseSettings(q, defaults))
		})
	}
}

func TestDefaultSettings_from_env(t *testing.T) {
	t.Setenv("PLAY_QUALITY", "1080")
	t.Setenv("SAFE_MODE", "1")
	s := DefaultSettings()
	assert.Equal(t, 1080, s.PlayQuality)
	assert.True(t, s.SafeMode)
	assert.Zero(t, s.ScrubQuality)
}
