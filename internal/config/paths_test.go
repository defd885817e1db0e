package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePaths_HomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv("STRAND_HOME", base)

	p, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, base, p.Base)
	assert.Equal(t, filepath.Join(base, "config.yaml"), p.Config)
	assert.Equal(t, filepath.Join(base, "auth.json"), p.Auth)
	assert.Equal(t, filepath.Join(base, "sessions"), p.Sessions)
	assert.Equal(t, filepath.Join(base, "data"), p.Data)
}

func TestResolvePaths_Default(t *testing.T) {
	t.Setenv("STRAND_HOME", "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	p, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".strand"), p.Base)
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("STRAND_HOME", filepath.Join(t.TempDir(), "nested", "home"))

	p, err := ResolvePaths()
	require.NoError(t, err)
	require.NoError(t, p.EnsureDirs())

	for _, d := range []string{p.Base, p.Sessions, p.Logs, p.Data} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestPathOverridesFromConfig(t *testing.T) {
	p := Paths{
		Sessions: "/home/u/.strand/sessions",
		Data:     "/home/u/.strand/data",
		Auth:     "/home/u/.strand/auth.json",
	}
	cfg := Defaults()

	assert.Equal(t, p.Sessions, p.SessionsDir(cfg))
	assert.Equal(t, "/home/u/.strand/data/index.db", p.IndexPath(cfg))
	assert.Equal(t, p.Auth, p.AuthFile(cfg))

	cfg.Rollout.Dir = "/srv/rollouts"
	cfg.Index.Path = "/srv/index.db"
	cfg.Auth.File = "/etc/strand/auth.json"
	assert.Equal(t, "/srv/rollouts", p.SessionsDir(cfg))
	assert.Equal(t, "/srv/index.db", p.IndexPath(cfg))
	assert.Equal(t, "/etc/strand/auth.json", p.AuthFile(cfg))
}

func TestParseConfigPath_Extended(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single segment", "gateway", []string{"gateway"}, false},
		{"three segments", "gateway.auth.mode", []string{"gateway", "auth", "mode"}, false},
		{"empty", "", nil, true},
		{"leading dot", ".gateway", nil, true},
		{"trailing dot", "gateway.", nil, true},
		{"blocked __proto__", "foo.__proto__.bar", nil, true},
		{"blocked prototype", "prototype.x", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				var ce *ConfigError
				assert.ErrorAs(t, err, &ce)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
