package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/statekeep/internal/supervisor"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, DefaultStateFile, cfg.StateFile)
	assert.Equal(t, "state", cfg.InputMode)
	assert.Equal(t, 300*time.Millisecond, cfg.Supervisor.IdleTimeout)
	assert.Equal(t, 20, cfg.Supervisor.PollDivisor)
	assert.Equal(t, time.Second, cfg.Supervisor.HeartbeatInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "color", cfg.Log.Format)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.False(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Retention.Enabled())
}

func TestDefaultMatchesLoad(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, cfg, Default())
}

func TestLoad_JSON(t *testing.T) {
	p := write(t, "state.conf.json", `{
  "state_file": "/var/lib/app/state.json",
  "application": "python3 app.py",
  "input_mode": "envelope",
  "supervisor": {"idle_timeout": "2s", "poll_divisor": 10, "stop_on_idle": true},
  "history": ["sqlite:///tmp/h.db"],
  "metrics": {"enabled": true, "child_sample_interval": "5s"},
  "server": {"listen": ":8080", "tls": {"enabled": true, "dir": "/etc/statekeep/tls", "auto_generate": true}},
  "retention": {"schedule": "@daily", "keep_states": 100},
  "env": ["MODE=prod"]
}`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/app/state.json", cfg.StateFile)
	assert.Equal(t, "python3 app.py", cfg.Application)
	assert.Equal(t, []string{"sqlite:///tmp/h.db"}, cfg.History)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, "/etc/statekeep/tls", cfg.Server.TLS.Dir)
	assert.Equal(t, 100, cfg.Retention.KeepStates)
	assert.Equal(t, []string{"MODE=prod"}, cfg.Env)

	opts := cfg.SupervisorOptions()
	assert.Equal(t, 2*time.Second, opts.IdleTimeout)
	assert.Equal(t, 10, opts.PollDivisor)
	assert.Equal(t, time.Second, opts.HeartbeatInterval, "untouched keys keep defaults")
	assert.True(t, opts.StopOnIdle)
	assert.Equal(t, supervisor.InputEnvelope, opts.InputMode)
	assert.Equal(t, 5*time.Second, opts.SampleInterval)
}

func TestLoad_TOMLAndYAML(t *testing.T) {
	toml := write(t, "c.toml", `
state_file = "s.json"
[supervisor]
idle_timeout = "500ms"
[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(toml)
	require.NoError(t, err)
	assert.Equal(t, "s.json", cfg.StateFile)
	assert.Equal(t, 500*time.Millisecond, cfg.Supervisor.IdleTimeout)
	assert.Equal(t, "json", cfg.Log.Format)

	yaml := write(t, "c.yaml", "state_file: y.json\nserver:\n  base_path: /v1\n")
	cfg, err = Load(yaml)
	require.NoError(t, err)
	assert.Equal(t, "y.json", cfg.StateFile)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STATEKEEP_STATE_FILE", "from-env.json")
	t.Setenv("STATEKEEP_SUPERVISOR_IDLE_TIMEOUT", "750ms")
	p := write(t, "c.json", `{"state_file": "from-file.json"}`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env.json", cfg.StateFile)
	assert.Equal(t, 750*time.Millisecond, cfg.Supervisor.IdleTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"input mode":  `{"input_mode": "xml"}`,
		"divisor":     `{"supervisor": {"poll_divisor": 0}}`,
		"idle":        `{"supervisor": {"idle_timeout": "-1s"}}`,
		"log level":   `{"log": {"level": "loud"}}`,
		"schedule":    `{"retention": {"schedule": "whenever"}}`,
		"auth users":  `{"server": {"auth": {"enabled": true}}}`,
		"bad syntax":  `{"state_file": `,
		"empty state": `{"state_file": ""}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, "c.json", content))
			assert.Error(t, err)
		})
	}
}

func TestProcessSpec_ComposesEnv(t *testing.T) {
	t.Setenv("STATEKEEP_TEST_BASE", "base")
	envFile := write(t, "app.env", "FROM_FILE=${STATEKEEP_TEST_BASE}-file\nMODE=file\n")

	cfg := Default()
	cfg.WorkDir = "/srv/app"
	cfg.Supervisor.ProcessGroup = true
	cfg.EnvFiles = []string{envFile}
	cfg.Env = []string{"MODE=config", "DATA=${STATEKEEP_TEST_BASE}/data"}

	spec, err := cfg.ProcessSpec("python3 app.py")
	require.NoError(t, err)
	assert.Equal(t, "python3 app.py", spec.Command)
	assert.Equal(t, "/srv/app", spec.WorkDir)
	assert.True(t, spec.ProcessGroup)
	assert.Contains(t, spec.Env, "MODE=config")
	assert.Contains(t, spec.Env, "FROM_FILE=base-file")
	assert.Contains(t, spec.Env, "DATA=base/data")
	assert.Contains(t, spec.Env, "STATEKEEP_TEST_BASE=base")

	cfg.EnvFiles = []string{filepath.Join(t.TempDir(), "missing.env")}
	_, err = cfg.ProcessSpec("app")
	assert.Error(t, err)
}
