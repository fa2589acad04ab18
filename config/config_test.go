package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.Nil(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.Nil(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 64, cfg.Session.OrphanBuffer)
	assert.Equal(t, 3*time.Second, cfg.Session.DisposeTimeout)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "gojdi.yaml", `
log:
  level: debug
session:
  addresses: ["127.0.0.1:8000", "127.0.0.1:8001"]
  max_anomalies: 4
  dispose_timeout: 500ms
server:
  port: 9000
launch:
  main_class: com.example.Main
  classpath: [build/classes]
  suspend: false
`)
	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.Nil(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	// 未配置的项保留默认值
	assert.Equal(t, "/var/gojdi.log", cfg.Log.File)
	assert.Equal(t, []string{"127.0.0.1:8000", "127.0.0.1:8001"}, cfg.Session.Addresses)
	assert.Equal(t, 4, cfg.Session.MaxAnomalies)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.DisposeTimeout)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "com.example.Main", cfg.Launch.MainClass)
	assert.False(t, cfg.Launch.Suspend)
	assert.Equal(t, "java", cfg.Launch.Java)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "gojdi.yaml", "server:\n  port: 9000\n")
	t.Setenv("GOJDI_SERVER_PORT", "9100")
	t.Setenv("GOJDI_SESSION_ADDRESSES", "a:1, b:2")
	t.Setenv("GOJDI_LAUNCH_SUSPEND", "false")
	envFile := writeFile(t, "test.env", "GOJDI_LOG_LEVEL=warn\nGOJDI_SERVER_PORT=1\n")
	t.Cleanup(func() { _ = os.Unsetenv("GOJDI_LOG_LEVEL") })

	cfg, err := Load(path, envFile)
	require.Nil(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Session.Addresses)
	assert.False(t, cfg.Launch.Suspend)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.NotNil(t, err)

	bad := writeFile(t, "bad.yaml", "server: [")
	_, err = Load(bad, filepath.Join(t.TempDir(), "missing.env"))
	assert.NotNil(t, err)

	t.Setenv("GOJDI_SERVER_IDLE_TIMEOUT", "soon")
	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "GOJDI_SERVER_IDLE_TIMEOUT")
}
