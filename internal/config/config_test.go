package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/frpvisor/internal/logger"
	"github.com/loykin/frpvisor/internal/ratelimit"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "frpvisor.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.Restart, cfg.Restart)
	assert.Equal(t, d.Supervisor, cfg.Supervisor)
	assert.Equal(t, d.Rotation, cfg.Rotation)
	assert.Equal(t, "frpvisor.db", cfg.Store.DSN)
	assert.Equal(t, ratelimit.DefaultPolicy(), cfg.Restart.Policy())
	assert.Equal(t, int64(10*1024*1024), cfg.Rotation.Threshold())
	assert.Equal(t, "@every 5m", cfg.Rotation.Schedule)
	assert.True(t, cfg.Alert.Log)
	assert.False(t, cfg.Alert.MQTT.Enabled)
}

func TestLoadFull(t *testing.T) {
	p := writeTOML(t, `
[paths]
binary = "/usr/local/bin/frpc"
configs_dir = "configs"
allowed_dirs = ["/etc/frp"]
logs_dir = "/var/log/frpvisor"

[store]
dsn = "postgres://u:p@db/frp"

[restart]
max_restarts = 5
window = "10m"
cooldown = "30s"

[supervisor]
interval = "5s"
debounce = "2m"
sample_resources = true

[rotation]
threshold_mb = 20
max_backups = 3
schedule = "0 */10 * * * *"

[log]
level = "debug"
format = "json"
file = "frpvisor.log"

[server]
listen = ":9000"

[history]
sinks = ["history.db", "clickhouse://localhost:9000/default"]

[alert.mqtt]
enabled = true
broker = "tcp://broker:1883"
topic_prefix = "site-a"
qos = 2
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	dir := filepath.Dir(p)

	assert.Equal(t, "/usr/local/bin/frpc", cfg.Paths.Binary)
	assert.Equal(t, filepath.Join(dir, "configs"), cfg.Paths.ConfigsDir)
	assert.Equal(t, []string{filepath.Join(dir, "configs"), "/etc/frp"}, cfg.Paths.Allowed())
	assert.Equal(t, "/var/log/frpvisor", cfg.Paths.LogsDir)
	assert.Equal(t, "postgres://u:p@db/frp", cfg.Store.DSN)
	assert.Equal(t, ratelimit.Policy{MaxRestarts: 5, Window: 10 * time.Minute, Cooldown: 30 * time.Second}, cfg.Restart.Policy())
	assert.Equal(t, 5*time.Second, cfg.Supervisor.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Supervisor.Debounce)
	assert.True(t, cfg.Supervisor.SampleResources)
	assert.Equal(t, int64(20*1024*1024), cfg.Rotation.Threshold())
	assert.Equal(t, logger.LevelDebug, cfg.Log.Level)
	assert.Equal(t, logger.FormatJSON, cfg.Log.Format)
	assert.Equal(t, filepath.Join(dir, "frpvisor.log"), cfg.Log.File)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Len(t, cfg.History.Sinks, 2)
	assert.True(t, cfg.Alert.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.Alert.MQTT.Broker)
	assert.Equal(t, "site-a", cfg.Alert.MQTT.TopicPrefix)
	assert.Equal(t, 2, cfg.Alert.MQTT.QoS)
	assert.Equal(t, "frpvisor", cfg.Alert.MQTT.ClientID)
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeTOML(t, `
[store]
dsn = "file.db"
[restart]
max_restarts = 4
`)
	t.Setenv("FRPVISOR_STORE_DSN", "env.db")
	t.Setenv("FRPVISOR_SUPERVISOR_INTERVAL", "3s")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Store.DSN)
	assert.Equal(t, 3*time.Second, cfg.Supervisor.Interval)
	assert.Equal(t, 4, cfg.Restart.MaxRestarts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	p := writeTOML(t, `
[restart]
max_restarts = 0
window = "-1s"
[rotation]
schedule = "every now and then"
[log]
format = "xml"
[alert.mqtt]
enabled = true
qos = 3
`)
	_, err := Load(p)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"restart.max_restarts",
		"restart.window",
		"rotation.schedule",
		"log.format",
		"alert.mqtt.broker",
		"alert.mqtt.qos",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateServer(t *testing.T) {
	cfg := Default()
	cfg.Server.Listen = ""
	require.ErrorContains(t, cfg.Validate(), "server.listen")

	cfg.Server.Enabled = false
	require.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Server.BasePath = "api"
	require.ErrorContains(t, cfg.Validate(), "server.base_path")
}

func TestValidateRequiresConfinementDir(t *testing.T) {
	cfg := Default()
	cfg.Paths.ConfigsDir = ""
	require.ErrorContains(t, cfg.Validate(), "paths.configs_dir")

	cfg.Paths.AllowedDirs = []string{"/srv/frp"}
	require.NoError(t, cfg.Validate())
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Paths.ConfigsDir = filepath.Join(base, "c")
	cfg.Paths.LogsDir = filepath.Join(base, "l", "nested")
	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.Paths.ConfigsDir)
	assert.DirExists(t, cfg.Paths.LogsDir)
}
