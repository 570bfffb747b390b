package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadJSON writes body as the config file of a fresh dir and loads it.
func loadJSON(t *testing.T, body string) {
	t.Helper()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o600))
	require.NoError(t, Load(dir))
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	loadJSON(t, `{
		"logLevel":    "debug",
		"annotations": { "toleranceMs": 250 },
		"db":          { "host": "10.0.0.1", "port": "5433" }
	}`)

	assert.Equal(t, "debug", GetString("logLevel"))
	assert.Equal(t, 250, GetInt("annotations.toleranceMs"))
	assert.Equal(t, "10.0.0.1", GetString("db.host"))
	assert.Equal(t, "5433", GetString("db.port"))
	assert.Equal(t, "postgres", GetString("db.username"))
}

func TestLoad_Defaults(t *testing.T) {
	loadJSON(t, `{}`)

	for key, want := range map[string]any{
		"logLevel":                 "info",
		"logsDir":                  "./annotatorlogs",
		"annotations.toleranceMs":  500,
		"autofill.intervalSeconds": 3,
		"autofill.liveToleranceMs": 1500,
		"video.ffprobePath":        "ffprobe",
		"api.listenAddr":           ":8080",
		"catalog.type":             "none",
		"db.port":                  "5432",
		"db.database":              "annotator",
		"influx.enabled":           false,
		"influx.bucket":            "annotations",
		"graylog.address":          "localhost:12201",
		"player.url":               "ws://localhost:9090/overlay",
		"otel.enabled":             false,
	} {
		assert.EqualValues(t, want, viper.Get(key), key)
	}
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorContains(t, err, "error reading config file")
	assert.Equal(t, 500, GetInt("annotations.toleranceMs"))
}

func TestTypedGetters(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("api.listenAddr", "127.0.0.1:9000")
	viper.Set("autofill.intervalSeconds", 10)
	viper.Set("graylog.enabled", true)

	assert.Equal(t, "127.0.0.1:9000", GetString("api.listenAddr"))
	assert.Equal(t, 10, GetInt("autofill.intervalSeconds"))
	assert.True(t, GetBool("graylog.enabled"))
}

func TestGetAnnotationConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg := GetAnnotationConfig()
	assert.Equal(t, AnnotationConfig{
		ToleranceMS:         500,
		AutofillInterval:    3,
		LiveIntervalSeconds: 3,
		LiveToleranceMS:     1500,
		FFprobePath:         "ffprobe",
	}, cfg)
}

func TestGetCatalogConfig(t *testing.T) {
	loadJSON(t, `{
		"catalog": { "type": "sqlite", "sqlitePath": "/srv/catalog.db" },
		"db":      { "username": "scout", "database": "matches" }
	}`)

	cc := GetCatalogConfig()
	assert.Equal(t, "sqlite", cc.Type)
	assert.Equal(t, "/srv/catalog.db", cc.SQLitePath)
	assert.Equal(t, DBConfig{
		Host:     "localhost",
		Port:     "5432",
		Username: "scout",
		Password: "postgres",
		Database: "matches",
	}, cc.DB)
}

func TestGetOTelConfig(t *testing.T) {
	loadJSON(t, `{
		"otel": {
			"enabled": true,
			"serviceName": "annotator-booth-2",
			"batchTimeout": "30s",
			"metricInterval": "1m",
			"endpoint": "collector:4318",
			"insecure": false
		}
	}`)

	assert.Equal(t, OTelConfig{
		Enabled:        true,
		ServiceName:    "annotator-booth-2",
		BatchTimeout:   30 * time.Second,
		MetricInterval: time.Minute,
		Endpoint:       "collector:4318",
		Insecure:       false,
	}, GetOTelConfig())
}

func TestGetInfluxAndGraylogConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("influx.enabled", true)
	viper.Set("graylog.address", "graylog:12201")

	ic := GetInfluxConfig()
	assert.True(t, ic.Enabled)
	assert.Equal(t, "http", ic.Protocol)
	assert.Equal(t, "8086", ic.Port)

	gc := GetGraylogConfig()
	assert.False(t, gc.Enabled)
	assert.Equal(t, "graylog:12201", gc.Address)
}

func TestGetPlayerConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg := GetPlayerConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "ws://localhost:9090/overlay", cfg.URL)

	viper.Set("player.enabled", true)
	viper.Set("player.secret", "abc")
	cfg = GetPlayerConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "abc", cfg.Secret)
}
