package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "annotator.cfg.json"

// AnnotationConfig holds store and autofill tuning.
type AnnotationConfig struct {
	ToleranceMS         int64
	AutofillInterval    int // seconds
	LiveIntervalSeconds int
	LiveToleranceMS     int64
	FFprobePath         string
}

// DBConfig holds Postgres connection settings for the catalog.
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// CatalogConfig selects where saved annotations are mirrored for
// cross-video search.
type CatalogConfig struct {
	Type       string `json:"type" mapstructure:"type"` // none, sqlite or postgres
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlitePath"`
	DB         DBConfig
}

// InfluxConfig holds InfluxDB settings for annotation timeline points.
type InfluxConfig struct {
	Enabled  bool
	Protocol string
	Host     string
	Port     string
	Token    string
	Org      string
	Bucket   string
}

// PlayerConfig holds the WebSocket overlay connection.
type PlayerConfig struct {
	Enabled bool
	URL     string
	Secret  string
}

// GraylogConfig holds GELF log shipping settings.
type GraylogConfig struct {
	Enabled bool
	Address string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled        bool
	ServiceName    string
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Endpoint       string
	Insecure       bool
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./annotatorlogs")

	viper.SetDefault("annotations.toleranceMs", 500)
	viper.SetDefault("autofill.intervalSeconds", 3)
	viper.SetDefault("autofill.liveIntervalSeconds", 3)
	viper.SetDefault("autofill.liveToleranceMs", 1500)
	viper.SetDefault("video.ffprobePath", "ffprobe")

	viper.SetDefault("api.listenAddr", ":8080")

	viper.SetDefault("catalog.type", "none")
	viper.SetDefault("catalog.sqlitePath", "./annotations_catalog.db")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "annotator")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "annotator")
	viper.SetDefault("influx.bucket", "annotations")

	viper.SetDefault("player.enabled", false)
	viper.SetDefault("player.url", "ws://localhost:9090/overlay")
	viper.SetDefault("player.secret", "")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "annotator")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.metricInterval", "30s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetAnnotationConfig returns store, autofill and probe settings.
func GetAnnotationConfig() AnnotationConfig {
	return AnnotationConfig{
		ToleranceMS:         viper.GetInt64("annotations.toleranceMs"),
		AutofillInterval:    viper.GetInt("autofill.intervalSeconds"),
		LiveIntervalSeconds: viper.GetInt("autofill.liveIntervalSeconds"),
		LiveToleranceMS:     viper.GetInt64("autofill.liveToleranceMs"),
		FFprobePath:         viper.GetString("video.ffprobePath"),
	}
}

// GetCatalogConfig returns the catalog mirror settings.
func GetCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Type:       viper.GetString("catalog.type"),
		SQLitePath: viper.GetString("catalog.sqlitePath"),
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
	}
}

// GetInfluxConfig returns the InfluxDB settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetPlayerConfig returns the overlay settings.
func GetPlayerConfig() PlayerConfig {
	return PlayerConfig{
		Enabled: viper.GetBool("player.enabled"),
		URL:     viper.GetString("player.url"),
		Secret:  viper.GetString("player.secret"),
	}
}

// GetGraylogConfig returns the GELF settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        viper.GetBool("otel.enabled"),
		ServiceName:    viper.GetString("otel.serviceName"),
		BatchTimeout:   viper.GetDuration("otel.batchTimeout"),
		MetricInterval: viper.GetDuration("otel.metricInterval"),
		Endpoint:       viper.GetString("otel.endpoint"),
		Insecure:       viper.GetBool("otel.insecure"),
	}
}
