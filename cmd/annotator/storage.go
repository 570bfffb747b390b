package main

import (
	"context"
	"io"
	"path/filepath"

	"github.com/pitchtag/annotator/internal/config"
	"github.com/pitchtag/annotator/internal/database"
	"github.com/pitchtag/annotator/internal/influx"
	"github.com/pitchtag/annotator/internal/logging"
	"github.com/pitchtag/annotator/internal/storage"
	"github.com/pitchtag/annotator/internal/storage/catalog"
	"github.com/spf13/viper"
)

// createMirrors builds every configured mirror. A mirror that fails to come
// up is logged and skipped; the sidecar file stays authoritative.
func createMirrors(ctx context.Context) (storage.Mirrors, *catalog.Catalog) {
	var mirrors storage.Mirrors
	zl := logging.NewZerolog(logWriter(), viper.GetString("logLevel"))

	cat, err := createCatalog(config.GetCatalogConfig())
	if err != nil {
		Logger.Error("Failed to initialize catalog", "error", err)
	} else if cat != nil {
		mirrors = append(mirrors, cat)
		Logger.Info("Catalog mirror initialized", "type", config.GetCatalogConfig().Type)
	}

	influxCfg := config.GetInfluxConfig()
	if influxCfg.Enabled {
		backupPath := filepath.Join(viper.GetString("logsDir"), AppName+"_influx_backup.lp.gz")
		m := influx.NewManager(zl.With().Str("component", "influx").Logger(), backupPath)
		if err := m.Connect(ctx, influxCfg); err != nil {
			Logger.Error("Failed to initialize InfluxDB", "error", err)
		} else {
			mirrors = append(mirrors, m)
			Logger.Info("InfluxDB mirror initialized", "valid", m.IsValid, "bucket", influxCfg.Bucket)
		}
	}

	return mirrors, cat
}

// logWriter is the session log file, or io.Discard when it could not be
// opened.
func logWriter() io.Writer {
	if LogFile == nil {
		return io.Discard
	}
	return LogFile
}

func createCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	}

	zl := logging.NewZerolog(logWriter(), viper.GetString("logLevel"))
	db := database.NewManager(zl.With().Str("component", "database").Logger())
	if err := db.Connect(cfg); err != nil {
		return nil, err
	}
	cat, err := catalog.New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return cat, nil
}
