package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pitchtag/annotator/internal/annotation"
	"github.com/pitchtag/annotator/internal/config"
	"github.com/pitchtag/annotator/internal/logging"
	intOtel "github.com/pitchtag/annotator/internal/otel"
	"github.com/pitchtag/annotator/internal/player"
	"github.com/pitchtag/annotator/internal/storage"
	"github.com/pitchtag/annotator/internal/storage/catalog"

	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.1.0"
	BuildDate      string = "unknown"

	AppName string = "annotator"
)

// global variables
var (
	// SlogManager handles all slog-based logging
	SlogManager *logging.SlogManager

	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger

	// OTelProvider handles OpenTelemetry
	OTelProvider *intOtel.Provider

	SessionStartTime time.Time = time.Now()

	LogFilePath string
	LogFile     *os.File

	// Mirrors receive every saved annotation list (catalog, InfluxDB)
	Mirrors storage.Mirrors

	// Catalog is set when catalog.type is sqlite or postgres
	Catalog *catalog.Catalog

	// Overlay is set when player.enabled is true
	Overlay *player.Overlay

	// currentVideo feeds the video attribute of every log record
	currentVideo func() string

	// playheadReports receives overlay playhead reports while serving
	playheadReports func(position, duration int64)

	// replaced in tests
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config and initializes logging, telemetry and mirrors.
func setup(configDir string, quiet bool) {
	var err error

	SlogManager = logging.NewSlogManager()
	Logger = slog.New(logging.ConsoleHandler(stderr, "warn"))

	err = config.Load(configDir)
	if err != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		Logger.Debug("Loaded config", "dir", configDir)
	}

	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		Logger.Error("Failed to create logs directory", "error", err, "path", logsDir)
	}

	LogFilePath = logging.LogFilePath(logsDir, AppName, SessionStartTime)
	LogFile, err = os.OpenFile(LogFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		Logger.Error("Failed to create/open log file!", "error", err, "path", LogFilePath)
		LogFile = nil
	}

	// Initialize OTel provider if enabled (after log file is created)
	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		OTelProvider, err = intOtel.New(intOtel.Config{
			Enabled:        otelCfg.Enabled,
			ServiceName:    otelCfg.ServiceName,
			BatchTimeout:   otelCfg.BatchTimeout,
			MetricInterval: otelCfg.MetricInterval,
			LogWriter:      logWriter(),
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			Logger.Error("Failed to initialize OTel provider", "error", err)
			OTelProvider = nil
		}
	}

	var extra []slog.Handler
	if !quiet {
		// warnings also reach the terminal; command output owns stdout
		extra = append(extra, logging.ConsoleHandler(stderr, "warn"))
	}
	graylogCfg := config.GetGraylogConfig()
	if graylogCfg.Enabled {
		h, err := SlogManager.GraylogHandler(graylogCfg.Address, viper.GetString("logLevel"))
		if err != nil {
			Logger.Error("Failed to connect to Graylog", "error", err, "address", graylogCfg.Address)
		} else {
			extra = append(extra, h)
		}
	}

	var otelLogProvider *sdklog.LoggerProvider
	if OTelProvider != nil {
		otelLogProvider = OTelProvider.LoggerProvider()
	}

	SlogManager.Setup(logWriter(), viper.GetString("logLevel"), otelLogProvider, extra...)
	SlogManager.UseContext(logging.VideoAttrs(videoPath))
	Logger = SlogManager.Logger()
	Logger.Debug("Logging initialized", "path", LogFilePath, "version", CurrentVersion, "build", BuildDate)

	Mirrors, Catalog = createMirrors(context.Background())

	playerCfg := config.GetPlayerConfig()
	if playerCfg.Enabled {
		Overlay = player.New(player.Config{
			URL:     playerCfg.URL,
			Secret:  playerCfg.Secret,
			App:     AppName,
			Version: CurrentVersion,
		}, Logger, func(position, duration int64) {
			if playheadReports != nil {
				playheadReports(position, duration)
			}
		})
		if err := Overlay.Init(); err != nil {
			Logger.Warn("Player overlay unavailable", "error", err, "url", playerCfg.URL)
			Overlay = nil
		}
	}
}

func videoPath() string {
	if currentVideo != nil {
		return currentVideo()
	}
	return ""
}

func shutdown() {
	if Mirrors != nil {
		if err := Mirrors.Close(); err != nil {
			Logger.Warn("Failed to close mirrors", "error", err)
		}
		Mirrors = nil
	}
	Catalog = nil
	if Overlay != nil {
		_ = Overlay.Close()
		Overlay = nil
	}
	playheadReports = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			Logger.Warn("Failed to shut down OTel provider", "error", err)
		}
		OTelProvider = nil
	}
	if SlogManager != nil {
		_ = SlogManager.Flush(ctx)
		_ = SlogManager.Close()
	}
	if LogFile != nil {
		_ = LogFile.Close()
		LogFile = nil
	}
	currentVideo = nil
}

// storeOptions wires the logger, meter and mirrors into a store.
func storeOptions() []annotation.Option {
	opts := []annotation.Option{
		annotation.WithLogger(Logger),
		annotation.WithMeter(OTelProvider.Meter("github.com/pitchtag/annotator")),
	}
	if len(Mirrors) > 0 {
		opts = append(opts, annotation.WithMirror(Mirrors))
	}
	if Overlay != nil {
		opts = append(opts, annotation.WithSink(Overlay))
	}
	return opts
}

// openStore binds path with every configured collaborator. A sidecar
// that cannot be created is only logged; edits then stay in memory.
func openStore(path string) *annotation.Store {
	// the first overlay frame is rendered while binding
	currentVideo = func() string { return path }
	st, err := annotation.Open(path, storeOptions()...)
	currentVideo = st.VideoPath
	if err != nil {
		Logger.Warn("Annotations are not saved to disk", "error", err)
	}
	return st
}
