// Package influx mirrors annotation timelines into InfluxDB.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/pitchtag/annotator/internal/config"
	"github.com/pitchtag/annotator/pkg/core"
)

// Measurement is the measurement name of annotation points.
const Measurement = "annotation"

// backup is a gzipped line-protocol file used while the server is down.
type backup struct {
	file *os.File
	gz   *gzip.Writer
}

func openBackup(path string) (*backup, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open backup file: %w", err)
	}
	return &backup{file: f, gz: gzip.NewWriter(f)}, nil
}

func (b *backup) write(p *influxdb2_write.Point) error {
	line := influxdb2_write.PointToLineProtocol(p, time.Nanosecond)
	if _, err := b.gz.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write influx backup: %w", err)
	}
	return nil
}

func (b *backup) close() error {
	return errors.Join(b.gz.Close(), b.file.Close())
}

// Manager writes annotation timelines to InfluxDB. When the server is
// unreachable points go to a gzipped line-protocol backup file instead.
type Manager struct {
	Client     influxdb2.Client
	Writer     influxdb2_api.WriteAPI
	IsValid    bool
	Org        string
	Bucket     string
	Logger     zerolog.Logger
	BackupPath string

	backup *backup
	now    func() time.Time
}

// NewManager creates a new InfluxDB manager.
func NewManager(log zerolog.Logger, backupPath string) *Manager {
	return &Manager{
		Logger:     log,
		BackupPath: backupPath,
		now:        time.Now,
	}
}

// Connect pings the server and prepares org, bucket and writer. An
// unreachable server switches the manager to the backup file.
func (m *Manager) Connect(ctx context.Context, cfg config.InfluxConfig) error {
	if !cfg.Enabled {
		return errors.New("influx.enabled is false")
	}
	m.Org, m.Bucket = cfg.Org, cfg.Bucket

	opts := influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000)
	m.Client = influxdb2.NewClientWithOptions(fmt.Sprintf("%s://%s:%s", cfg.Protocol, cfg.Host, cfg.Port), cfg.Token, opts)

	if up, err := m.Client.Ping(ctx); err != nil || !up {
		m.Logger.Info().Str("backupPath", m.BackupPath).Msg("InfluxDB unreachable, writing annotation points to backup file")
		return m.openBackup()
	}

	org, err := m.ensureOrg(ctx)
	if err != nil {
		return err
	}
	if err := m.ensureBucket(ctx, org); err != nil {
		return err
	}

	m.Writer = m.Client.WriteAPI(m.Org, m.Bucket)
	go m.drainErrors(m.Writer.Errors())
	m.IsValid = true
	m.Logger.Info().Str("bucket", m.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	if m.backup != nil {
		return nil
	}
	b, err := openBackup(m.BackupPath)
	if err != nil {
		return err
	}
	m.backup = b
	return nil
}

func (m *Manager) ensureOrg(ctx context.Context) (*domain.Organization, error) {
	orgs := m.Client.OrganizationsAPI()
	if org, err := orgs.FindOrganizationByName(ctx, m.Org); err == nil {
		return org, nil
	}
	m.Logger.Info().Str("org", m.Org).Msg("Creating InfluxDB organization")
	org, err := orgs.CreateOrganizationWithName(ctx, m.Org)
	if err != nil {
		return nil, fmt.Errorf("create org %s: %w", m.Org, err)
	}
	return org, nil
}

// ensureBucket creates the bucket without a retention rule.
func (m *Manager) ensureBucket(ctx context.Context, org *domain.Organization) error {
	buckets := m.Client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, m.Bucket); err == nil {
		return nil
	}
	m.Logger.Info().Str("bucket", m.Bucket).Msg("Creating InfluxDB bucket")
	if _, err := buckets.CreateBucketWithName(ctx, org, m.Bucket); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.Bucket, err)
	}
	return nil
}

func (m *Manager) drainErrors(errs <-chan error) {
	for err := range errs {
		m.Logger.Error().Err(err).Str("bucket", m.Bucket).Msg("InfluxDB write failed")
	}
}

// Sync writes one point per annotation of videoPath.
func (m *Manager) Sync(videoPath string, anns []core.Annotation) error {
	for _, p := range AnnotationPoints(videoPath, anns, m.now()) {
		if err := m.WritePoint(p); err != nil {
			return err
		}
	}
	m.Logger.Trace().Str("video", videoPath).Int("count", len(anns)).Msg("Annotation points written")
	return nil
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	switch {
	case m.IsValid && m.Writer != nil:
		m.Writer.WritePoint(point)
		return nil
	case m.IsValid:
		return fmt.Errorf("no writer for bucket %q", m.Bucket)
	case m.backup != nil:
		return m.backup.write(point)
	default:
		return errors.New("influx not connected and no backup file open")
	}
}

// Close flushes pending points and releases the client and backup file.
func (m *Manager) Close() error {
	if m.Writer != nil {
		m.Writer.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}
	if m.backup == nil {
		return nil
	}
	err := m.backup.close()
	m.backup = nil
	return err
}

// AnnotationPoints converts anns to points stamped at syncedAt. Points are
// offset by their index in nanoseconds so identical tag sets do not
// overwrite each other.
func AnnotationPoints(videoPath string, anns []core.Annotation, syncedAt time.Time) []*influxdb2_write.Point {
	points := make([]*influxdb2_write.Point, 0, len(anns))
	for i, a := range anns {
		p := influxdb2_write.NewPoint(Measurement,
			map[string]string{"video": videoPath, "label": string(a.Label), "team": string(a.Team)},
			map[string]interface{}{"position_ms": a.Position, "game_time": a.GameTime},
			syncedAt.Add(time.Duration(i)))
		points = append(points, p)
	}
	return points
}
