// Package catalog mirrors saved annotation lists into a relational database
// (SQLite or PostgreSQL through GORM) so they can be searched across videos.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/pitchtag/annotator/internal/database"
	"github.com/pitchtag/annotator/internal/model"
	"github.com/pitchtag/annotator/internal/storage/sidecar"
	"github.com/pitchtag/annotator/pkg/core"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog implements storage.Mirror on top of a migrated database.
type Catalog struct {
	db  *database.Manager
	log zerolog.Logger
}

// Query filters catalog searches. Empty fields match everything.
type Query struct {
	Label     core.Label
	Team      core.Team
	VideoPath string
	Limit     int
}

// Hit is one search result.
type Hit struct {
	VideoPath  string
	Annotation core.Annotation
}

// New wraps a connected manager and migrates the schema.
func New(db *database.Manager) (*Catalog, error) {
	if db == nil || db.DB == nil {
		return nil, errors.New("catalog database not connected")
	}
	if err := db.Setup(); err != nil {
		return nil, err
	}
	return &Catalog{db: db, log: db.Logger.With().Str("component", "catalog").Logger()}, nil
}

// Sync replaces every catalogued annotation of videoPath with anns inside a
// single transaction.
func (c *Catalog) Sync(videoPath string, anns []core.Annotation) error {
	snapshot, err := sidecar.Encode(sidecar.ToDocument(anns))
	if err != nil {
		return err
	}

	err = c.db.DB.Transaction(func(tx *gorm.DB) error {
		video := model.Video{
			Path:            videoPath,
			SidecarPath:     sidecar.Path(videoPath),
			AnnotationCount: len(anns),
			Snapshot:        datatypes.JSON(snapshot),
			UpdatedAt:       time.Now().UTC(),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"sidecar_path", "annotation_count", "snapshot", "updated_at"}),
		}).Create(&video).Error
		if err != nil {
			return fmt.Errorf("failed to upsert video: %w", err)
		}

		// ID is not reliably populated on the conflict path
		if err := tx.Where("path = ?", videoPath).First(&video).Error; err != nil {
			return fmt.Errorf("failed to reload video: %w", err)
		}

		if err := tx.Where("video_id = ?", video.ID).Delete(&model.Annotation{}).Error; err != nil {
			return fmt.Errorf("failed to clear annotations: %w", err)
		}

		if len(anns) == 0 {
			return nil
		}

		rows := make([]model.Annotation, 0, len(anns))
		for i, a := range anns {
			rows = append(rows, model.Annotation{
				VideoID:    video.ID,
				UUID:       a.ID,
				Seq:        i,
				PositionMS: a.Position,
				GameTime:   a.GameTime,
				Label:      string(a.Label),
				Team:       string(a.Team),
				Visibility: a.Visibility,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to insert annotations: %w", err)
		}
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("video", videoPath).Msg("Catalog sync failed")
		return err
	}

	c.log.Debug().Str("video", videoPath).Int("count", len(anns)).Msg("Catalog synced")
	return nil
}

// Search returns matching annotations ordered by video path, then position,
// then insertion order.
func (c *Catalog) Search(q Query) ([]Hit, error) {
	type row struct {
		model.Annotation
		Path string
	}

	tx := c.db.DB.Table("annotations").
		Select("annotations.*, videos.path AS path").
		Joins("JOIN videos ON videos.id = annotations.video_id")
	if q.Label != "" {
		tx = tx.Where("annotations.label = ?", string(q.Label))
	}
	if q.Team != "" {
		tx = tx.Where("annotations.team = ?", string(q.Team))
	}
	if q.VideoPath != "" {
		tx = tx.Where("videos.path = ?", q.VideoPath)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []row
	err := tx.Order("videos.path ASC").
		Order("annotations.position_ms ASC").
		Order("annotations.seq ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}

	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, Hit{
			VideoPath: r.Path,
			Annotation: core.Annotation{
				ID:         r.UUID,
				Position:   r.PositionMS,
				GameTime:   r.GameTime,
				Label:      core.Label(r.Label),
				Team:       core.Team(r.Team),
				Visibility: r.Visibility,
			},
		})
	}
	return hits, nil
}

// Videos lists catalogued videos ordered by path. Snapshots are not loaded.
func (c *Catalog) Videos() ([]model.Video, error) {
	var videos []model.Video
	err := c.db.DB.Omit("snapshot").Order("path ASC").Find(&videos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	return videos, nil
}

// Snapshot returns the last sidecar document synced for videoPath.
func (c *Catalog) Snapshot(videoPath string) ([]core.Annotation, error) {
	var video model.Video
	if err := c.db.DB.Where("path = ?", videoPath).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &core.NotFoundError{Kind: "video", Key: videoPath}
		}
		return nil, err
	}
	doc, err := sidecar.Decode(video.Snapshot)
	if err != nil {
		return nil, err
	}
	return sidecar.FromDocument(doc), nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Dump writes a standalone copy of a SQLite catalog to path.
func (c *Catalog) Dump(path string) error {
	return c.db.DumpToDisk(path)
}
