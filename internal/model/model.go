package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the catalog schema
var DatabaseModels = []interface{}{
	&CatalogInfo{},
	&Video{},
	&Annotation{},
}

// CatalogInfo records the schema version of a catalog database.
type CatalogInfo struct {
	gorm.Model
	SchemaVersion int    `json:"schemaVersion"`
	Description   string `json:"description" gorm:"size:255"`
}

func (*CatalogInfo) TableName() string {
	return "catalog_infos"
}

// Video is one annotated video file. Snapshot holds the last sidecar
// document written for it.
type Video struct {
	ID              uint           `json:"id" gorm:"primarykey;autoIncrement"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt" gorm:"index"`
	Path            string         `json:"path" gorm:"size:1024;uniqueIndex"`
	SidecarPath     string         `json:"sidecarPath" gorm:"size:1024"`
	AnnotationCount int            `json:"annotationCount"`
	Snapshot        datatypes.JSON `json:"snapshot"`
	Annotations     []Annotation   `json:"annotations" gorm:"constraint:OnDelete:CASCADE"`
}

func (*Video) TableName() string {
	return "videos"
}

// Annotation is one catalogued annotation. Seq preserves insertion order
// within its video.
type Annotation struct {
	ID         uint   `json:"id" gorm:"primarykey;autoIncrement"`
	VideoID    uint   `json:"videoId" gorm:"index:idx_video_position,priority:1;not null"`
	UUID       string `json:"uuid" gorm:"size:36;index"`
	Seq        int    `json:"seq"`
	PositionMS int64  `json:"positionMs" gorm:"index:idx_video_position,priority:2"`
	GameTime   string `json:"gameTime" gorm:"size:32"`
	Label      string `json:"label" gorm:"size:64;index"`
	Team       string `json:"team" gorm:"size:8;index"`
	Visibility string `json:"visibility" gorm:"size:16"`
}

func (*Annotation) TableName() string {
	return "annotations"
}
