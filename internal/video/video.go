// Package video defines what the annotation store needs from the playback
// side: frame metadata for autofill and the current playhead position.
package video

import (
	"context"
	"time"
)

// Metadata is the frame information of a video file.
type Metadata struct {
	FrameRate  float64
	FrameCount int64
}

// Duration is FrameCount / FrameRate. Zero when the frame rate is unknown.
func (m Metadata) Duration() time.Duration {
	if m.FrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(m.FrameCount) / m.FrameRate * float64(time.Second))
}

// DurationSeconds is the duration as a float, matching how autofill compares
// interval boundaries.
func (m Metadata) DurationSeconds() float64 {
	if m.FrameRate <= 0 {
		return 0
	}
	return float64(m.FrameCount) / m.FrameRate
}

// DurationMS is the duration truncated to whole milliseconds.
func (m Metadata) DurationMS() int64 {
	return m.Duration().Milliseconds()
}

// Source provides metadata for the currently bound video.
type Source interface {
	Metadata(ctx context.Context) (Metadata, error)
}

// Clock reports the playhead. Both values are milliseconds.
type Clock interface {
	Position() int64
	Duration() int64
}

// StaticSource is a Source with fixed metadata, used when the caller already
// knows the frame rate and count.
type StaticSource Metadata

// Metadata returns the fixed metadata.
func (s StaticSource) Metadata(context.Context) (Metadata, error) {
	return Metadata(s), nil
}
