package annotation

import (
	"context"
	"strconv"
	"time"

	"github.com/pitchtag/annotator/internal/timecode"
	"github.com/pitchtag/annotator/internal/video"
	"github.com/pitchtag/annotator/pkg/core"
)

const (
	// AutofillLabel and AutofillTeam mark generated annotations.
	AutofillLabel = core.LabelNoHighlight
	AutofillTeam  = core.TeamHome

	// DefaultAutofillInterval is the autofill spacing in seconds.
	DefaultAutofillInterval = 3

	// DefaultLiveInterval is how often Live samples the clock.
	DefaultLiveInterval = 3 * time.Second
	// DefaultLiveToleranceMS is the window Live checks before adding.
	DefaultLiveToleranceMS int64 = 1500
)

// Autofill adds a NO HIGHLIGHT/home annotation every intervalSeconds from 0
// up to (excluding) the video duration, skipping positions that already have
// an annotation within DefaultToleranceMS. The list is written once at the
// end. It returns the number of annotations added.
func (s *Store) Autofill(intervalSeconds int, meta video.Metadata) (int, error) {
	if intervalSeconds <= 0 {
		return 0, &core.ValidationError{Field: "interval", Value: strconv.Itoa(intervalSeconds), Reason: "must be positive"}
	}

	s.mu.Lock()
	if s.sidecarPath == "" {
		s.mu.Unlock()
		return 0, &core.PreconditionError{Op: "autofill", Reason: errNotBound.Error()}
	}

	duration := meta.DurationSeconds()
	added := 0
	for t := 0; float64(t) < duration; t += intervalSeconds {
		pos := int64(t) * 1000
		if len(s.nearLocked(pos, DefaultToleranceMS)) > 0 {
			continue
		}
		s.anns = append(s.anns, core.Annotation{
			ID:         s.newID(),
			Position:   pos,
			GameTime:   timecode.FormatGameTime(pos),
			Label:      AutofillLabel,
			Team:       AutofillTeam,
			Visibility: core.VisibilityVisible,
		})
		added++
	}

	if added == 0 {
		s.mu.Unlock()
		s.log.Debug("Autofill found nothing to add", "interval", intervalSeconds, "duration", duration)
		return 0, nil
	}

	err := s.saveLocked()
	f := s.frameLocked()
	s.mu.Unlock()

	s.added.Add(context.Background(), int64(added))
	s.log.Info("Autofill complete", "added", added, "interval", intervalSeconds, "duration", duration)
	s.render(f)
	return added, err
}

// AutofillFrom reads metadata from src and runs Autofill.
func (s *Store) AutofillFrom(ctx context.Context, src video.Source, intervalSeconds int) (int, error) {
	if !s.Bound() {
		return 0, &core.PreconditionError{Op: "autofill", Reason: errNotBound.Error()}
	}
	meta, err := src.Metadata(ctx)
	if err != nil {
		return 0, err
	}
	return s.Autofill(intervalSeconds, meta)
}

// Live samples clock every interval and adds a NO HIGHLIGHT/home annotation
// at the current position when nothing lies within toleranceMS of it. It
// runs until ctx is done; cancel to pause and call again to resume.
// Persistence failures are logged and sampling continues.
func (s *Store) Live(ctx context.Context, clock video.Clock, interval time.Duration, toleranceMS int64) error {
	if !s.Bound() {
		return &core.PreconditionError{Op: "live autofill", Reason: errNotBound.Error()}
	}
	if interval <= 0 {
		interval = DefaultLiveInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("Live autofill started", "interval", interval, "tolerance", toleranceMS)
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("Live autofill stopped")
			return nil
		case <-ticker.C:
			s.liveTick(clock, toleranceMS)
		}
	}
}

func (s *Store) liveTick(clock video.Clock, toleranceMS int64) {
	pos := clock.Position()
	if pos < 0 {
		return
	}
	if d := clock.Duration(); d > 0 && pos > d {
		return
	}
	if len(s.Near(pos, toleranceMS)) > 0 {
		return
	}
	a, err := s.Add(pos, AutofillLabel, AutofillTeam)
	if err != nil {
		s.log.Warn("Live autofill annotation not saved", "position", pos, "error", err)
		return
	}
	s.log.Info("Auto-added annotation", "position", a.Position, "gameTime", a.GameTime)
}
