// Package annotation keeps the annotation list of one video and mirrors every
// change into the video's sidecar file.
package annotation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pitchtag/annotator/internal/storage"
	"github.com/pitchtag/annotator/internal/storage/sidecar"
	"github.com/pitchtag/annotator/internal/timecode"
	"github.com/pitchtag/annotator/pkg/core"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DefaultToleranceMS is the default Near window.
const DefaultToleranceMS int64 = 500

var errNotBound = errors.New("no video bound")

// Sink receives the bound video and its position-sorted list after a bind
// and after every successful mutation. Frames arrive in mutation order; a
// frame overtaken by a newer one is dropped.
type Sink interface {
	Render(videoPath string, anns []core.Annotation)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(videoPath string, anns []core.Annotation)

// Render calls f.
func (f SinkFunc) Render(videoPath string, anns []core.Annotation) { f(videoPath, anns) }

// Option configures a Store.
type Option func(*Store)

// WithBackend replaces the sidecar file backend.
func WithBackend(b storage.Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithMirror adds a mirror that receives every saved list.
func WithMirror(m storage.Mirror) Option {
	return func(s *Store) {
		if m != nil {
			s.mirrors = append(s.mirrors, m)
		}
	}
}

// WithSink sets the render sink.
func WithSink(sink Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMeter records store counters on m.
func WithMeter(m metric.Meter) Option {
	return func(s *Store) {
		if m != nil {
			s.meter = m
		}
	}
}

// WithIDGenerator replaces uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// Store owns the annotation list of one video. It is safe for concurrent
// use; every operation observes a fully applied previous one.
type Store struct {
	mu          sync.RWMutex
	videoPath   string
	sidecarPath string
	anns        []core.Annotation

	backend storage.Backend
	mirrors storage.Mirrors
	sink    Sink
	log     *slog.Logger
	meter   metric.Meter
	newID   func() string

	added   metric.Int64Counter
	removed metric.Int64Counter
	writes  metric.Int64Counter

	seq      uint64 // guarded by mu
	renderMu sync.Mutex
	rendered uint64 // guarded by renderMu
}

// frame is a sink snapshot taken under mu.
type frame struct {
	seq   uint64
	video string
	anns  []core.Annotation
}

// New creates an unbound store with an empty list. Nothing is persisted
// until a video is bound.
func New(opts ...Option) *Store {
	s := &Store{
		backend: sidecar.New(),
		log:     slog.Default(),
		meter:   noop.Meter{},
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initCounters()
	return s
}

// Open creates a store bound to videoPath. An existing sidecar is loaded;
// otherwise an empty one is written. When that first write fails the store
// is still returned, together with a *core.PersistenceError.
func Open(videoPath string, opts ...Option) (*Store, error) {
	s := New(opts...)
	return s, s.bind(videoPath)
}

// Rebind returns a new store bound to videoPath that shares this store's
// backend, mirrors, sink, logger and counters. The receiver is left as is.
func (s *Store) Rebind(videoPath string) (*Store, error) {
	s.mu.RLock()
	next := &Store{
		backend: s.backend,
		mirrors: s.mirrors,
		sink:    s.sink,
		log:     s.log,
		meter:   s.meter,
		newID:   s.newID,
		added:   s.added,
		removed: s.removed,
		writes:  s.writes,
	}
	s.mu.RUnlock()
	return next, next.bind(videoPath)
}

func (s *Store) initCounters() {
	var err error
	if s.added, err = s.meter.Int64Counter("annotations.added",
		metric.WithDescription("Annotations created by add and autofill")); err != nil {
		s.log.Warn("Failed to create counter", "name", "annotations.added", "error", err)
		s.added = noop.Int64Counter{}
	}
	if s.removed, err = s.meter.Int64Counter("annotations.removed",
		metric.WithDescription("Annotations removed")); err != nil {
		s.log.Warn("Failed to create counter", "name", "annotations.removed", "error", err)
		s.removed = noop.Int64Counter{}
	}
	if s.writes, err = s.meter.Int64Counter("sidecar.writes",
		metric.WithDescription("Successful sidecar writes")); err != nil {
		s.log.Warn("Failed to create counter", "name", "sidecar.writes", "error", err)
		s.writes = noop.Int64Counter{}
	}
}

func (s *Store) bind(videoPath string) error {
	s.mu.Lock()
	s.videoPath = videoPath
	s.sidecarPath = sidecar.Path(videoPath)
	s.anns = nil

	var err error
	if s.backend.Exists(s.sidecarPath) {
		s.loadLocked()
	} else {
		s.anns = []core.Annotation{}
		err = s.saveLocked()
	}
	s.log.Debug("Video bound", "video", videoPath, "sidecar", s.sidecarPath, "count", len(s.anns))
	f := s.frameLocked()
	s.mu.Unlock()

	s.render(f)
	return err
}

// VideoPath returns the bound video, or "" when unbound.
func (s *Store) VideoPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoPath
}

// SidecarPath returns the bound sidecar file, or "" when unbound.
func (s *Store) SidecarPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sidecarPath
}

// Bound reports whether a video is bound.
func (s *Store) Bound() bool {
	return s.SidecarPath() != ""
}

// Len returns the number of annotations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.anns)
}

// Add validates and appends a new annotation, then persists the list.
// A *core.ValidationError leaves the store untouched. A
// *core.PersistenceError is returned with the kept record.
func (s *Store) Add(positionMS int64, label core.Label, team core.Team) (core.Annotation, error) {
	a := core.Annotation{
		Position:   positionMS,
		Label:      label,
		Team:       team,
		Visibility: core.VisibilityVisible,
	}
	if err := a.Validate(); err != nil {
		return core.Annotation{}, err
	}
	a.GameTime = timecode.FormatGameTime(positionMS)

	s.mu.Lock()
	a.ID = s.newID()
	s.anns = append(s.anns, a)
	err := s.saveLocked()
	f := s.frameLocked()
	s.mu.Unlock()

	s.added.Add(context.Background(), 1)
	s.log.Debug("Annotation added", "id", a.ID, "position", positionMS, "label", label, "team", team)
	s.render(f)
	return a, err
}

// Remove deletes the annotation at index (insertion order). ok is false
// when index is outside [0, Len()).
func (s *Store) Remove(index int) (removed core.Annotation, ok bool, err error) {
	s.mu.Lock()
	if index < 0 || index >= len(s.anns) {
		s.mu.Unlock()
		return core.Annotation{}, false, nil
	}
	return s.removeLocked(index)
}

// RemoveByID deletes the annotation with id. ok is false for unknown ids.
func (s *Store) RemoveByID(id string) (removed core.Annotation, ok bool, err error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return core.Annotation{}, false, nil
	}
	return s.removeLocked(i)
}

// removeLocked is entered with s.mu held and releases it.
func (s *Store) removeLocked(i int) (core.Annotation, bool, error) {
	removed := s.anns[i]
	s.anns = append(s.anns[:i:i], s.anns[i+1:]...)
	err := s.saveLocked()
	f := s.frameLocked()
	s.mu.Unlock()

	s.removed.Add(context.Background(), 1)
	s.log.Debug("Annotation removed", "id", removed.ID, "position", removed.Position)
	s.render(f)
	return removed, true, err
}

// UpdateFields applies string-valued fields to the annotation at index.
// Recognised keys are position, gameTime, label, team and visibility; other
// keys are ignored. position takes precedence over gameTime, and the stored
// game time is always rederived from the resulting position.
func (s *Store) UpdateFields(index int, fields map[string]string) (core.Annotation, bool, error) {
	s.mu.Lock()
	if index < 0 || index >= len(s.anns) {
		s.mu.Unlock()
		return core.Annotation{}, false, nil
	}
	patch, err := PatchFromFields(fields)
	if err != nil {
		current := s.anns[index]
		s.mu.Unlock()
		return current, true, err
	}
	return s.updateLocked(index, patch)
}

// PatchFromFields converts string-valued fields into a Patch.
func PatchFromFields(fields map[string]string) (core.Patch, error) {
	var p core.Patch
	for key, value := range fields {
		switch key {
		case "position":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return core.Patch{}, &core.ValidationError{Field: "position", Value: value, Reason: "must be an integer"}
			}
			p.Position = &n
		case "gameTime":
			v := value
			p.GameTime = &v
		case "label":
			l := core.Label(value)
			p.Label = &l
		case "team":
			t := core.Team(value)
			p.Team = &t
		case "visibility":
			v := value
			p.Visibility = &v
		}
	}
	return p, nil
}

// UpdateByID applies patch to the annotation with id. ok is false for
// unknown ids. Validation and format errors leave the record unchanged and
// return it as it was.
func (s *Store) UpdateByID(id string, patch core.Patch) (core.Annotation, bool, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return core.Annotation{}, false, nil
	}
	return s.updateLocked(i, patch)
}

// updateLocked is entered with s.mu held and releases it.
func (s *Store) updateLocked(i int, patch core.Patch) (core.Annotation, bool, error) {
	current := s.anns[i]
	next := current
	switch {
	case patch.Position != nil:
		next.Position = *patch.Position
	case patch.GameTime != nil:
		pos, err := timecode.ParseGameTime(*patch.GameTime)
		if err != nil {
			s.mu.Unlock()
			return current, true, err
		}
		next.Position = pos
	}
	if patch.Label != nil {
		next.Label = *patch.Label
	}
	if patch.Team != nil {
		next.Team = *patch.Team
	}
	if patch.Visibility != nil {
		next.Visibility = *patch.Visibility
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return current, true, err
	}
	next.GameTime = timecode.FormatGameTime(next.Position)

	s.anns[i] = next
	err := s.saveLocked()
	f := s.frameLocked()
	s.mu.Unlock()

	s.log.Debug("Annotation updated", "id", next.ID, "position", next.Position, "label", next.Label, "team", next.Team)
	s.render(f)
	return next, true, err
}

// Get returns the annotation with id.
func (s *Store) Get(id string) (core.Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.anns[i], true
	}
	return core.Annotation{}, false
}

// At returns the annotation at index (insertion order).
func (s *Store) At(index int) (core.Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.anns) {
		return core.Annotation{}, false
	}
	return s.anns[index], true
}

// List returns a copy of the annotations, stably sorted by position when
// sorted is set and in insertion order otherwise.
func (s *Store) List(sorted bool) []core.Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sorted {
		return s.sortedLocked()
	}
	out := make([]core.Annotation, len(s.anns))
	copy(out, s.anns)
	return out
}

// Near returns annotations whose position lies within toleranceMS of
// positionMS, bounds included, in insertion order.
func (s *Store) Near(positionMS, toleranceMS int64) []core.Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nearLocked(positionMS, toleranceMS)
}

// Load replaces the list with the sidecar contents. A missing or malformed
// sidecar resets the list to empty and is only logged.
func (s *Store) Load() {
	s.mu.Lock()
	s.loadLocked()
	f := s.frameLocked()
	s.mu.Unlock()

	s.render(f)
}

// Save writes the whole list to the sidecar. It returns a
// *core.PersistenceError when unbound or when the write fails.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) loadLocked() {
	if s.sidecarPath == "" {
		s.anns = []core.Annotation{}
		return
	}

	anns, err := s.backend.Load(s.sidecarPath)
	if err != nil {
		s.log.Warn("Error loading annotations", "path", s.sidecarPath, "error", err)
		s.anns = []core.Annotation{}
		return
	}

	for i := range anns {
		anns[i].ID = s.newID()
		anns[i].GameTime = timecode.FormatGameTime(anns[i].Position)
	}
	s.anns = anns
	s.log.Debug("Annotations loaded", "path", s.sidecarPath, "count", len(anns))
}

func (s *Store) saveLocked() error {
	if s.sidecarPath == "" {
		return &core.PersistenceError{Err: errNotBound}
	}

	if err := s.backend.Save(s.sidecarPath, s.anns); err != nil {
		s.log.Error("Error saving annotations", "path", s.sidecarPath, "error", err)
		return &core.PersistenceError{Path: s.sidecarPath, Err: err}
	}
	s.writes.Add(context.Background(), 1)

	if len(s.mirrors) > 0 {
		snapshot := make([]core.Annotation, len(s.anns))
		copy(snapshot, s.anns)
		if err := s.mirrors.Sync(s.videoPath, snapshot); err != nil {
			s.log.Warn("Mirror sync failed", "video", s.videoPath, "error", err)
		}
	}
	return nil
}

func (s *Store) nearLocked(positionMS, toleranceMS int64) []core.Annotation {
	out := []core.Annotation{}
	for _, a := range s.anns {
		d := a.Position - positionMS
		if d < 0 {
			d = -d
		}
		if d <= toleranceMS {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) sortedLocked() []core.Annotation {
	out := make([]core.Annotation, len(s.anns))
	copy(out, s.anns)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out
}

func (s *Store) indexLocked(id string) int {
	for i := range s.anns {
		if s.anns[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) frameLocked() frame {
	s.seq++
	return frame{seq: s.seq, video: s.videoPath, anns: s.sortedLocked()}
}

// render delivers f unless a newer frame already reached the sink.
func (s *Store) render(f frame) {
	if s.sink == nil {
		return
	}
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	if f.seq <= s.rendered {
		return
	}
	s.rendered = f.seq
	s.sink.Render(f.video, f.anns)
}
