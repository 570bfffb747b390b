// internal/storage/storage.go
package storage

import "github.com/pitchtag/annotator/pkg/core"

// Backend reads and writes the per-video annotation record.
type Backend interface {
	// Load returns the annotations stored at path in insertion order.
	// A missing file yields an error satisfying errors.Is(err, fs.ErrNotExist).
	Load(path string) ([]core.Annotation, error)

	// Save replaces the record at path with anns.
	Save(path string, anns []core.Annotation) error

	// Exists reports whether a record exists at path.
	Exists(path string) bool
}

// Mirror receives a copy of every successfully saved annotation list.
// Mirrors are secondary: their failures never undo or fail a save.
type Mirror interface {
	Sync(videoPath string, anns []core.Annotation) error
	Close() error
}

// Mirrors fans a sync out to several mirrors and returns the first error.
type Mirrors []Mirror

// Sync calls every mirror even when an earlier one fails.
func (ms Mirrors) Sync(videoPath string, anns []core.Annotation) error {
	var firstErr error
	for _, m := range ms {
		if err := m.Sync(videoPath, anns); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every mirror.
func (ms Mirrors) Close() error {
	var firstErr error
	for _, m := range ms {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
