// internal/storage/storage_test.go
package storage_test

import (
	"errors"
	"testing"

	"github.com/pitchtag/annotator/internal/storage"
	"github.com/pitchtag/annotator/pkg/core"
	"github.com/stretchr/testify/assert"
)

type countingMirror struct {
	syncs, closes int
	err           error
}

func (m *countingMirror) Sync(string, []core.Annotation) error {
	m.syncs++
	return m.err
}

func (m *countingMirror) Close() error {
	m.closes++
	return m.err
}

func TestMirrors_SyncReachesEveryMirror(t *testing.T) {
	first := &countingMirror{err: errors.New("catalog down")}
	second := &countingMirror{err: errors.New("influx down")}
	third := &countingMirror{}
	ms := storage.Mirrors{first, second, third}

	err := ms.Sync("/matches/final.mp4", nil)
	assert.EqualError(t, err, "catalog down")
	assert.Equal(t, 1, first.syncs)
	assert.Equal(t, 1, second.syncs)
	assert.Equal(t, 1, third.syncs)

	assert.EqualError(t, ms.Close(), "catalog down")
	assert.Equal(t, 1, third.closes)
}

func TestMirrors_Empty(t *testing.T) {
	var ms storage.Mirrors
	assert.NoError(t, ms.Sync("/matches/final.mp4", nil))
	assert.NoError(t, ms.Close())
}
