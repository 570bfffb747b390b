package annotation

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pitchtag/annotator/internal/storage/sidecar"
	"github.com/pitchtag/annotator/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBackend wraps the sidecar backend and fails saves on demand.
type failingBackend struct {
	*sidecar.Backend
	fail  bool
	saves int
}

func (b *failingBackend) Save(path string, anns []core.Annotation) error {
	b.saves++
	if b.fail {
		return errors.New("disk full")
	}
	return b.Backend.Save(path, anns)
}

type recordingMirror struct {
	mu    sync.Mutex
	syncs [][]core.Annotation
	err   error
}

func (m *recordingMirror) Sync(_ string, anns []core.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs = append(m.syncs, anns)
	return m.err
}

func (m *recordingMirror) Close() error { return nil }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func videoIn(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "match.mp4")
}

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(videoIn(t), append([]Option{WithIDGenerator(sequentialIDs())}, opts...)...)
	require.NoError(t, err)
	return s
}

func readSidecar(t *testing.T, s *Store) []core.Annotation {
	t.Helper()
	anns, err := sidecar.New().Load(s.SidecarPath())
	require.NoError(t, err)
	return anns
}

func TestOpen_CreatesEmptySidecar(t *testing.T) {
	video := videoIn(t)
	s, err := Open(video)
	require.NoError(t, err)

	assert.Equal(t, video, s.VideoPath())
	assert.Equal(t, filepath.Join(filepath.Dir(video), "match_Labels.json"), s.SidecarPath())
	assert.True(t, s.Bound())
	assert.Equal(t, 0, s.Len())

	data, err := os.ReadFile(s.SidecarPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"annotations": []}`, string(data))
}

func TestOpen_LoadsExistingSidecar(t *testing.T) {
	video := videoIn(t)
	doc := `{"annotations": [
		{"gameTime": "1 - 00:09", "label": "CORNER", "position": "1080", "team": "home", "visibility": "visible"}
	]}`
	require.NoError(t, os.WriteFile(sidecar.Path(video), []byte(doc), 0644))

	s, err := Open(video)
	require.NoError(t, err)

	list := s.List(false)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1080), list[0].Position)
	// stale game time is rederived from position
	assert.Equal(t, "1 - 00:01", list[0].GameTime)
	assert.NotEmpty(t, list[0].ID)
}

func TestOpen_MissingSidecarYieldsEmptyStore(t *testing.T) {
	s := openStore(t)
	assert.Empty(t, s.List(true))
	assert.Empty(t, s.List(false))
	_, err := os.Stat(s.SidecarPath())
	assert.NoError(t, err)
}

func TestOpen_MalformedSidecarResets(t *testing.T) {
	video := videoIn(t)
	require.NoError(t, os.WriteFile(sidecar.Path(video), []byte("{not json"), 0644))

	var buf bytes.Buffer
	s, err := Open(video, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, err)

	assert.Equal(t, 0, s.Len())
	assert.Contains(t, buf.String(), "Error loading annotations")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestAdd(t *testing.T) {
	s := openStore(t)

	a, err := s.Add(1080, core.LabelGoal, core.TeamAway)
	require.NoError(t, err)
	assert.Equal(t, core.Annotation{
		ID:         "id-1",
		Position:   1080,
		GameTime:   "1 - 00:01",
		Label:      core.LabelGoal,
		Team:       core.TeamAway,
		Visibility: core.VisibilityVisible,
	}, a)

	data, err := os.ReadFile(s.SidecarPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"annotations": [
		{"gameTime": "1 - 00:01", "label": "GOAL", "position": "1080", "team": "away", "visibility": "visible"}
	]}`, string(data))
}

func TestAdd_DuplicatePositionsAllowed(t *testing.T) {
	s := openStore(t)
	_, err := s.Add(5000, core.LabelGoal, core.TeamHome)
	require.NoError(t, err)
	_, err = s.Add(5000, core.LabelGoal, core.TeamHome)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
}

func TestAdd_Validation(t *testing.T) {
	tests := []struct {
		name  string
		pos   int64
		label core.Label
		team  core.Team
		field string
	}{
		{"unknown label", 1000, core.Label("OFFSIDE"), core.TeamHome, "label"},
		{"lowercase label", 1000, core.Label("goal"), core.TeamHome, "label"},
		{"unknown team", 1000, core.LabelGoal, core.Team("neutral"), "team"},
		{"negative position", -1, core.LabelGoal, core.TeamHome, "position"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &failingBackend{Backend: sidecar.New()}
			s := openStore(t, WithBackend(backend))
			before, err := os.ReadFile(s.SidecarPath())
			require.NoError(t, err)
			savesBefore := backend.saves

			_, err = s.Add(tt.pos, tt.label, tt.team)
			var verr *core.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)

			assert.Equal(t, 0, s.Len())
			assert.Equal(t, savesBefore, backend.saves, "no write on validation failure")
			after, err := os.ReadFile(s.SidecarPath())
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestPersistenceIdempotence(t *testing.T) {
	video := videoIn(t)
	s, err := Open(video)
	require.NoError(t, err)

	_, err = s.Add(64500, core.LabelCorner, core.TeamHome)
	require.NoError(t, err)
	_, err = s.Add(1080, core.LabelGoal, core.TeamAway)
	require.NoError(t, err)
	_, _, err = s.Remove(0)
	require.NoError(t, err)
	_, err = s.Add(30000, core.LabelFreeKick, core.TeamAway)
	require.NoError(t, err)

	reopened, err := Open(video)
	require.NoError(t, err)

	want := s.List(false)
	got := reopened.List(false)
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, got[i].SameRecord(want[i]), "record %d: got %+v want %+v", i, got[i], want[i])
	}
}

func TestRemove(t *testing.T) {
	s := openStore(t)
	_, _ = s.Add(3000, core.LabelGoal, core.TeamHome)
	_, _ = s.Add(1000, core.LabelCorner, core.TeamAway)
	_, _ = s.Add(2000, core.LabelFreeKick, core.TeamHome)

	// index is insertion order, not sorted order
	removed, ok, err := s.Remove(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1000), removed.Position)

	list := s.List(false)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3000), list[0].Position)
	assert.Equal(t, int64(2000), list[1].Position)
	assert.Len(t, readSidecar(t, s), 2)
}

func TestRemove_IndexBounds(t *testing.T) {
	for _, index := range []int{-1, 2, 100} {
		t.Run(fmt.Sprint(index), func(t *testing.T) {
			backend := &failingBackend{Backend: sidecar.New()}
			s := openStore(t, WithBackend(backend))
			_, _ = s.Add(1000, core.LabelGoal, core.TeamHome)
			_, _ = s.Add(2000, core.LabelGoal, core.TeamHome)
			saves := backend.saves

			_, ok, err := s.Remove(index)
			assert.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, 2, s.Len())
			assert.Equal(t, saves, backend.saves)

			_, ok, err = s.UpdateFields(index, map[string]string{"label": "CORNER"})
			assert.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, saves, backend.saves)
		})
	}
}

func TestRemoveByID(t *testing.T) {
	s := openStore(t)
	_, _ = s.Add(1000, core.LabelGoal, core.TeamHome)
	b, _ := s.Add(2000, core.LabelCorner, core.TeamHome)

	removed, ok, err := s.RemoveByID(b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, removed)

	_, ok, err = s.RemoveByID(b.ID)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestUpdateFields(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   core.Annotation
	}{
		{
			name:   "position rederives game time",
			fields: map[string]string{"position": "65000"},
			want:   core.Annotation{Position: 65000, GameTime: "1 - 01:05", Label: core.LabelGoal, Team: core.TeamHome},
		},
		{
			name:   "game time converts to position",
			fields: map[string]string{"gameTime": "1 - 02:30"},
			want:   core.Annotation{Position: 150000, GameTime: "1 - 02:30", Label: core.LabelGoal, Team: core.TeamHome},
		},
		{
			name:   "position wins over game time",
			fields: map[string]string{"position": "2000", "gameTime": "1 - 45:00"},
			want:   core.Annotation{Position: 2000, GameTime: "1 - 00:02", Label: core.LabelGoal, Team: core.TeamHome},
		},
		{
			name:   "label and team",
			fields: map[string]string{"label": "SWITCHING PLAY", "team": "away"},
			want:   core.Annotation{Position: 1080, GameTime: "1 - 00:01", Label: core.LabelSwitchingPlay, Team: core.TeamAway},
		},
		{
			name:   "unknown keys ignored",
			fields: map[string]string{"comment": "nice", "id": "other"},
			want:   core.Annotation{Position: 1080, GameTime: "1 - 00:01", Label: core.LabelGoal, Team: core.TeamHome},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			_, err := s.Add(1080, core.LabelGoal, core.TeamHome)
			require.NoError(t, err)

			got, ok, err := s.UpdateFields(0, tt.fields)
			require.NoError(t, err)
			require.True(t, ok)

			tt.want.ID = "id-1"
			tt.want.Visibility = core.VisibilityVisible
			assert.Equal(t, tt.want, got)

			persisted := readSidecar(t, s)
			require.Len(t, persisted, 1)
			assert.True(t, persisted[0].SameRecord(tt.want))
		})
	}
}

func TestUpdateFields_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		errType any
	}{
		{"bad label", map[string]string{"label": "OFFSIDE"}, &core.ValidationError{}},
		{"bad team", map[string]string{"team": "both"}, &core.ValidationError{}},
		{"non numeric position", map[string]string{"position": "soon"}, &core.ValidationError{}},
		{"negative position", map[string]string{"position": "-10"}, &core.ValidationError{}},
		{"bad game time", map[string]string{"gameTime": "1:00"}, &core.FormatError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			original, err := s.Add(1080, core.LabelGoal, core.TeamHome)
			require.NoError(t, err)

			got, ok, err := s.UpdateFields(0, tt.fields)
			require.Error(t, err)
			assert.True(t, ok)
			assert.IsType(t, tt.errType, err)
			assert.Equal(t, original, got)

			current, _ := s.At(0)
			assert.Equal(t, original, current)
		})
	}
}

func TestUpdateByID(t *testing.T) {
	s := openStore(t)
	a, _ := s.Add(1000, core.LabelGoal, core.TeamHome)

	gt := "1 - 00:42"
	label := core.LabelCorner
	got, ok, err := s.UpdateByID(a.ID, core.Patch{GameTime: &gt, Label: &label})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42000), got.Position)
	assert.Equal(t, "1 - 00:42", got.GameTime)
	assert.Equal(t, core.LabelCorner, got.Label)

	stored, found := s.Get(a.ID)
	require.True(t, found)
	assert.Equal(t, got, stored)

	_, ok, err = s.UpdateByID("missing", core.Patch{Label: &label})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestListSortStability(t *testing.T) {
	s := openStore(t)
	_, _ = s.Add(3000, core.LabelGoal, core.TeamHome)
	_, _ = s.Add(1000, core.LabelCorner, core.TeamHome)
	_, _ = s.Add(3000, core.LabelFreeKick, core.TeamAway)
	_, _ = s.Add(1000, core.LabelBuildUpPlay, core.TeamAway)
	_, _ = s.Add(2000, core.LabelNoHighlight, core.TeamHome)

	sorted := s.List(true)
	labels := make([]core.Label, 0, len(sorted))
	for _, a := range sorted {
		labels = append(labels, a.Label)
	}
	assert.Equal(t, []core.Label{
		core.LabelCorner, core.LabelBuildUpPlay,
		core.LabelNoHighlight,
		core.LabelGoal, core.LabelFreeKick,
	}, labels)

	// sorting never changes the stored order
	unsorted := s.List(false)
	assert.Equal(t, int64(3000), unsorted[0].Position)
	assert.Equal(t, int64(1000), unsorted[1].Position)
	persisted := readSidecar(t, s)
	assert.Equal(t, int64(3000), persisted[0].Position)
}

func TestList_ReturnsCopy(t *testing.T) {
	s := openStore(t)
	_, _ = s.Add(1000, core.LabelGoal, core.TeamHome)

	list := s.List(false)
	list[0].Label = core.LabelCorner
	current, _ := s.At(0)
	assert.Equal(t, core.LabelGoal, current.Label)
}

func TestNear(t *testing.T) {
	s := openStore(t)
	_, _ = s.Add(10000, core.LabelGoal, core.TeamHome)
	_, _ = s.Add(10500, core.LabelCorner, core.TeamHome)
	_, _ = s.Add(9400, core.LabelFreeKick, core.TeamHome)

	tests := []struct {
		name      string
		pos, tol  int64
		positions []int64
	}{
		{"exact", 10000, 0, []int64{10000}},
		{"default window includes bound", 10000, DefaultToleranceMS, []int64{10000, 10500}},
		{"just outside", 9899, 0, []int64{}},
		{"wide", 10000, 1000, []int64{10000, 10500, 9400}},
		{"negative tolerance", 10000, -1, []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Near(tt.pos, tt.tol)
			positions := make([]int64, 0, len(got))
			for _, a := range got {
				positions = append(positions, a.Position)
			}
			assert.Equal(t, tt.positions, positions)
		})
	}
}

func TestSave_Unbound(t *testing.T) {
	s := New()
	err := s.Save()
	var perr *core.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.False(t, s.Bound())

	a, err := s.Add(1000, core.LabelGoal, core.TeamHome)
	assert.True(t, errors.As(err, &perr))
	// the edit is kept in memory
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(1000), a.Position)
}

func TestSave_FailureKeepsEdit(t *testing.T) {
	backend := &failingBackend{Backend: sidecar.New()}
	mirror := &recordingMirror{}
	s := openStore(t, WithBackend(backend), WithMirror(mirror))
	syncs := len(mirror.syncs)

	backend.fail = true
	a, err := s.Add(2500, core.LabelGoal, core.TeamHome)

	var perr *core.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, s.SidecarPath(), perr.Path)
	assert.EqualError(t, errors.Unwrap(err), "disk full")
	assert.Equal(t, int64(2500), a.Position)
	assert.Equal(t, 1, s.Len())
	assert.Len(t, mirror.syncs, syncs, "mirrors only see successful saves")

	backend.fail = false
	require.NoError(t, s.Save())
	assert.Len(t, readSidecar(t, s), 1)
}

func TestLoad_DiscardsUnsavedState(t *testing.T) {
	s := openStore(t)
	_, _ = s.Add(1000, core.LabelGoal, core.TeamHome)

	require.NoError(t, os.WriteFile(s.SidecarPath(), []byte(`{"annotations": []}`), 0644))
	s.Load()
	assert.Equal(t, 0, s.Len())

	require.NoError(t, os.Remove(s.SidecarPath()))
	_, _ = s.Add(1000, core.LabelGoal, core.TeamHome)
	require.NoError(t, os.Remove(s.SidecarPath()))
	s.Load()
	assert.Equal(t, 0, s.Len())
}

func TestRebind(t *testing.T) {
	mirror := &recordingMirror{}
	var rendered [][]core.Annotation
	s := openStore(t, WithMirror(mirror), WithSink(SinkFunc(func(_ string, anns []core.Annotation) {
		rendered = append(rendered, anns)
	})))
	_, _ = s.Add(1000, core.LabelGoal, core.TeamHome)

	otherVideo := filepath.Join(t.TempDir(), "second.mkv")
	next, err := s.Rebind(otherVideo)
	require.NoError(t, err)

	assert.Equal(t, otherVideo, next.VideoPath())
	assert.Equal(t, 0, next.Len())
	// the old store is untouched
	assert.Equal(t, 1, s.Len())
	assert.NotEqual(t, s.SidecarPath(), next.SidecarPath())

	_, err = next.Add(500, core.LabelCorner, core.TeamAway)
	require.NoError(t, err)
	last := mirror.syncs[len(mirror.syncs)-1]
	require.Len(t, last, 1)
	assert.Equal(t, core.LabelCorner, last[0].Label)
	require.NotEmpty(t, rendered)
	assert.Len(t, rendered[len(rendered)-1], 1)
}

func TestSink_ReceivesSortedList(t *testing.T) {
	var renders [][]core.Annotation
	s := openStore(t, WithSink(SinkFunc(func(_ string, anns []core.Annotation) {
		renders = append(renders, anns)
	})))
	require.Len(t, renders, 1, "bind renders once")

	_, _ = s.Add(2000, core.LabelGoal, core.TeamHome)
	_, _ = s.Add(1000, core.LabelCorner, core.TeamHome)
	require.Len(t, renders, 3)
	assert.Equal(t, int64(1000), renders[2][0].Position)
	assert.Equal(t, int64(2000), renders[2][1].Position)

	// rejected edits do not render
	_, _ = s.Add(0, core.Label("bad"), core.TeamHome)
	_, _, _ = s.Remove(9)
	assert.Len(t, renders, 3)
}

func TestMirror_ErrorIsOnlyLogged(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("catalog down")}
	var buf bytes.Buffer
	s := openStore(t, WithMirror(mirror), WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	_, err := s.Add(1000, core.LabelGoal, core.TeamHome)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "Mirror sync failed")
}

func TestStore_ConcurrentAdds(t *testing.T) {
	s, err := Open(videoIn(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Add(int64(i)*1000, core.LabelGoal, core.TeamHome)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, s.Len())
	assert.Len(t, readSidecar(t, s), 20)
}

func TestSink_FramesNeverGoBackwards(t *testing.T) {
	var (
		mu     sync.Mutex
		counts []int
	)
	s := openStore(t, WithSink(SinkFunc(func(_ string, anns []core.Annotation) {
		mu.Lock()
		counts = append(counts, len(anns))
		mu.Unlock()
	})))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Add(int64(i)*1000, core.LabelCorner, core.TeamAway)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, counts)
	for i := 1; i < len(counts); i++ {
		assert.Greater(t, counts[i], counts[i-1], "frame %d is older than frame %d", i, i-1)
	}
	assert.Equal(t, 40, counts[len(counts)-1])
}

func TestSink_ReceivesBoundVideo(t *testing.T) {
	var videos []string
	s := openStore(t, WithSink(SinkFunc(func(videoPath string, _ []core.Annotation) {
		videos = append(videos, videoPath)
	})))
	next, err := s.Rebind(filepath.Join(t.TempDir(), "second.mkv"))
	require.NoError(t, err)

	assert.Equal(t, []string{s.VideoPath(), next.VideoPath()}, videos)
}
