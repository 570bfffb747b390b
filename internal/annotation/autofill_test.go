package annotation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitchtag/annotator/internal/storage/sidecar"
	"github.com/pitchtag/annotator/internal/video"
	"github.com/pitchtag/annotator/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func positions(anns []core.Annotation) []int64 {
	out := make([]int64, 0, len(anns))
	for _, a := range anns {
		out = append(out, a.Position)
	}
	return out
}

func TestAutofill_Boundary(t *testing.T) {
	tests := []struct {
		name     string
		interval int
		meta     video.Metadata
		want     []int64
	}{
		{"duration is a multiple of the interval", 3, video.Metadata{FrameRate: 25, FrameCount: 225}, []int64{0, 3000, 6000}},
		{"partial last interval", 3, video.Metadata{FrameRate: 25, FrameCount: 250}, []int64{0, 3000, 6000, 9000}},
		{"fractional frame rate", 5, video.Metadata{FrameRate: 29.97, FrameCount: 300}, []int64{0, 5000, 10000}},
		{"shorter than one interval", 10, video.Metadata{FrameRate: 30, FrameCount: 30}, []int64{0}},
		{"zero frames", 3, video.Metadata{FrameRate: 25, FrameCount: 0}, []int64{}},
		{"unknown frame rate", 3, video.Metadata{FrameRate: 0, FrameCount: 1000}, []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)

			n, err := s.Autofill(tt.interval, tt.meta)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
			assert.Equal(t, tt.want, positions(s.List(true)))

			for _, a := range s.List(false) {
				assert.Equal(t, AutofillLabel, a.Label)
				assert.Equal(t, AutofillTeam, a.Team)
			}
			assert.Len(t, readSidecar(t, s), len(tt.want))
		})
	}
}

func TestAutofill_SkipsExisting(t *testing.T) {
	s := openStore(t)
	_, err := s.Add(3200, core.LabelGoal, core.TeamAway)
	require.NoError(t, err)
	_, err = s.Add(6500, core.LabelCorner, core.TeamHome)
	require.NoError(t, err)
	_, err = s.Add(8400, core.LabelCorner, core.TeamHome)
	require.NoError(t, err)

	n, err := s.Autofill(3, video.Metadata{FrameRate: 10, FrameCount: 100})
	require.NoError(t, err)

	// 3000 is within 500 of 3200, 6000 within 500 of 6500; 9000 is 600 from 8400
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{0, 3200, 6500, 8400, 9000}, positions(s.List(true)))
}

func TestAutofill_Rerun(t *testing.T) {
	s := openStore(t)
	meta := video.Metadata{FrameRate: 25, FrameCount: 1500}

	n, err := s.Autofill(3, meta)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = s.Autofill(3, meta)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 20, s.Len())
}

func TestAutofill_SingleWrite(t *testing.T) {
	backend := &failingBackend{Backend: sidecar.New()}
	s := openStore(t, WithBackend(backend))
	saves := backend.saves

	n, err := s.Autofill(1, video.Metadata{FrameRate: 25, FrameCount: 25 * 60})
	require.NoError(t, err)
	assert.Equal(t, 60, n)
	assert.Equal(t, saves+1, backend.saves)
}

func TestAutofill_Unbound(t *testing.T) {
	s := New()
	_, err := s.Autofill(3, video.Metadata{FrameRate: 25, FrameCount: 250})

	var perr *core.PreconditionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "autofill", perr.Op)
	assert.Equal(t, 0, s.Len())
}

func TestAutofill_InvalidInterval(t *testing.T) {
	s := openStore(t)
	for _, interval := range []int{0, -3} {
		_, err := s.Autofill(interval, video.Metadata{FrameRate: 25, FrameCount: 250})
		var verr *core.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "interval", verr.Field)
	}
	assert.Equal(t, 0, s.Len())
}

type failingSource struct{}

func (failingSource) Metadata(context.Context) (video.Metadata, error) {
	return video.Metadata{}, errors.New("ffprobe not found")
}

func TestAutofillFrom(t *testing.T) {
	s := openStore(t)

	n, err := s.AutofillFrom(context.Background(), video.StaticSource{FrameRate: 25, FrameCount: 250}, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.AutofillFrom(context.Background(), failingSource{}, 5)
	assert.EqualError(t, err, "ffprobe not found")

	_, err = New().AutofillFrom(context.Background(), failingSource{}, 5)
	var perr *core.PreconditionError
	assert.True(t, errors.As(err, &perr))
}

type fakeClock struct {
	pos      atomic.Int64
	duration int64
}

func (c *fakeClock) Position() int64 { return c.pos.Load() }
func (c *fakeClock) Duration() int64 { return c.duration }

func TestLive_AddsWhenNothingNearby(t *testing.T) {
	s := openStore(t)
	_, err := s.Add(10000, core.LabelGoal, core.TeamHome)
	require.NoError(t, err)

	clock := &fakeClock{duration: 60000}
	clock.pos.Store(11000) // within 1500 of the goal

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Live(ctx, clock, 5*time.Millisecond, DefaultLiveToleranceMS) }()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, s.Len(), "position near an existing annotation is skipped")

	clock.pos.Store(20000)
	require.Eventually(t, func() bool { return s.Len() == 2 }, time.Second, 5*time.Millisecond)

	// further ticks at the same position do not duplicate
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, s.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Live did not stop after cancel")
	}

	added := s.List(true)[1]
	assert.Equal(t, int64(20000), added.Position)
	assert.Equal(t, core.LabelNoHighlight, added.Label)
	assert.Equal(t, core.TeamHome, added.Team)
}

func TestLive_IgnoresPositionPastEnd(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{duration: 5000}
	clock.pos.Store(9000)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Live(ctx, clock, 5*time.Millisecond, DefaultLiveToleranceMS))
	assert.Equal(t, 0, s.Len())
}

func TestLive_Unbound(t *testing.T) {
	err := New().Live(context.Background(), &fakeClock{}, time.Millisecond, DefaultLiveToleranceMS)
	var perr *core.PreconditionError
	assert.True(t, errors.As(err, &perr))
}
