package video

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRun(out string, err error) runFunc {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestProbe_Metadata(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Metadata
	}{
		{
			name:   "nb_frames present",
			output: `{"streams":[{"r_frame_rate":"30/1","avg_frame_rate":"30/1","nb_frames":"300"}]}`,
			want:   Metadata{FrameRate: 30, FrameCount: 300},
		},
		{
			name:   "ntsc rate",
			output: `{"streams":[{"r_frame_rate":"30000/1001","avg_frame_rate":"30000/1001","nb_frames":"2997"}]}`,
			want:   Metadata{FrameRate: 30000.0 / 1001.0, FrameCount: 2997},
		},
		{
			name:   "avg rate missing falls back to r_frame_rate",
			output: `{"streams":[{"r_frame_rate":"25/1","avg_frame_rate":"0/0","nb_frames":"250"}]}`,
			want:   Metadata{FrameRate: 25, FrameCount: 250},
		},
		{
			name:   "frames derived from stream duration",
			output: `{"streams":[{"r_frame_rate":"25/1","avg_frame_rate":"25/1","duration":"12.0"}]}`,
			want:   Metadata{FrameRate: 25, FrameCount: 300},
		},
		{
			name:   "frames derived from format duration",
			output: `{"streams":[{"r_frame_rate":"50","avg_frame_rate":"50","duration":"N/A"}],"format":{"duration":"2.0"}}`,
			want:   Metadata{FrameRate: 50, FrameCount: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProbe("", "/videos/match.mp4")
			p.run = fakeRun(tt.output, nil)

			got, err := p.Metadata(context.Background())
			require.NoError(t, err)
			assert.InDelta(t, tt.want.FrameRate, got.FrameRate, 1e-9)
			assert.Equal(t, tt.want.FrameCount, got.FrameCount)
		})
	}
}

func TestProbe_Errors(t *testing.T) {
	tests := []struct {
		name   string
		output string
		err    error
	}{
		{"command failed", "", errors.New("exit status 1")},
		{"not json", "garbage", nil},
		{"no streams", `{"streams":[]}`, nil},
		{"no rate", `{"streams":[{"r_frame_rate":"0/0","avg_frame_rate":"0/0","nb_frames":"10"}]}`, nil},
		{"no frames or duration", `{"streams":[{"r_frame_rate":"25/1","avg_frame_rate":"25/1"}]}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProbe("ffprobe", "/videos/match.mp4")
			p.run = fakeRun(tt.output, tt.err)

			_, err := p.Metadata(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestProbe_PassesArguments(t *testing.T) {
	var gotName string
	var gotArgs []string
	p := NewProbe("/opt/ffmpeg/ffprobe", "/videos/match.mp4")
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte(`{"streams":[{"r_frame_rate":"30/1","nb_frames":"1"}]}`), nil
	}

	_, err := p.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/opt/ffmpeg/ffprobe", gotName)
	assert.Equal(t, "/videos/match.mp4", gotArgs[len(gotArgs)-1])
	assert.Contains(t, gotArgs, "v:0")
}

func TestMetadata_Duration(t *testing.T) {
	m := Metadata{FrameRate: 30, FrameCount: 300}
	assert.Equal(t, 10*time.Second, m.Duration())
	assert.Equal(t, int64(10_000), m.DurationMS())
	assert.Equal(t, 10.0, m.DurationSeconds())

	assert.Zero(t, Metadata{FrameCount: 300}.Duration())
	assert.Zero(t, Metadata{FrameCount: 300}.DurationSeconds())
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{FrameRate: 25, FrameCount: 50}
	m, err := src.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Metadata{FrameRate: 25, FrameCount: 50}, m)
}
