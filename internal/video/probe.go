package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Probe reads frame rate and frame count with ffprobe.
type Probe struct {
	ffprobePath string
	videoPath   string
	run         runFunc
}

// NewProbe creates a Probe for videoPath. An empty ffprobePath means
// "ffprobe" from PATH.
func NewProbe(ffprobePath, videoPath string) *Probe {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Probe{
		ffprobePath: ffprobePath,
		videoPath:   videoPath,
		run:         runCommand,
	}
}

type probeOutput struct {
	Streams []struct {
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Metadata runs ffprobe against the first video stream. When the container
// does not record nb_frames, the count is derived from duration × fps.
func (p *Probe) Metadata(ctx context.Context) (Metadata, error) {
	out, err := p.run(ctx, p.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		p.videoPath)
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe %s: %w", p.videoPath, err)
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(out []byte) (Metadata, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(po.Streams) == 0 {
		return Metadata{}, fmt.Errorf("no video stream found")
	}
	s := po.Streams[0]

	fps, err := parseRate(s.AvgFrameRate)
	if err != nil || fps <= 0 {
		fps, err = parseRate(s.RFrameRate)
	}
	if err != nil {
		return Metadata{}, err
	}
	if fps <= 0 {
		return Metadata{}, fmt.Errorf("video reports no frame rate")
	}

	if n, err := strconv.ParseInt(strings.TrimSpace(s.NbFrames), 10, 64); err == nil && n > 0 {
		return Metadata{FrameRate: fps, FrameCount: n}, nil
	}

	durStr := s.Duration
	if durStr == "" || durStr == "N/A" {
		durStr = po.Format.Duration
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("video reports neither frame count nor duration")
	}
	return Metadata{FrameRate: fps, FrameCount: int64(math.Round(dur * fps))}, nil
}

// parseRate parses "30000/1001" or "25".
func parseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	if d == 0 {
		return 0, nil
	}
	return n / d, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
