// Package player pushes the annotation list to a video player overlay over
// WebSocket and receives the overlay's playhead reports.
package player

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pitchtag/annotator/pkg/core"
	"github.com/pitchtag/annotator/pkg/streaming"
)

// Config holds overlay connection settings.
type Config struct {
	URL     string
	Secret  string
	App     string
	Version string
}

// Overlay renders annotation lists on a remote player. It implements
// annotation.Sink.
type Overlay struct {
	conn *connection
	cfg  Config
	log  *slog.Logger
}

// New creates an overlay. onPlayhead, when set, receives every playhead
// report.
func New(cfg Config, logger *slog.Logger, onPlayhead func(position, duration int64)) *Overlay {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "overlay")

	var route func(streaming.PlayheadPayload)
	if onPlayhead != nil {
		route = func(p streaming.PlayheadPayload) { onPlayhead(p.Position, p.Duration) }
	}
	return &Overlay{
		conn: newConnection(logger, route),
		cfg:  cfg,
		log:  logger,
	}
}

// Init connects and waits for the overlay to acknowledge the hello message.
func (o *Overlay) Init() error {
	if err := o.conn.dial(o.cfg.URL, o.cfg.Secret); err != nil {
		return err
	}
	data, err := marshalEnvelope(streaming.TypeHello, streaming.HelloPayload{App: o.cfg.App, Version: o.cfg.Version})
	if err != nil {
		return err
	}
	if err := o.conn.sendAndWait(data, streaming.TypeHello, ackTimeout); err != nil {
		_ = o.conn.close()
		return err
	}
	o.log.Info("Connected to overlay", "url", o.cfg.URL)
	return nil
}

// Render sends anns of videoPath as a full annotations frame. It never
// blocks on the network.
func (o *Overlay) Render(videoPath string, anns []core.Annotation) {
	data, err := marshalEnvelope(streaming.TypeAnnotations, streaming.NewAnnotationsPayload(videoPath, anns))
	if err != nil {
		o.log.Warn("Failed to encode annotations frame", "error", err)
		return
	}
	o.conn.sendFrame(data)
}

// Close disconnects from the overlay.
func (o *Overlay) Close() error {
	return o.conn.close()
}

func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(streaming.Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}
