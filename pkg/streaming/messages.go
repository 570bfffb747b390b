// Package streaming defines the JSON messages exchanged with a player
// overlay over WebSocket.
package streaming

import (
	"encoding/json"

	"github.com/pitchtag/annotator/pkg/core"
)

// Message types. Hello and Annotations are sent by the annotator; the player
// answers Hello with an ack and reports its playhead with Playhead.
const (
	TypeHello       = "hello"
	TypeAnnotations = "annotations"
	TypePlayhead    = "playhead"
	TypeAck         = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the player's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// HelloPayload identifies the annotator when a connection opens.
type HelloPayload struct {
	App     string `json:"app"`
	Version string `json:"version"`
}

// Annotation is one marker as the overlay draws it.
type Annotation struct {
	ID         string `json:"id"`
	Position   int64  `json:"position"`
	GameTime   string `json:"gameTime"`
	Label      string `json:"label"`
	Team       string `json:"team"`
	Visibility string `json:"visibility"`
}

// AnnotationsPayload carries the full list for one video, sorted by
// position. Every message replaces what the overlay shows.
type AnnotationsPayload struct {
	VideoPath   string       `json:"videoPath"`
	Annotations []Annotation `json:"annotations"`
}

// PlayheadPayload is the player's current position and the video length,
// both in milliseconds.
type PlayheadPayload struct {
	Position int64 `json:"position"`
	Duration int64 `json:"duration"`
}

// NewAnnotationsPayload converts anns for the overlay.
func NewAnnotationsPayload(videoPath string, anns []core.Annotation) AnnotationsPayload {
	out := AnnotationsPayload{VideoPath: videoPath, Annotations: make([]Annotation, 0, len(anns))}
	for _, a := range anns {
		out.Annotations = append(out.Annotations, Annotation{
			ID:         a.ID,
			Position:   a.Position,
			GameTime:   a.GameTime,
			Label:      string(a.Label),
			Team:       string(a.Team),
			Visibility: a.Visibility,
		})
	}
	return out
}
