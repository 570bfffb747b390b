// pkg/core/annotation.go
package core

import (
	"strconv"
	"strings"
)

// Label is an event category attached to an annotation.
type Label string

// Fixed label set. Order matches the order offered to annotators.
const (
	LabelGoal             Label = "GOAL"
	LabelCorner           Label = "CORNER"
	LabelFreeKick         Label = "FREE KICK"
	LabelCounterAttack    Label = "BALL RECOVERY AND COUNTER ATTACK"
	LabelBuildUpPlay      Label = "BUILD-UP PLAY"
	LabelPositionalAttack Label = "POSITIONAL ATTACK"
	LabelSwitchingPlay    Label = "SWITCHING PLAY"
	LabelNoHighlight      Label = "NO HIGHLIGHT"
)

// Labels lists every valid label.
var Labels = []Label{
	LabelGoal,
	LabelCorner,
	LabelFreeKick,
	LabelCounterAttack,
	LabelBuildUpPlay,
	LabelPositionalAttack,
	LabelSwitchingPlay,
	LabelNoHighlight,
}

// Valid reports whether l is one of Labels.
func (l Label) Valid() bool {
	for _, v := range Labels {
		if l == v {
			return true
		}
	}
	return false
}

// Team is the side an annotation is credited to.
type Team string

const (
	TeamHome Team = "home"
	TeamAway Team = "away"
)

// Teams lists every valid team.
var Teams = []Team{TeamHome, TeamAway}

// Valid reports whether t is home or away.
func (t Team) Valid() bool {
	return t == TeamHome || t == TeamAway
}

// VisibilityVisible is the only visibility value ever written.
const VisibilityVisible = "visible"

// Annotation is a single labeled event at a position in a video.
// GameTime is a display projection of Position and is never authoritative.
type Annotation struct {
	ID         string
	Position   int64 // milliseconds
	GameTime   string
	Label      Label
	Team       Team
	Visibility string
}

// Patch describes a partial update. Nil fields are left untouched.
// GameTime is only honoured when Position is nil and is converted to a
// position; the stored game time is always rederived.
type Patch struct {
	Position   *int64
	GameTime   *string
	Label      *Label
	Team       *Team
	Visibility *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Position == nil && p.GameTime == nil && p.Label == nil && p.Team == nil && p.Visibility == nil
}

// Validate checks label, team and position.
func (a Annotation) Validate() error {
	if a.Position < 0 {
		return &ValidationError{Field: "position", Value: strconv.FormatInt(a.Position, 10), Reason: "must not be negative"}
	}
	if !a.Label.Valid() {
		return &ValidationError{Field: "label", Value: string(a.Label), Reason: "must be one of " + joinLabels()}
	}
	if !a.Team.Valid() {
		return &ValidationError{Field: "team", Value: string(a.Team), Reason: "must be one of home, away"}
	}
	return nil
}

// SameRecord compares everything but the ID.
func (a Annotation) SameRecord(b Annotation) bool {
	return a.Position == b.Position &&
		a.GameTime == b.GameTime &&
		a.Label == b.Label &&
		a.Team == b.Team &&
		a.Visibility == b.Visibility
}

func joinLabels() string {
	names := make([]string, len(Labels))
	for i, l := range Labels {
		names[i] = string(l)
	}
	return strings.Join(names, ", ")
}
