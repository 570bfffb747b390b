// Package timecode converts between millisecond positions and the textual
// time formats shown to annotators.
package timecode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pitchtag/annotator/pkg/core"
)

// Period is the only match period modelled. Both conversion directions
// assume it.
const Period = 1

// FormatGameTime renders a position as "1 - MM:SS". Sub-second precision is
// truncated, so the result only identifies the whole second. Negative
// positions clamp to zero.
func FormatGameTime(positionMS int64) string {
	positionMS = max(0, positionMS)
	totalSeconds := positionMS / 1000
	return fmt.Sprintf("%d - %02d:%02d", Period, totalSeconds/60, totalSeconds%60)
}

// ParseGameTime converts "P - MM:SS" back to milliseconds. The period is
// ignored.
func ParseGameTime(gameTime string) (int64, error) {
	parts := strings.Split(gameTime, " - ")
	if len(parts) != 2 {
		return 0, &core.FormatError{Input: gameTime, Reason: `expected "<period> - MM:SS"`}
	}

	timeParts := strings.Split(parts[1], ":")
	if len(timeParts) != 2 {
		return 0, &core.FormatError{Input: gameTime, Reason: "expected MM:SS after the period"}
	}

	minutes, err := parseField(gameTime, "minutes", timeParts[0])
	if err != nil {
		return 0, err
	}
	seconds, err := parseField(gameTime, "seconds", timeParts[1])
	if err != nil {
		return 0, err
	}

	return (minutes*60 + seconds) * 1000, nil
}

// FormatClock renders milliseconds as MM:SS.mmm, or HH:MM:SS.mmm once an
// hour is reached.
func FormatClock(ms int64) string {
	ms = max(0, ms)
	millis := ms % 1000
	seconds := (ms / 1000) % 60
	minutes := (ms / 60_000) % 60
	hours := ms / 3_600_000

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
	}
	return fmt.Sprintf("%02d:%02d.%03d", minutes, seconds, millis)
}

// FormatCompact renders milliseconds as MM:SS with unbounded minutes.
func FormatCompact(ms int64) string {
	ms = max(0, ms)
	return fmt.Sprintf("%02d:%02d", ms/60_000, (ms/1000)%60)
}

// ParseClock parses HH:MM:SS[.mmm] or MM:SS[.mmm] into milliseconds.
func ParseClock(s string) (int64, error) {
	parts := strings.Split(s, ":")

	var hours, minutes int64
	var err error
	switch len(parts) {
	case 3:
		if hours, err = parseField(s, "hours", parts[0]); err != nil {
			return 0, err
		}
		parts = parts[1:]
	case 2:
	default:
		return 0, &core.FormatError{Input: s, Reason: "expected MM:SS.mmm or HH:MM:SS.mmm"}
	}

	if minutes, err = parseField(s, "minutes", parts[0]); err != nil {
		return 0, err
	}

	secPart, msPart, hasMillis := strings.Cut(parts[1], ".")
	seconds, err := parseField(s, "seconds", secPart)
	if err != nil {
		return 0, err
	}
	var millis int64
	if hasMillis {
		if millis, err = parseField(s, "milliseconds", msPart); err != nil {
			return 0, err
		}
	}

	return hours*3_600_000 + minutes*60_000 + seconds*1000 + millis, nil
}

func parseField(input, name, value string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, &core.FormatError{Input: input, Reason: name + " is not a number"}
	}
	if n < 0 {
		return 0, &core.FormatError{Input: input, Reason: name + " must not be negative"}
	}
	return n, nil
}
