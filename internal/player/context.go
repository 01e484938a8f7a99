// Package player implements the frame-accurate playback engine: the seek
// protocol, the loader/player/diagnostic loops and the on-demand buffer
// watchdog. An Engine lives entirely on one loop.
package player

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"playback-engine/internal/loop"
	"playback-engine/internal/media"
	"playback-engine/internal/platform/metrics"
)

// Context carries what would otherwise be process-wide state. Engines that
// share a display share a Context, but nothing stops a process from running
// several displays with different refresh rates.
type Context struct {
	ID            uuid.UUID
	DisplayRateHz float64
	Loop          loop.Loop
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// NewContext returns a Context with a fresh id.
func NewContext(l loop.Loop, displayHz float64, log *slog.Logger, m *metrics.Metrics) Context {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return Context{
		ID:            uuid.New(),
		DisplayRateHz: displayHz,
		Loop:          l,
		Logger:        log,
		Metrics:       m,
	}
}

// Frame is a decodable picture handed to the renderer.
type Frame struct {
	Number  int        `json:"frame"`
	Time    float64    `json:"time"`
	Role    media.Role `json:"-"`
	Buffer  string     `json:"buffer"`
	Quality int        `json:"quality"`
}

func (f Frame) String() string {
	return fmt.Sprintf("frame %d (%s, %dp)", f.Number, f.Buffer, f.Quality)
}

// Renderer puts frames on screen.
type Renderer interface {
	PushFrame(f Frame)
	Clear()
	ResizeViewport(width, height int)
}

// Audio is an optional audio track kept in step with the video.
type Audio interface {
	Play()
	Pause()
	Seek(t float64)
	CurrentTime() float64
	SetRate(rate float64)
}

// Direction is the transport direction.
type Direction int

const (
	// Backward plays toward frame zero.
	Backward Direction = -1
	// Stopped means no playback loop is running.
	Stopped Direction = 0
	// Forward plays toward the last frame.
	Forward Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "stopped"
	}
}

// Status is the transport status, orthogonal to Direction.
type Status int

const (
	Paused Status = iota
	Playing
	Scrubbing
)

func (s Status) String() string {
	switch s {
	case Playing:
		return "playing"
	case Scrubbing:
		return "scrubbing"
	default:
		return "paused"
	}
}
