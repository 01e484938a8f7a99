package player

import (
	"github.com/google/uuid"

	"playback-engine/internal/buffer"
)

// EventType names an engine notification.
type EventType string

// Events emitted by an Engine.
const (
	EventFrameChange          EventType = "frameChange"
	EventPlaybackReady        EventType = "playbackReady"
	EventPlaybackStalled      EventType = "playbackStalled"
	EventPlaybackEnded        EventType = "playbackEnded"
	EventBufferLoaded         EventType = "bufferLoaded"
	EventOnDemandDetail       EventType = "onDemandDetail"
	EventVideoError           EventType = "videoError"
	EventCodecNotSupported    EventType = "codecNotSupported"
	EventSeekComplete         EventType = "seekComplete"
	EventCanvasReady          EventType = "canvasReady"
	EventDefaultVideoSettings EventType = "defaultVideoSettings"
	EventSafeMode             EventType = "safeMode"
	EventCompatibilityMode    EventType = "compatibilityMode"
)

// Event is delivered to the engine's handler on the loop, after the state
// change it describes has completed.
type Event struct {
	Type   EventType `json:"type"`
	Source uuid.UUID `json:"source"`

	Frame    int            `json:"frame,omitempty"`
	Percent  float64        `json:"percent_complete,omitempty"`
	Ranges   []buffer.Range `json:"ranges,omitempty"`
	Settings *VideoSettings `json:"settings,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// VideoSettings describes the stream bound to each buffer role.
type VideoSettings struct {
	SeekQuality  int     `json:"seekQuality"`
	ScrubQuality int     `json:"scrubQuality"`
	PlayQuality  int     `json:"playQuality"`
	SeekFPS      float64 `json:"seekFPS"`
	ScrubFPS     float64 `json:"scrubFPS"`
	PlayFPS      float64 `json:"playFPS"`
}

// EventHandler receives engine events.
type EventHandler func(Event)
