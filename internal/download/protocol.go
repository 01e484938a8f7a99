// Package download coordinates the background workers that fetch segmented
// media and feeds their output into the decode buffers.
package download

import (
	"playback-engine/internal/buffer"
)

// CommandType names a message sent to a worker.
type CommandType string

// Commands understood by workers.
const (
	CmdStart            CommandType = "start"
	CmdSeek             CommandType = "seek"
	CmdOnDemandInit     CommandType = "onDemandInit"
	CmdOnDemandDownload CommandType = "onDemandDownload"
	CmdOnDemandPaused   CommandType = "onDemandPaused"
	CmdOnDemandShutdown CommandType = "onDemandShutdown"
)

// ReplyType names a message sent back by a worker.
type ReplyType string

// Replies emitted by workers.
const (
	ReplyReady            ReplyType = "ready"
	ReplyBuffer           ReplyType = "buffer"
	ReplyOnDemand         ReplyType = "onDemand"
	ReplySeekResult       ReplyType = "seek_result"
	ReplyError            ReplyType = "error"
	ReplyOnDemandFinished ReplyType = "onDemandFinished"
)

// Command is a request to a worker. Only the fields relevant to Type are set.
type Command struct {
	Type CommandType `json:"type"`

	Frame  int     `json:"frame,omitempty"`
	Time   float64 `json:"time,omitempty"`
	BufIdx int     `json:"buf_idx,omitempty"`

	FPS            float64          `json:"fps,omitempty"`
	MaxFrame       int              `json:"maxFrame,omitempty"`
	Direction      buffer.Direction `json:"direction,omitempty"`
	MediaFileIndex int              `json:"mediaFileIndex,omitempty"`
	ID             int              `json:"id,omitempty"`
}

// Reply is a message from a worker.
type Reply struct {
	Type ReplyType `json:"type"`

	// ID tags onDemand and onDemandFinished replies with their session.
	ID int `json:"id,omitempty"`

	// Frame tags seek_result replies with the requested frame.
	Frame int `json:"frame,omitempty"`

	// StartBias is the time of the first keyframe, carried by ready.
	StartBias float64 `json:"startBias,omitempty"`

	// FirstFrame is set by ready when the stream does not start at frame 0.
	FirstFrame int `json:"firstFrame,omitempty"`

	// PercentComplete reports scrub download progress with buffer replies.
	PercentComplete float64 `json:"percent_complete,omitempty"`

	// Segment carries media for buffer, onDemand and seek_result replies.
	Segment buffer.Segment `json:"segment"`

	// Err describes an error reply.
	Err string `json:"error,omitempty"`
}

// Worker is a background fetch/demux process reached only by messages.
type Worker interface {
	// Post sends cmd to the worker. It must not block on the worker's progress.
	Post(cmd Command)
	// Close stops the worker; no replies are delivered afterwards.
	Close()
}

// ReplyHandler receives worker replies. It may be called from any goroutine.
type ReplyHandler func(Reply)

// WorkerFactory creates a worker for a media, delivering replies to h.
type WorkerFactory func(h ReplyHandler) (Worker, error)
