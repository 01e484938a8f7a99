package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNoVariants is returned when a descriptor carries no streaming variants.
	ErrNoVariants = errors.New("media has no streaming variants")

	// ErrInvalidFPS is returned when a descriptor's frame rate is not positive.
	ErrInvalidFPS = errors.New("media fps must be positive")

	// ErrInvalidFrameCount is returned when a descriptor has no frames.
	ErrInvalidFrameCount = errors.New("media must have at least one frame")
)

// Variant is one encoded rendition of a media file.
type Variant struct {
	Height int    `json:"-"`
	Width  int    `json:"-"`
	Path   string `json:"path"`

	// Resolution is the backend's [height, width] pair.
	Resolution [2]int `json:"resolution"`

	// SegmentInfo optionally points at the segment index for the variant.
	SegmentInfo string `json:"segment_info,omitempty"`
}

// ConcatPart is one sub-video of a concatenated media.
type ConcatPart struct {
	ID              int64   `json:"id"`
	TimestampOffset float64 `json:"timestampOffset"`

	// Media is resolved by the caller after decoding; the backend only sends ids.
	Media *Descriptor `json:"-"`
}

// Files mirrors the backend's media_files object.
type Files struct {
	Streaming   []Variant    `json:"streaming"`
	Audio       []Variant    `json:"audio,omitempty"`
	Layout      []int        `json:"layout,omitempty"`
	IDs         []int64      `json:"ids,omitempty"`
	FrameOffset []int        `json:"frameOffset,omitempty"`
	Concat      []ConcatPart `json:"concat,omitempty"`
}

// Descriptor is the immutable description of a loaded media.
type Descriptor struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	FPS       float64 `json:"fps"`
	NumFrames int     `json:"num_frames"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Files     Files   `json:"media_files"`
}

// Decode parses a backend media object and normalises variant resolutions.
func Decode(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}
	d.normalise()
	return &d, nil
}

func (d *Descriptor) normalise() {
	for i := range d.Files.Streaming {
		v := &d.Files.Streaming[i]
		if v.Height == 0 {
			v.Height = v.Resolution[0]
		}
		if v.Width == 0 {
			v.Width = v.Resolution[1]
		}
	}
}

// Validate checks the fields the playback engine depends on.
func (d *Descriptor) Validate() error {
	if d.FPS <= 0 || math.IsNaN(d.FPS) || math.IsInf(d.FPS, 0) {
		return ErrInvalidFPS
	}
	if d.NumFrames <= 0 {
		return ErrInvalidFrameCount
	}
	if d.IsMultiView() {
		return nil
	}
	if len(d.Files.Streaming) == 0 && len(d.Files.Concat) == 0 {
		return ErrNoVariants
	}
	return nil
}

// IsMultiView reports whether the descriptor groups several videos.
func (d *Descriptor) IsMultiView() bool {
	return len(d.Files.IDs) > 0
}

// IsConcat reports whether the descriptor is a concatenation of sub-videos.
func (d *Descriptor) IsConcat() bool {
	return len(d.Files.Concat) > 0
}

// Duration returns the media length in seconds.
func (d *Descriptor) Duration() float64 {
	return float64(d.NumFrames) / d.FPS
}

// FrameToTime converts a frame number to media time in seconds.
// bias is the time of the stream's first keyframe.
func (d *Descriptor) FrameToTime(frame int, bias float64) float64 {
	return float64(frame)/d.FPS + bias
}

// TimeToFrame converts a media time to the frame displayed at that time.
func (d *Descriptor) TimeToFrame(t, bias float64) int {
	return int(math.Floor((t-bias)*d.FPS + 1e-6))
}

// LastFrame returns the index of the final frame.
func (d *Descriptor) LastFrame() int {
	return d.NumFrames - 1
}

// ClampFrame bounds frame to [0, NumFrames).
func (d *Descriptor) ClampFrame(frame int) int {
	if frame < 0 {
		return 0
	}
	if frame > d.LastFrame() {
		return d.LastFrame()
	}
	return frame
}

// FrameOffsetFor returns the multiview frame offset for track i, or 0.
func (f Files) FrameOffsetFor(i int) int {
	if i < 0 || i >= len(f.FrameOffset) {
		return 0
	}
	return f.FrameOffset[i]
}
