// Package multiview drives several playback engines from one transport and
// keeps their frame numbers on a shared timeline.
package multiview

import (
	"errors"
	"fmt"
	"math"

	"playback-engine/internal/media"
)

// ErrNoTracks is returned when a timeline is built without tracks.
var ErrNoTracks = errors.New("multiview needs at least one track")

// Track is one video of a multiview.
type Track struct {
	FPS         float64
	NumFrames   int
	FrameOffset int
}

// Duration returns the track length in seconds.
func (t Track) Duration() float64 {
	return float64(t.NumFrames) / t.FPS
}

// Timeline maps the frames of N tracks onto the prime track, the one with the
// longest duration.
type Timeline struct {
	tracks []Track
	prime  int
}

// NewTimeline validates tracks and picks the prime track. Ties go to the
// first track.
func NewTimeline(tracks []Track) (*Timeline, error) {
	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}
	prime := 0
	for i, t := range tracks {
		if t.FPS <= 0 || math.IsNaN(t.FPS) || math.IsInf(t.FPS, 0) {
			return nil, fmt.Errorf("track %d: %w", i, media.ErrInvalidFPS)
		}
		if t.NumFrames <= 0 {
			return nil, fmt.Errorf("track %d: %w", i, media.ErrInvalidFrameCount)
		}
		if t.Duration() > tracks[prime].Duration() {
			prime = i
		}
	}
	return &Timeline{tracks: append([]Track(nil), tracks...), prime: prime}, nil
}

// TimelineFor builds a timeline from media descriptors. offsets may be
// shorter than descs; missing offsets are zero.
func TimelineFor(descs []*media.Descriptor, offsets []int) (*Timeline, error) {
	tracks := make([]Track, 0, len(descs))
	files := media.Files{FrameOffset: offsets}
	for i, d := range descs {
		if d == nil {
			return nil, fmt.Errorf("track %d: missing media", i)
		}
		tracks = append(tracks, Track{FPS: d.FPS, NumFrames: d.NumFrames, FrameOffset: files.FrameOffsetFor(i)})
	}
	return NewTimeline(tracks)
}

// Len returns the number of tracks.
func (t *Timeline) Len() int { return len(t.tracks) }

// Prime returns the index of the prime track.
func (t *Timeline) Prime() int { return t.prime }

// Track returns track i.
func (t *Timeline) Track(i int) Track { return t.tracks[i] }

// PrimeLastFrame returns the last frame of the shared timeline.
func (t *Timeline) PrimeLastFrame() int {
	return t.tracks[t.prime].NumFrames - 1
}

// ClampPrime bounds a prime frame to the timeline.
func (t *Timeline) ClampPrime(frame int) int {
	return min(max(frame, 0), t.PrimeLastFrame())
}

// ToLocal converts a prime frame to track i's frame:
// round(prime * fps_i / fps_prime) + offset_i.
func (t *Timeline) ToLocal(i, prime int) int {
	p, tr := t.tracks[t.prime], t.tracks[i]
	return int(math.Round(float64(prime)*tr.FPS/p.FPS)) + tr.FrameOffset
}

// ToPrime is the inverse of ToLocal.
func (t *Timeline) ToPrime(i, local int) int {
	p, tr := t.tracks[t.prime], t.tracks[i]
	return int(math.Round(float64(local-tr.FrameOffset) * p.FPS / tr.FPS))
}

// Expected returns the frame track i should show for prime, bounded to the
// track.
func (t *Timeline) Expected(i, prime int) int {
	return min(max(t.ToLocal(i, prime), 0), t.tracks[i].NumFrames-1)
}
