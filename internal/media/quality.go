package media

import (
	"fmt"
	"math"
	"strings"
)

// Role identifies which decode buffer a request targets.
type Role int

const (
	// RoleScrub is the rotating low/medium resolution pool used for timeline drags.
	RoleScrub Role = iota
	// RoleSeek is the dedicated high resolution buffer for exact frame jumps.
	RoleSeek
	// RolePlay is the on-demand buffer fed during continuous playback.
	RolePlay
)

func (r Role) String() string {
	switch r {
	case RoleScrub:
		return "scrub"
	case RoleSeek:
		return "seek"
	case RolePlay:
		return "play"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole converts a buffer name ("scrub", "seek", "play") to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "scrub":
		return RoleScrub, nil
	case "seek":
		return RoleSeek, nil
	case "play", "ondemand", "on-demand":
		return RolePlay, nil
	}
	return 0, fmt.Errorf("unknown buffer role %q", s)
}

// Default quality targets (stream heights) per role.
const (
	DefaultPlayQuality  = 720
	DefaultScrubQuality = 320
)

// Selection binds each role to a streaming variant index.
type Selection struct {
	Scrub int
	Seek  int
	Play  int
}

// Index returns the variant index bound to role.
func (s Selection) Index(role Role) int {
	switch role {
	case RoleScrub:
		return s.Scrub
	case RoleSeek:
		return s.Seek
	default:
		return s.Play
	}
}

// With returns a copy of s with role bound to idx.
func (s Selection) With(role Role, idx int) Selection {
	switch role {
	case RoleScrub:
		s.Scrub = idx
	case RoleSeek:
		s.Seek = idx
	default:
		s.Play = idx
	}
	return s
}

// FindBestVariant returns the index of the variant whose height is closest to
// quality. Ties resolve to the larger rendition. It returns -1 when there are
// no variants.
func (d *Descriptor) FindBestVariant(quality int) int {
	best := -1
	bestDist := math.MaxInt
	for i, v := range d.Files.Streaming {
		dist := v.Height - quality
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist || (dist == bestDist && v.Height > d.Files.Streaming[best].Height) {
			best = i
			bestDist = dist
		}
	}
	return best
}

// HighestVariant returns the index of the largest rendition, or -1.
func (d *Descriptor) HighestVariant() int {
	best := -1
	for i, v := range d.Files.Streaming {
		if best < 0 || v.Height > d.Files.Streaming[best].Height {
			best = i
		}
	}
	return best
}

// Select resolves requested qualities to variant indices. A quality <= 0
// selects the role's default: 720 for play, 320 for scrub, highest for seek.
func (d *Descriptor) Select(play, scrub, seek int) (Selection, error) {
	if len(d.Files.Streaming) == 0 {
		return Selection{}, ErrNoVariants
	}
	if play <= 0 {
		play = DefaultPlayQuality
	}
	if scrub <= 0 {
		scrub = DefaultScrubQuality
	}
	sel := Selection{
		Play:  d.FindBestVariant(play),
		Scrub: d.FindBestVariant(scrub),
	}
	if seek <= 0 {
		sel.Seek = d.HighestVariant()
	} else {
		sel.Seek = d.FindBestVariant(seek)
	}
	return sel, nil
}

// Quality returns the stream height bound to role.
func (d *Descriptor) Quality(sel Selection, role Role) int {
	idx := sel.Index(role)
	if idx < 0 || idx >= len(d.Files.Streaming) {
		return 0
	}
	return d.Files.Streaming[idx].Height
}
