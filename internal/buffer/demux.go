package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"playback-engine/internal/loop"
	"playback-engine/internal/media"
)

// Direction of playback used when measuring or trimming buffered runway.
type Direction int

const (
	// Backward plays toward frame zero.
	Backward Direction = -1
	// Forward plays toward the last frame.
	Forward Direction = 1
)

// Defaults for DemuxConfig.
const (
	DefaultScrubCapacityBytes = 300 * 1024 * 1024
	DefaultMaxScrubBuffers    = 4
	DefaultRolloverThreshold  = 0.95
	DefaultTrimSeconds        = 30.0
)

// DemuxConfig configures a Demux.
type DemuxConfig struct {
	// ScrubCapacityBytes is the capacity of each buffer in the scrub pool.
	ScrubCapacityBytes int64
	// MaxScrubBuffers bounds the pool; the oldest full buffer is evicted beyond it.
	MaxScrubBuffers int
	// RolloverThreshold is the fill ratio at which a successor buffer is allocated.
	RolloverThreshold float64
	// TrimSeconds is how far behind the play head on-demand data is kept.
	TrimSeconds float64
	// ApplyDelay is passed to every buffer.
	ApplyDelay time.Duration
	// Check is passed to every buffer.
	Check Checker
}

// DefaultDemuxConfig returns production defaults.
func DefaultDemuxConfig() DemuxConfig {
	return DemuxConfig{
		ScrubCapacityBytes: DefaultScrubCapacityBytes,
		MaxScrubBuffers:    DefaultMaxScrubBuffers,
		RolloverThreshold:  DefaultRolloverThreshold,
		TrimSeconds:        DefaultTrimSeconds,
	}
}

func (c *DemuxConfig) applyDefaults() {
	if c.ScrubCapacityBytes <= 0 {
		c.ScrubCapacityBytes = DefaultScrubCapacityBytes
	}
	if c.MaxScrubBuffers <= 0 {
		c.MaxScrubBuffers = DefaultMaxScrubBuffers
	}
	if c.RolloverThreshold <= 0 || c.RolloverThreshold > 1 {
		c.RolloverThreshold = DefaultRolloverThreshold
	}
	if c.TrimSeconds <= 0 {
		c.TrimSeconds = DefaultTrimSeconds
	}
}

// Demux owns the decode buffers of one video: a rotating scrub pool, a seek
// buffer and an on-demand play buffer. It must only be used from its loop.
type Demux struct {
	cfg  DemuxConfig
	loop loop.Loop
	log  *slog.Logger

	scrub     []*DecodeBuffer
	overlap   *DecodeBuffer
	scrubSeq  int
	seek      *DecodeBuffer
	play      *DecodeBuffer
	compat    *DecodeBuffer
	evictions int
}

// NewDemux returns a Demux with one empty buffer per role.
func NewDemux(l loop.Loop, log *slog.Logger, cfg DemuxConfig) *Demux {
	cfg.applyDefaults()
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	d := &Demux{cfg: cfg, loop: l, log: log}
	d.scrub = []*DecodeBuffer{d.newScrubBuffer()}
	d.seek = NewDecodeBuffer("seek", l, BufferOptions{ApplyDelay: cfg.ApplyDelay, Check: cfg.Check})
	d.play = NewDecodeBuffer("play", l, BufferOptions{ApplyDelay: cfg.ApplyDelay, Check: cfg.Check})
	return d
}

func (d *Demux) newScrubBuffer() *DecodeBuffer {
	name := fmt.Sprintf("scrub-%d", d.scrubSeq)
	d.scrubSeq++
	return NewDecodeBuffer(name, d.loop, BufferOptions{
		CapacityBytes: d.cfg.ScrubCapacityBytes,
		ApplyDelay:    d.cfg.ApplyDelay,
		Check:         d.cfg.Check,
	})
}

// Config returns the effective configuration.
func (d *Demux) Config() DemuxConfig { return d.cfg }

// Seek returns the seek buffer.
func (d *Demux) Seek() *DecodeBuffer { return d.seek }

// Play returns the on-demand buffer.
func (d *Demux) Play() *DecodeBuffer { return d.play }

// ScrubPool returns the scrub buffers, oldest first.
func (d *Demux) ScrubPool() []*DecodeBuffer {
	out := make([]*DecodeBuffer, len(d.scrub))
	copy(out, d.scrub)
	return out
}

// Compat reports whether the demux serves everything from a whole-file source.
func (d *Demux) Compat() bool { return d.compat != nil }

// ForTime returns the buffer that can decode t for role, or nil on a miss.
// The scrub pool is scanned from the most recently allocated buffer backward.
func (d *Demux) ForTime(t float64, role media.Role) *DecodeBuffer {
	if d.compat != nil {
		if d.compat.Contains(t) {
			return d.compat
		}
		return nil
	}
	switch role {
	case media.RolePlay:
		if d.play.Contains(t) {
			return d.play
		}
	case media.RoleSeek:
		if d.seek.Contains(t) {
			return d.seek
		}
	default:
		for i := len(d.scrub) - 1; i >= 0; i-- {
			if d.scrub[i].Contains(t) {
				return d.scrub[i]
			}
		}
	}
	return nil
}

// Lookup tries each role in order and returns the first hit.
func (d *Demux) Lookup(t float64, roles ...media.Role) (*DecodeBuffer, media.Role) {
	for _, role := range roles {
		if b := d.ForTime(t, role); b != nil {
			return b, role
		}
	}
	return nil, 0
}

// ScrubRanges returns the union of ranges across the scrub pool.
func (d *Demux) ScrubRanges() *Ranges {
	var rs Ranges
	if d.compat != nil {
		for _, r := range d.compat.Ranges() {
			rs.Add(r)
		}
		return &rs
	}
	for _, b := range d.scrub {
		for _, r := range b.ranges.spans {
			rs.Add(r)
		}
	}
	return &rs
}

// Runway returns the seconds of contiguous data from t to the edge of the
// buffered range in dir, taking the best of the given roles. It returns 0
// when t is not buffered.
func (d *Demux) Runway(t float64, dir Direction, roles ...media.Role) float64 {
	best := 0.0
	for _, role := range roles {
		var rs *Ranges
		switch {
		case d.compat != nil:
			rs = &d.compat.ranges
		case role == media.RolePlay:
			rs = &d.play.ranges
		case role == media.RoleSeek:
			rs = &d.seek.ranges
		default:
			rs = d.ScrubRanges()
		}
		r, ok := rs.Containing(t)
		if !ok {
			continue
		}
		run := r.End - t
		if dir == Backward {
			run = t - r.Start
		}
		best = math.Max(best, run)
	}
	return best
}

// AppendScrub writes seg into the scrub pool. When the active buffer would
// pass the rollover threshold a successor is allocated and segments are
// written to both until the old buffer exceeds its capacity, at which point
// it is retired. done runs once every write has completed.
func (d *Demux) AppendScrub(seg Segment, done func(error)) {
	if d.compat != nil {
		d.complete(done, nil)
		return
	}
	size := seg.Size()
	active := d.scrub[len(d.scrub)-1]
	capacity := active.capacityBytes

	targets := []*DecodeBuffer{active}
	switch {
	case d.overlap != nil:
		if d.overlap.reserved+size > capacity {
			d.overlap.markFull()
			d.log.Debug("scrub buffer retired",
				slog.String("buffer", d.overlap.name),
				slog.Int64("in_use_bytes", d.overlap.reserved))
			d.overlap = nil
			d.evict()
		} else {
			targets = append(targets, d.overlap)
		}
	case float64(active.reserved+size) > float64(capacity)*d.cfg.RolloverThreshold:
		next := d.newScrubBuffer()
		d.scrub = append(d.scrub, next)
		d.log.Debug("scrub buffer rollover",
			slog.String("from", active.name),
			slog.String("to", next.name),
			slog.Int64("in_use_bytes", active.reserved))
		targets = []*DecodeBuffer{next}
		if active.reserved+size > capacity {
			active.markFull()
			d.evict()
		} else {
			d.overlap = active
			targets = append(targets, active)
		}
	}

	d.appendAll(targets, seg, done)
}

// evict drops the oldest retired buffers beyond the pool bound.
func (d *Demux) evict() {
	for len(d.scrub) > d.cfg.MaxScrubBuffers && d.scrub[0].full && d.scrub[0] != d.overlap {
		d.log.Debug("scrub buffer evicted", slog.String("buffer", d.scrub[0].name))
		d.scrub[0].Abort()
		d.scrub = d.scrub[1:]
		d.evictions++
	}
}

func (d *Demux) appendAll(targets []*DecodeBuffer, seg Segment, done func(error)) {
	remaining := len(targets)
	var firstErr error
	for _, b := range targets {
		b.Append(seg, func(err error) {
			if err != nil && !errors.Is(err, ErrAborted) && firstErr == nil {
				firstErr = err
			}
			remaining--
			if remaining == 0 && done != nil {
				done(firstErr)
			}
		})
	}
}

// AppendSeek replaces the seek buffer's contents with seg.
func (d *Demux) AppendSeek(seg Segment, done func(error)) {
	if d.compat != nil {
		d.complete(done, nil)
		return
	}
	d.seek.Reset(nil)
	d.seek.Append(seg, done)
}

// AppendOnDemand writes seg into the play buffer.
func (d *Demux) AppendOnDemand(seg Segment, done func(error)) {
	if d.compat != nil {
		d.complete(done, nil)
		return
	}
	d.play.Append(seg, done)
}

// DeletePendingOnDemand trims play-buffer data more than TrimSeconds behind t
// in the direction of playback. It reports whether a removal was queued.
func (d *Demux) DeletePendingOnDemand(t float64, dir Direction, done func(error)) bool {
	if d.compat != nil || d.play.ranges.Len() == 0 {
		return false
	}
	start, end := 0.0, t-d.cfg.TrimSeconds
	if dir == Backward {
		start, end = t+d.cfg.TrimSeconds, math.Inf(1)
	}
	first, last := d.play.ranges.At(0), d.play.ranges.At(d.play.ranges.Len()-1)
	if end <= first.Start || start >= last.End {
		return false
	}
	d.play.Remove(start, end, done)
	return true
}

// ResetOnDemand clears the play buffer; done runs once it holds no ranges.
func (d *Demux) ResetOnDemand(done func(error)) {
	d.play.Abort()
	d.play.Reset(done)
}

// ResetScrub discards the scrub pool and starts a fresh one, e.g. after the
// scrub quality changed.
func (d *Demux) ResetScrub() {
	for _, b := range d.scrub {
		b.Abort()
	}
	d.overlap = nil
	d.scrub = []*DecodeBuffer{d.newScrubBuffer()}
}

// EnterCompatMode switches every role to a single whole-file source that can
// decode the entire timeline. There is no way back.
func (d *Demux) EnterCompatMode(duration float64) {
	if d.compat != nil {
		return
	}
	d.compat = NewDecodeBuffer("compat", d.loop, BufferOptions{})
	d.compat.ranges.Add(Range{Start: 0, End: duration})
	d.compat.segments = []Segment{{Start: 0, End: duration}}
}

func (d *Demux) complete(done func(error), err error) {
	if done == nil {
		return
	}
	d.loop.Post(func() { done(err) })
}

// Snapshot describes every buffer of the demux.
type Snapshot struct {
	Scrub     []Stats `json:"scrub"`
	Seek      Stats   `json:"seek"`
	Play      Stats   `json:"play"`
	Compat    bool    `json:"compat"`
	Evictions int     `json:"evictions"`
}

// Snapshot returns the current state of all buffers.
func (d *Demux) Snapshot() Snapshot {
	s := Snapshot{
		Seek:      d.seek.Stats(),
		Play:      d.play.Stats(),
		Compat:    d.compat != nil,
		Evictions: d.evictions,
	}
	for _, b := range d.scrub {
		s.Scrub = append(s.Scrub, b.Stats())
	}
	return s
}
