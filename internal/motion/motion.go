// Package motion estimates the display refresh rate and builds playback
// schedules that approximate a video's frame rate using whole display ticks.
package motion

import (
	"math"
	"sort"
	"time"
)

const (
	// CalibrationTrials is the number of refresh samples used per estimate.
	CalibrationTrials = 20

	// ScheduleSlots is the number of frames described by one schedule cycle.
	ScheduleSlots = 12

	// MaxDisplayHz caps refresh estimates.
	MaxDisplayHz = 240

	// MinPlaybackFPS is the floor applied to slow videos when picking a display rate.
	MinPlaybackFPS = 15

	// MaxAnimationIncrement bounds catch-up after a stalled display callback.
	MaxAnimationIncrement = 2

	// flexibleEvery marks every third slot as carrying the fractional remainder.
	flexibleEvery = 3
)

// EstimateDisplayHz returns the modal refresh rate observed in timestamps
// (milliseconds, ascending). The first two deltas are ignored when enough
// samples exist since they usually include start-up jitter. Results near a
// common refresh rate snap to it. It returns 0 when fewer than two samples exist.
func EstimateDisplayHz(timestamps []float64) float64 {
	if len(timestamps) < 2 {
		return 0
	}
	start := 0
	if len(timestamps) > 5 {
		start = 2
	}

	counts := make(map[int]int)
	for i := start; i < len(timestamps)-1; i++ {
		delta := timestamps[i+1] - timestamps[i]
		if delta <= 0 {
			continue
		}
		fps := int(math.Round(1000.0 / delta))
		if fps > MaxDisplayHz {
			fps = MaxDisplayHz
		}
		counts[fps]++
	}
	if len(counts) == 0 {
		return MaxDisplayHz
	}

	rates := make([]int, 0, len(counts))
	for fps := range counts {
		rates = append(rates, fps)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(rates)))
	mode := rates[0]
	for _, fps := range rates[1:] {
		if counts[fps] > counts[mode] {
			mode = fps
		}
	}
	return snap(float64(mode))
}

func snap(hz float64) float64 {
	switch {
	case math.Abs(hz-240) < 10:
		return 240
	case math.Abs(hz-120) < 10:
		return 120
	case math.Abs(hz-60) < 5:
		return 60
	case math.Abs(hz-30) < 5:
		return 30
	}
	return hz
}

// Comp converts between display ticks and video frames.
// Comp is not safe for concurrent use; it lives on the playback loop.
type Comp struct {
	displayHz float64

	videoFPS float64
	rate     float64
	computed bool

	schedule   []int
	updatesAt  map[int]struct{}
	cycleTicks int

	safeMode bool
	samples  []float64
}

// New returns a Comp for a display refreshing at displayHz. A non-positive
// rate falls back to 60 Hz.
func New(displayHz float64) *Comp {
	if displayHz <= 0 {
		displayHz = 60
	}
	if displayHz > MaxDisplayHz {
		displayHz = MaxDisplayHz
	}
	return &Comp{displayHz: displayHz, rate: 1}
}

// NewFromSamples estimates the display rate from refresh timestamps (ms).
func NewFromSamples(timestamps []float64) *Comp {
	return New(EstimateDisplayHz(timestamps))
}

// DisplayHz returns the current display refresh estimate.
func (c *Comp) DisplayHz() float64 {
	return c.displayHz
}

// Interval returns the duration of one display tick.
func (c *Comp) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.displayHz)
}

// SafeMode reports whether degraded playback is active.
func (c *Comp) SafeMode() bool {
	return c.safeMode
}

// SetSafeMode enables degraded playback: the displayed rate is halved and
// frame increments doubled. There is no way back.
func (c *Comp) SetSafeMode() {
	if c.safeMode {
		return
	}
	c.safeMode = true
	if c.computed {
		c.ComputePlaybackSchedule(c.videoFPS, c.rate)
	}
}

// displayedFPS is the rate at which new frames are put on screen.
func (c *Comp) displayedFPS(videoFPS, rate float64) float64 {
	target := videoFPS * rate
	fps := math.Min(target, math.Max(MinPlaybackFPS, videoFPS))
	fps = math.Min(fps, c.displayHz)
	if c.safeMode {
		fps /= 2
	}
	return fps
}

// ComputePlaybackSchedule builds the tick schedule for a video at rate and
// returns a copy of it. Each entry is the number of display ticks one frame
// stays on screen. Every third slot absorbs the fractional part of the ideal
// ticks-per-frame, choosing between the rounded-up and rounded-down counts so
// the average rate lands as close as possible to the target.
func (c *Comp) ComputePlaybackSchedule(videoFPS, rate float64) []int {
	if rate <= 0 {
		rate = 1
	}
	c.videoFPS = videoFPS
	c.rate = rate
	c.computed = true

	target := c.displayedFPS(videoFPS, rate)
	cycles := c.displayHz / target
	regular := int(math.Round(cycles))
	if regular < 1 {
		regular = 1
	}
	frac := (cycles - float64(regular)) * flexibleEvery
	large := max(1, regular+int(math.Ceil(frac)))
	small := max(1, regular+int(math.Floor(frac)))

	flexible := (ScheduleSlots + flexibleEvery - 1) / flexibleEvery
	fixed := ScheduleSlots - flexible

	bestLarge := 0
	bestErr := math.Inf(1)
	for k := 0; k <= flexible; k++ {
		sum := fixed*regular + k*large + (flexible-k)*small
		achieved := float64(ScheduleSlots) / float64(sum) * c.displayHz
		if err := math.Abs(achieved - target); err < bestErr-1e-12 {
			bestErr = err
			bestLarge = k
		}
	}

	c.schedule = make([]int, ScheduleSlots)
	j := 0
	for i := range c.schedule {
		if i%flexibleEvery != 0 {
			c.schedule[i] = regular
			continue
		}
		// spread the large slots evenly among the flexible ones
		if (j+1)*bestLarge/flexible > j*bestLarge/flexible {
			c.schedule[i] = large
		} else {
			c.schedule[i] = small
		}
		j++
	}

	c.updatesAt = make(map[int]struct{}, ScheduleSlots)
	offset := 0
	for _, ticks := range c.schedule {
		c.updatesAt[offset] = struct{}{}
		offset += ticks
	}
	c.cycleTicks = offset

	out := make([]int, len(c.schedule))
	copy(out, c.schedule)
	return out
}

// Schedule returns a copy of the current schedule.
func (c *Comp) Schedule() []int {
	out := make([]int, len(c.schedule))
	copy(out, c.schedule)
	return out
}

// TargetFPS returns the rate the current schedule aims for.
func (c *Comp) TargetFPS() float64 {
	if !c.computed {
		return 0
	}
	return c.displayedFPS(c.videoFPS, c.rate)
}

// AchievedFPS returns the average frame rate the schedule produces.
func (c *Comp) AchievedFPS() float64 {
	if c.cycleTicks == 0 {
		return 0
	}
	return float64(len(c.schedule)) / float64(c.cycleTicks) * c.displayHz
}

// TimeToUpdate reports whether the display tick with the given index should
// show a new frame.
func (c *Comp) TimeToUpdate(tick int) bool {
	if c.cycleTicks == 0 {
		return true
	}
	rel := tick % c.cycleTicks
	if rel < 0 {
		rel += c.cycleTicks
	}
	_, ok := c.updatesAt[rel]
	return ok
}

// FrameIncrement returns how many video frames to advance per displayed frame
// so playback at rate keeps pace without exceeding the display's rate.
func (c *Comp) FrameIncrement(videoFPS, rate float64) int {
	if rate <= 0 {
		rate = 1
	}
	inc := int(math.Round(videoFPS * rate / c.displayedFPS(videoFPS, rate)))
	if inc < 1 {
		inc = 1
	}
	return inc
}

// AnimationIncrement returns the number of display ticks between two
// callbacks (milliseconds), capped at MaxAnimationIncrement.
func (c *Comp) AnimationIncrement(now, last float64) int {
	if last <= 0 || now <= last {
		return 1
	}
	interval := 1000.0 / c.displayHz
	n := int(math.Round((now - last) / interval))
	if n < 0 {
		n = 0
	}
	if n > MaxAnimationIncrement {
		n = MaxAnimationIncrement
	}
	return n
}

// Observe records a display callback timestamp (ms). Every CalibrationTrials
// samples the refresh rate is re-estimated; Observe reports whether it changed,
// in which case the schedule has already been recomputed.
func (c *Comp) Observe(now float64) bool {
	c.samples = append(c.samples, now)
	if len(c.samples) <= CalibrationTrials {
		return false
	}
	hz := EstimateDisplayHz(c.samples)
	c.samples = c.samples[:0]
	if hz <= 0 || hz == c.displayHz {
		return false
	}
	c.displayHz = math.Min(hz, MaxDisplayHz)
	if c.computed {
		c.ComputePlaybackSchedule(c.videoFPS, c.rate)
	}
	return true
}

// ResetSamples discards partially collected refresh samples, e.g. after a pause.
func (c *Comp) ResetSamples() {
	c.samples = c.samples[:0]
}
