package player

import (
	"fmt"
	"log/slog"
	"math"

	"playback-engine/internal/buffer"
	"playback-engine/internal/media"
)

// Play starts forward playback.
func (e *Engine) Play() error { return e.play(Forward) }

// PlayBackwards starts reverse playback.
func (e *Engine) PlayBackwards() error { return e.play(Backward) }

func (e *Engine) play(dir Direction) error {
	if e.closed {
		return ErrClosed
	}
	if e.direction == dir {
		return nil
	}
	if e.direction != Stopped {
		e.Pause()
	}
	e.cancelSeek()
	if (dir == Forward && e.frame >= e.media.LastFrame()) || (dir == Backward && e.frame <= e.firstFrame) {
		return ErrEndOfMedia
	}
	if !e.CanPlayRate(e.rate, dir) {
		e.log.Info("rate not buffered", slog.Float64("rate", e.rate), slog.String("direction", dir.String()))
		return fmt.Errorf("%w: %.1fx", ErrRateNotBuffered, e.rate)
	}

	e.motion.ComputePlaybackSchedule(e.media.FPS, e.rate)
	e.motion.ResetSamples()

	if e.compat || e.rate > FastForwardCutoff {
		e.startTriad(dir)
		return nil
	}
	if e.onDemandPrimed(dir) {
		e.startTriad(dir)
		e.startWatchdog()
		return nil
	}
	e.playGenericOnDemand(dir)
	return nil
}

// playGenericOnDemand primes the on-demand buffer and starts the loops once
// the watchdog reports enough runway.
func (e *Engine) playGenericOnDemand(dir Direction) {
	e.direction = dir
	e.status = Playing
	e.waiting = true
	e.waitDir = dir
	e.prepareOnDemand(dir)
}

// PrepareOnDemand primes the on-demand buffer for dir without starting
// playback. EventPlaybackReady is emitted once it has enough runway.
func (e *Engine) PrepareOnDemand(dir Direction) {
	if e.closed || e.compat || dir == Stopped {
		return
	}
	e.prepareOnDemand(dir)
}

func (e *Engine) prepareOnDemand(dir Direction) {
	t := e.frameTime(e.frame)
	switch {
	case e.od.resetting:
		// the session reopens in the current direction once the reset lands
	case !e.od.initialized:
		e.initOnDemand(dir)
	case e.od.dir != dir || !e.demux.Play().Contains(t):
		e.restartOnDemand("reposition")
	default:
		// the buffer may have drained since the last ready report
		e.od.ready = false
		e.startWatchdog()
	}
}

// OnDemandReady reports whether the on-demand buffer can start playback in dir.
func (e *Engine) OnDemandReady(dir Direction) bool {
	return e.compat || e.onDemandPrimed(dir)
}

// Pause stops playback, suspends prefetching and redraws the current frame
// at seek quality.
func (e *Engine) Pause() {
	if e.closed {
		return
	}
	wasPlaying := e.direction != Stopped
	e.stopTriad()
	e.stopWatchdog()
	e.waiting = false
	e.direction = Stopped
	e.status = Paused
	if e.audio != nil {
		e.audio.Pause()
	}
	if wasPlaying && e.od.initialized {
		e.dl.OnDemandPaused()
	}
	e.seekFrame(e.frame, true, func(f *Frame) {
		if f != nil {
			e.display(*f)
		}
		e.runPauseCallbacks()
	})
}

// GotoFrame jumps to frame. It is only legal while stopped.
func (e *Engine) GotoFrame(frame int, forceHQ bool) error {
	return e.Seek(frame, forceHQ, nil)
}

// Seek jumps to frame like GotoFrame and passes the drawn frame, or nil when
// nothing could be drawn, to done.
func (e *Engine) Seek(frame int, forceHQ bool, done func(*Frame)) error {
	if e.closed {
		return ErrClosed
	}
	if e.direction != Stopped {
		return ErrNotStopped
	}
	frame = e.clampFrame(frame)
	e.frame = frame
	if !forceHQ {
		e.status = Scrubbing
	}
	if e.audio != nil {
		e.audio.Seek(e.frameTime(frame))
	}
	e.seekFrame(frame, forceHQ, func(f *Frame) {
		if e.status == Scrubbing {
			e.status = Paused
		}
		if f != nil {
			e.display(*f)
		}
		e.runPauseCallbacks()
		if done != nil {
			done(f)
		}
	})
	return nil
}

// Advance steps one frame forward at seek quality.
func (e *Engine) Advance() error {
	return e.GotoFrame(e.frame+1, true)
}

// Back steps one frame backward at seek quality.
func (e *Engine) Back() error {
	return e.GotoFrame(e.frame-1, true)
}

// SetRate changes the playback rate. Above FastForwardCutoff the scrub pool
// must already hold enough runway while playing.
func (e *Engine) SetRate(rate float64) error {
	if e.closed {
		return ErrClosed
	}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return ErrInvalidRate
	}
	if e.direction != Stopped && !e.CanPlayRate(rate, e.direction) {
		return fmt.Errorf("%w: %.1fx", ErrRateNotBuffered, rate)
	}
	old := e.rate
	e.rate = rate
	e.motion.ComputePlaybackSchedule(e.media.FPS, rate)
	if e.audio != nil {
		e.audio.SetRate(rate)
	}
	e.trimOnDemand()
	if e.direction != Stopped && (old > FastForwardCutoff) != (rate > FastForwardCutoff) {
		dir := e.direction
		e.stopTriad()
		e.direction = Stopped
		if rate <= FastForwardCutoff && !e.onDemandPrimed(dir) {
			e.playGenericOnDemand(dir)
		} else {
			e.startTriad(dir)
			if rate <= FastForwardCutoff {
				e.startWatchdog()
			}
		}
	}
	e.log.Debug("rate changed", slog.Float64("rate", rate), slog.Float64("target_fps", e.motion.TargetFPS()))
	return nil
}

// trimOnDemand drops on-demand data far behind the play head.
func (e *Engine) trimOnDemand() {
	dir := e.direction
	if dir == Stopped {
		dir = e.od.dir
	}
	if dir == Stopped {
		return
	}
	e.demux.DeletePendingOnDemand(e.frameTime(e.frame), buffer.Direction(dir), nil)
}

// CanPlayRate reports whether rate can start in dir without stalling. Rates
// up to FastForwardCutoff always can; faster rates need the scrub pool to
// cover rate times FastForwardWindow ahead of the current frame.
func (e *Engine) CanPlayRate(rate float64, dir Direction) bool {
	if rate <= FastForwardCutoff || e.compat {
		return true
	}
	if dir == Stopped {
		dir = Forward
	}
	t := e.frameTime(e.frame)
	need := math.Min(rate*FastForwardWindow.Seconds(), e.remaining(e.frame, dir)-1/e.media.FPS)
	return approxGE(e.demux.Runway(t, buffer.Direction(dir), media.RoleScrub), need)
}
