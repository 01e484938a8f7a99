package player

import (
	"log/slog"
	"math"
	"time"

	"playback-engine/internal/loop"
	"playback-engine/internal/media"
)

// triadState holds the loader, player and diagnostic loops. Each loop
// re-arms itself through a timer; stopping clears the timers and bumps the
// generation so callbacks already queued do nothing.
type triadState struct {
	running bool
	gen     int
	dir     Direction

	ring       *frameRing
	loadFrame  int
	loaderDone bool
	misses     int
	stalled    bool

	tick     int
	lastAnim float64

	loader loop.Timer
	player loop.Timer
	diag   loop.Timer

	windowStart  time.Time
	windowFrames int
	ended        bool
}

type diagnostics struct {
	fps   float64
	drift float64
}

func stopTimer(t loop.Timer) {
	if t != nil {
		t.Stop()
	}
}

// startTriad starts the three playback loops in dir.
func (e *Engine) startTriad(dir Direction) {
	if e.triad.running && e.triad.dir == dir {
		return
	}
	e.stopTriad()
	e.waiting = false
	e.direction = dir
	e.status = Playing

	tr := &e.triad
	tr.running = true
	tr.gen++
	tr.dir = dir
	tr.ring.Clear()
	tr.loadFrame = e.frame + int(dir)*e.motion.FrameIncrement(e.media.FPS, e.rate)
	tr.loaderDone = false
	tr.misses = 0
	tr.stalled = false
	tr.tick = 0
	tr.lastAnim = 0
	tr.ended = false
	tr.windowStart = e.loop.Now()
	tr.windowFrames = 0

	e.metrics.AddActiveEngines(1)
	e.log.Info("playback started",
		slog.String("direction", dir.String()),
		slog.Int("frame", e.frame),
		slog.Float64("rate", e.rate),
		slog.Any("schedule", e.motion.Schedule()))

	if e.audio != nil {
		e.audio.Seek(e.frameTime(e.frame))
		e.audio.SetRate(e.rate)
		e.audio.Play()
	}

	gen := tr.gen
	tr.loader = e.loop.After(0, func() { e.loaderTick(gen) })
	tr.player = e.loop.After(e.motion.Interval(), func() { e.playerTick(gen) })
	tr.diag = e.loop.After(DiagnosticInterval, func() { e.diagnosticTick(gen) })
}

// stopTriad cancels the loops. In-flight worker requests drain normally.
func (e *Engine) stopTriad() {
	tr := &e.triad
	if !tr.running {
		return
	}
	tr.running = false
	tr.gen++
	stopTimer(tr.loader)
	stopTimer(tr.player)
	stopTimer(tr.diag)
	tr.loader, tr.player, tr.diag = nil, nil, nil
	tr.ring.Clear()
	e.metrics.AddActiveEngines(-1)
}

// loaderRoles returns the buffers the loader reads during playback.
func (e *Engine) loaderRoles() []media.Role {
	if e.rate > FastForwardCutoff {
		return []media.Role{media.RoleScrub, media.RolePlay, media.RoleSeek}
	}
	return e.lookupRoles(media.RolePlay)
}

// loaderTick pushes the next frame into the ring, backing off while the ring
// is full or the frame is not buffered.
func (e *Engine) loaderTick(gen int) {
	tr := &e.triad
	if !tr.running || tr.gen != gen || tr.loaderDone {
		return
	}
	rearm := func(d time.Duration) {
		tr.loader = e.loop.After(d, func() { e.loaderTick(gen) })
	}
	if tr.ring.Full() {
		rearm(LoaderBackoff)
		return
	}

	first, last := e.firstFrame, e.media.LastFrame()
	frame := tr.loadFrame
	if frame > last {
		frame = last
	}
	if frame < first {
		frame = first
	}

	f := e.lookup(frame, e.loaderRoles()...)
	if f == nil {
		tr.misses++
		if tr.misses >= StallRetries && !tr.stalled {
			tr.stalled = true
			e.metrics.IncPlaybackStalls()
			e.log.Warn("playback stalled", slog.Int("frame", frame), slog.Int("retries", tr.misses))
			e.emit(Event{Type: EventPlaybackStalled, Frame: frame})
		}
		rearm(LoaderBackoff)
		return
	}
	tr.misses = 0
	tr.stalled = false
	tr.ring.Push(*f)

	if (tr.dir == Forward && frame >= last) || (tr.dir == Backward && frame <= first) {
		tr.loaderDone = true
		return
	}
	tr.loadFrame = frame + int(tr.dir)*e.motion.FrameIncrement(e.media.FPS, e.rate)
	rearm(0)
}

// playerTick shows the next frame on display ticks chosen by the schedule.
func (e *Engine) playerTick(gen int) {
	tr := &e.triad
	if !tr.running || tr.gen != gen {
		return
	}
	now := e.nowMs()
	inc := e.motion.AnimationIncrement(now, tr.lastAnim)
	tr.lastAnim = now
	if e.motion.Observe(now) {
		e.log.Info("display rate changed", slog.Float64("display_hz", e.motion.DisplayHz()))
	}

	update := false
	for i := 0; i < inc; i++ {
		tr.tick++
		if e.motion.TimeToUpdate(tr.tick) {
			update = true
		}
	}
	if update {
		if f, ok := tr.ring.Pop(); ok {
			e.display(f)
			tr.windowFrames++
		}
	}
	if tr.loaderDone && tr.ring.Len() == 0 {
		e.finishPlayback()
		return
	}
	tr.player = e.loop.After(e.motion.Interval(), func() { e.playerTick(gen) })
}

// finishPlayback stops at the edge of the media and signals the end once.
func (e *Engine) finishPlayback() {
	if e.triad.ended {
		return
	}
	e.triad.ended = true
	e.log.Info("playback ended", slog.Int("frame", e.frame))
	e.Pause()
	e.emit(Event{Type: EventPlaybackEnded, Frame: e.frame})
}

// diagnosticTick measures the achieved rate, keeps audio in step and
// maintains the health score.
func (e *Engine) diagnosticTick(gen int) {
	tr := &e.triad
	if !tr.running || tr.gen != gen {
		return
	}
	now := e.loop.Now()
	elapsed := now.Sub(tr.windowStart).Seconds()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(tr.windowFrames) / elapsed
	}
	target := e.motion.TargetFPS()
	e.lastDiag.fps = fps
	e.metrics.SetAchievedFPS(fps)

	if fps < HealthyRatio*target {
		e.health--
		e.log.Warn("playback below target rate",
			slog.Float64("fps", fps),
			slog.Float64("target_fps", target),
			slog.Int("health", e.health))
	} else if e.health < HealthStart {
		e.health++
	}
	if e.health <= 0 {
		e.enterSafeMode()
	}

	e.syncAudio()

	tr.windowStart = now
	tr.windowFrames = 0
	tr.diag = e.loop.After(DiagnosticInterval, func() { e.diagnosticTick(gen) })
}

// syncAudio nudges the audio rate when it drifts from the video clock.
func (e *Engine) syncAudio() {
	if e.audio == nil {
		return
	}
	drift := e.audio.CurrentTime() - e.frameTime(e.frame)
	e.lastDiag.drift = drift
	limit := AudioDriftLimit.Seconds()
	rate := e.rate
	if e.direction == Backward {
		return
	}
	switch {
	case drift > limit:
		rate *= 1 - AudioNudge
	case drift < -limit:
		rate *= 1 + AudioNudge
	}
	if math.Abs(drift) > limit {
		e.log.Debug("audio drift correction", slog.Float64("drift", drift), slog.Float64("audio_rate", rate))
	}
	e.audio.SetRate(rate)
}
