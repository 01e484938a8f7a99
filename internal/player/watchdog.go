package player

import (
	"log/slog"
	"math"
	"time"

	"playback-engine/internal/buffer"
	"playback-engine/internal/download"
	"playback-engine/internal/loop"
	"playback-engine/internal/media"
)

// onDemandState tracks the prefetch session feeding the play buffer.
type onDemandState struct {
	id          int
	dir         Direction
	initialized bool
	ready       bool
	finished    bool
	resetting   bool

	pending       int
	pendingSince  time.Time
	runwayAtAsk   float64
	completed     int
	noGrowth      int
	decodeRetries int

	timer    loop.Timer
	running  bool
	gen      int
	resetSeq int
}

// appendThreshold is the runway the watchdog keeps buffered in seconds.
func (e *Engine) appendThreshold() float64 {
	th := OnDemandRunway.Seconds() * math.Max(1, e.rate)
	if e.media.FPS < LowFPSThreshold {
		th *= LowFPSFactor
	}
	return th
}

// readyThreshold is the runway needed before playback may start, bounded by
// what is left of the media.
func (e *Engine) readyThreshold(dir Direction) float64 {
	return math.Min(e.appendThreshold(), e.remaining(e.frame, dir)-1/e.media.FPS)
}

func (e *Engine) onDemandRunway(dir Direction) float64 {
	return e.demux.Runway(e.frameTime(e.frame), buffer.Direction(dir), media.RolePlay)
}

// onDemandPrimed reports whether the play buffer can start playback in dir
// right away.
func (e *Engine) onDemandPrimed(dir Direction) bool {
	if !e.od.initialized || e.od.resetting || e.od.dir != dir {
		return false
	}
	if e.od.finished && e.demux.Play().Contains(e.frameTime(e.frame)) {
		return true
	}
	return approxGE(e.onDemandRunway(dir), e.readyThreshold(dir))
}

// initOnDemand opens a new session at the current frame.
func (e *Engine) initOnDemand(dir Direction) {
	e.stopWatchdog()
	id := e.dl.OnDemandInit(e.frame, e.sel.Play, buffer.Direction(dir))
	e.od = onDemandState{
		id:            id,
		dir:           dir,
		initialized:   true,
		decodeRetries: e.od.decodeRetries,
		gen:           e.od.gen,
		resetSeq:      e.od.resetSeq,
	}
	e.log.Debug("on-demand session started", slog.Int("session_id", id),
		slog.String("direction", dir.String()), slog.Int("frame", e.frame))
	e.startWatchdog()
}

// restartOnDemand clears the play buffer and opens a new session once it is
// empty. Replies from the old session are dropped by id.
func (e *Engine) restartOnDemand(reason string) {
	e.log.Info("restarting on-demand buffer", slog.String("reason", reason), slog.Int("session_id", e.od.id))
	e.metrics.IncOnDemandRestarts()
	e.stopWatchdog()
	e.od.resetting = true
	e.od.ready = false
	e.od.pending = 0
	e.dl.OnDemandShutdown()
	e.od.resetSeq++
	seq := e.od.resetSeq
	e.demux.ResetOnDemand(func(error) {
		if e.closed || e.od.resetSeq != seq {
			return
		}
		e.initOnDemand(e.onDemandDir())
	})
}

// onDemandDir is the direction a new session should prefetch in.
func (e *Engine) onDemandDir() Direction {
	switch {
	case e.waiting:
		return e.waitDir
	case e.direction != Stopped:
		return e.direction
	case e.od.dir != Stopped:
		return e.od.dir
	}
	return Forward
}

func (e *Engine) startWatchdog() {
	if e.od.running || e.compat {
		return
	}
	e.od.running = true
	e.od.gen++
	gen := e.od.gen
	e.od.timer = e.loop.After(0, func() { e.watchdogTick(gen) })
}

func (e *Engine) stopWatchdog() {
	if !e.od.running {
		return
	}
	e.od.running = false
	e.od.gen++
	stopTimer(e.od.timer)
	e.od.timer = nil
}

func (e *Engine) watchdogTick(gen int) {
	if !e.od.running || e.od.gen != gen || e.closed {
		return
	}
	e.maybeRequestMore()
	e.od.timer = e.loop.After(WatchdogInterval, func() { e.watchdogTick(gen) })
}

// maybeRequestMore asks for the next segment when the runway ahead of the
// play head drops under the append threshold. At most one download is
// pending at a time.
func (e *Engine) maybeRequestMore() {
	od := &e.od
	if !od.initialized || od.resetting {
		return
	}
	dir := od.dir
	runway := e.onDemandRunway(dir)

	primed := approxGE(runway, e.readyThreshold(dir)) || (od.finished && runway > 0)
	if primed && !od.ready {
		od.ready = true
		e.log.Debug("on-demand ready", slog.Int("session_id", od.id), slog.Float64("runway", runway))
		e.emit(Event{Type: EventPlaybackReady, Frame: e.frame})
	}
	if primed && e.waiting && e.waitDir == dir {
		e.startTriad(dir)
	}

	if od.finished || runway >= e.appendThreshold() {
		return
	}
	if od.pending > 0 {
		if e.loop.Now().Sub(od.pendingSince) < PendingTimeout {
			return
		}
		e.log.Warn("on-demand download timed out", slog.Int("session_id", od.id))
		od.pending = 0
	}
	od.pending++
	od.pendingSince = e.loop.Now()
	od.runwayAtAsk = runway
	e.dl.OnDemandDownload()
}

// onOnDemandApplied runs once a segment of the current session is in the
// play buffer.
func (e *Engine) onOnDemandApplied(ev download.Event) {
	od := &e.od
	if ev.SessionID != od.id || od.resetting {
		return
	}
	od.pending = 0
	od.completed++
	od.decodeRetries = 0
	e.emit(Event{Type: EventOnDemandDetail, Ranges: ev.Ranges})
	e.metrics.SetBufferedSeconds(media.RolePlay.String(), totalSeconds(ev.Ranges))

	runway := e.onDemandRunway(od.dir)
	if runway <= od.runwayAtAsk+1e-6 {
		od.noGrowth++
		if od.noGrowth >= FragmentLimit {
			e.log.Warn("on-demand buffer fragmented",
				slog.Int("session_id", od.id),
				slog.Int("downloads", od.noGrowth),
				slog.Any("ranges", ev.Ranges))
			e.restartOnDemand("fragmented")
			return
		}
	} else {
		od.noGrowth = 0
	}
	if od.running {
		e.maybeRequestMore()
	}
}

func (e *Engine) onOnDemandFinished(ev download.Event) {
	if ev.SessionID != e.od.id {
		return
	}
	e.od.finished = true
	e.od.pending = 0
	if e.od.running {
		e.maybeRequestMore()
	}
}

// onDecodeError resets the play buffer once; a second failure before any
// segment applies is reported as a video error.
func (e *Engine) onDecodeError(ev download.Event) {
	if ev.Role != media.RolePlay {
		e.log.Warn("decode error", slog.String("role", ev.Role.String()), slog.Any("error", ev.Err))
		return
	}
	if ev.SessionID != e.od.id || e.od.resetting {
		return
	}
	e.od.decodeRetries++
	if e.od.decodeRetries > MaxDecodeRestarts {
		e.log.Error("decode error after restart", slog.Any("error", ev.Err))
		e.stopWatchdog()
		e.emit(Event{Type: EventVideoError, Frame: e.frame, Message: ev.Err.Error()})
		if e.direction != Stopped {
			e.Pause()
		}
		return
	}
	e.restartOnDemand("decode error")
}

func totalSeconds(rs []buffer.Range) float64 {
	total := 0.0
	for _, r := range rs {
		total += r.Duration()
	}
	return total
}
