package player

import (
	"log/slog"
	"time"

	"playback-engine/internal/buffer"
	"playback-engine/internal/loop"
	"playback-engine/internal/media"
)

// seekRequest is the single network-backed seek a video may have in flight.
type seekRequest struct {
	inFlight  bool
	frame     int
	role      media.Role
	deadline  time.Time
	timer     loop.Timer
	callbacks []func(*Frame)
}

func (s *seekRequest) reset() {
	s.stopTimer()
	*s = seekRequest{frame: -1}
}

func (s *seekRequest) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// take clears the request and returns its callbacks.
func (s *seekRequest) take() []func(*Frame) {
	cbs := s.callbacks
	s.reset()
	return cbs
}

// cancelSeek abandons the outstanding network seek; its callbacks receive nil.
func (e *Engine) cancelSeek() {
	if !e.seek.inFlight {
		return
	}
	for _, cb := range e.seek.take() {
		cb(nil)
	}
}

// SeekInFlight reports the frame of the outstanding network seek.
func (e *Engine) SeekInFlight() (int, bool) {
	return e.seek.frame, e.seek.inFlight
}

// seekFrame resolves frame to a drawable image and passes it to done.
//
// A buffered frame is delivered synchronously. A miss while playing yields
// nil so the transport never blocks. A miss while stopped becomes a network
// seek: a request for the frame already in flight joins it, a request for any
// other frame supersedes it and the superseded callbacks receive nil. The
// request expires after SeekTimeout.
func (e *Engine) seekFrame(frame int, forceHQ bool, done func(*Frame)) {
	role := media.RoleScrub
	roles := []media.Role{media.RoleScrub, media.RolePlay, media.RoleSeek}
	if forceHQ {
		role = media.RoleSeek
		roles = e.lookupRoles(media.RoleSeek)
	}
	if f := e.lookup(frame, roles...); f != nil {
		e.metrics.IncSeek("hit")
		done(f)
		return
	}
	if e.direction != Stopped || e.closed {
		e.metrics.IncSeek("miss")
		done(nil)
		return
	}

	if e.seek.inFlight && e.seek.frame == frame {
		e.metrics.IncSeek("joined")
		e.seek.callbacks = append(e.seek.callbacks, done)
		return
	}
	if e.seek.inFlight {
		e.metrics.IncSeek("superseded")
		e.log.Debug("seek superseded", slog.Int("old_frame", e.seek.frame), slog.Int("frame", frame))
		for _, cb := range e.seek.take() {
			cb(nil)
		}
	}

	e.metrics.IncSeek("network")
	e.seek = seekRequest{
		inFlight:  true,
		frame:     frame,
		role:      role,
		deadline:  e.loop.Now().Add(SeekTimeout),
		callbacks: []func(*Frame){done},
	}
	e.seek.timer = e.loop.After(SeekTimeout, func() { e.onSeekExpired(frame) })
	e.dl.Seek(frame, e.sel.Seek)
}

// onSeekResult applies a worker reply if it answers the outstanding request.
func (e *Engine) onSeekResult(frame int, seg buffer.Segment) {
	if !e.seek.inFlight || e.seek.frame != frame {
		e.metrics.IncStaleReply("seek")
		e.log.Debug("dropping stale seek reply", slog.Int("frame", frame), slog.Int("outstanding", e.seek.frame))
		return
	}
	e.seek.stopTimer()
	e.demux.AppendSeek(seg, func(err error) { e.onSeekApplied(frame, err) })
}

func (e *Engine) onSeekApplied(frame int, err error) {
	if !e.seek.inFlight || e.seek.frame != frame {
		return
	}
	if err != nil {
		e.log.Warn("seek append failed", slog.Int("frame", frame), slog.Any("error", err))
	}
	f := e.lookup(frame, e.lookupRoles(media.RoleSeek)...)
	for _, cb := range e.seek.take() {
		cb(f)
	}
	e.emit(Event{Type: EventSeekComplete, Frame: frame})
}

// onSeekExpired gives up on a seek that never returned and draws whatever
// is available for the frame.
func (e *Engine) onSeekExpired(frame int) {
	if !e.seek.inFlight || e.seek.frame != frame {
		return
	}
	e.seek.timer = nil
	e.metrics.IncSeek("expired")
	e.log.Warn("seek expired", slog.Int("frame", frame), slog.Duration("timeout", SeekTimeout))
	f := e.lookup(frame, media.RoleSeek, media.RolePlay, media.RoleScrub)
	for _, cb := range e.seek.take() {
		cb(f)
	}
}
