package multiview

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"playback-engine/internal/media"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/player"
)

const (
	// DriftAuditInterval is the number of prime frames between drift audits.
	DriftAuditInterval = 60
	// DriftLimit is the spread, in prime frames, above which an audit warns.
	DriftLimit = 10
)

// Options configures a Multi.
type Options struct {
	Context  player.Context
	Timeline *Timeline
	// Engines are indexed like the timeline's tracks. Multi takes over their
	// event handlers.
	Engines []*player.Engine
	OnEvent player.EventHandler
}

// Multi fans one transport out to several engines. Frame numbers given to
// and returned by Multi are prime frames. It must only be used from the
// engines' loop.
type Multi struct {
	id      uuid.UUID
	log     *slog.Logger
	metrics *metrics.Metrics
	tl      *Timeline
	engines []*player.Engine
	onEvent player.EventHandler

	direction player.Direction
	waiting   player.Direction
	rate      float64
	frame     int

	seekGen       int
	lastAudit     int
	driftWarnings int
}

// New wires engines to a shared timeline.
func New(opts Options) (*Multi, error) {
	if opts.Timeline == nil {
		return nil, ErrNoTracks
	}
	if len(opts.Engines) != opts.Timeline.Len() {
		return nil, fmt.Errorf("have %d engines for %d tracks", len(opts.Engines), opts.Timeline.Len())
	}
	log := opts.Context.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	m := &Multi{
		id:      uuid.New(),
		log:     log.With(slog.String("component", "multiview"), slog.Int("tracks", len(opts.Engines))),
		metrics: opts.Context.Metrics,
		tl:      opts.Timeline,
		engines: opts.Engines,
		onEvent: opts.OnEvent,
		rate:    1,
	}
	for i, e := range m.engines {
		if e == nil {
			return nil, fmt.Errorf("track %d: missing engine", i)
		}
		e.SetHandler(m.trackHandler(i))
	}
	return m, nil
}

// SetHandler replaces the event handler.
func (m *Multi) SetHandler(h player.EventHandler) { m.onEvent = h }

// Timeline returns the shared timeline.
func (m *Multi) Timeline() *Timeline { return m.tl }

// Engines returns the track engines.
func (m *Multi) Engines() []*player.Engine { return m.engines }

// Frame returns the prime frame.
func (m *Multi) Frame() int { return m.frame }

// Direction returns the transport direction.
func (m *Multi) Direction() player.Direction { return m.direction }

// Waiting returns the direction playback starts in once every track is
// ready, or Stopped.
func (m *Multi) Waiting() player.Direction { return m.waiting }

// DriftWarnings returns the number of audits that found drift.
func (m *Multi) DriftWarnings() int { return m.driftWarnings }

// Play starts forward playback on every track.
func (m *Multi) Play() error { return m.play(player.Forward) }

// PlayBackwards starts reverse playback on every track.
func (m *Multi) PlayBackwards() error { return m.play(player.Backward) }

// play starts every track at once when all of them have runway. Otherwise
// every track primes its on-demand buffer and playback starts when the last
// one reports ready.
func (m *Multi) play(dir player.Direction) error {
	if m.direction == dir {
		return nil
	}
	if m.direction != player.Stopped || m.waiting != player.Stopped {
		m.Pause()
	}
	if m.rate > player.FastForwardCutoff || m.Ready(dir) {
		return m.start(dir)
	}
	m.waiting = dir
	m.log.Debug("waiting for every track", slog.String("direction", dir.String()))
	for _, e := range m.engines {
		e.PrepareOnDemand(dir)
	}
	return nil
}

func (m *Multi) start(dir player.Direction) error {
	m.waiting = player.Stopped
	for i, e := range m.engines {
		var err error
		if dir == player.Forward {
			err = e.Play()
		} else {
			err = e.PlayBackwards()
		}
		switch {
		case err == nil:
		case errors.Is(err, player.ErrEndOfMedia) && i != m.tl.Prime():
			// a shorter track has nothing left to show
			m.log.Debug("track at its edge", slog.Int("track", i))
		default:
			for _, started := range m.engines[:i] {
				started.Pause()
			}
			return fmt.Errorf("track %d: %w", i, err)
		}
	}
	m.direction = dir
	m.lastAudit = m.frame
	m.log.Info("multiview playback started", slog.String("direction", dir.String()), slog.Int("frame", m.frame))
	return nil
}

// Ready reports whether every track can start playback in dir.
func (m *Multi) Ready(dir player.Direction) bool {
	for _, e := range m.engines {
		if !e.OnDemandReady(dir) {
			return false
		}
	}
	return true
}

// Pause stops every track.
func (m *Multi) Pause() {
	m.direction = player.Stopped
	m.waiting = player.Stopped
	for _, e := range m.engines {
		e.Pause()
	}
}

// GotoFrame positions every track at the frame matching prime.
func (m *Multi) GotoFrame(prime int, forceHQ bool) error {
	return m.Seek(prime, forceHQ, nil)
}

// Seek positions every track like GotoFrame. Once all tracks have drawn, the
// landed frames are checked against the timeline and tracks that missed are
// sought once more. done runs after that check; it never runs for a seek
// superseded by a newer one.
func (m *Multi) Seek(prime int, forceHQ bool, done func()) error {
	if m.direction != player.Stopped || m.waiting != player.Stopped {
		return player.ErrNotStopped
	}
	prime = m.tl.ClampPrime(prime)
	m.frame = prime
	m.seekGen++
	gen := m.seekGen

	m.seekTracks(m.trackIndexes(), prime, forceHQ, func() {
		m.verify(gen, prime, forceHQ, done)
	})
	return nil
}

// seekTracks seeks the given tracks and calls then once all of them answered.
func (m *Multi) seekTracks(tracks []int, prime int, forceHQ bool, then func()) {
	pending := len(tracks)
	answered := func() {
		pending--
		if pending == 0 {
			then()
		}
	}
	for _, i := range tracks {
		local := m.tl.Expected(i, prime)
		if err := m.engines[i].Seek(local, forceHQ, func(*player.Frame) { answered() }); err != nil {
			m.log.Warn("track seek failed", slog.Int("track", i), slog.Int("frame", local), slog.Any("error", err))
			answered()
		}
	}
}

// verify re-seeks tracks whose landed frame disagrees with the timeline. It
// retries once.
func (m *Multi) verify(gen, prime int, forceHQ bool, done func()) {
	if gen != m.seekGen {
		return
	}
	missed := m.mismatched(prime)
	if len(missed) == 0 {
		m.finishSeek(done)
		return
	}
	m.log.Info("re-seeking tracks", slog.Int("frame", prime), slog.Any("tracks", missed))
	m.seekTracks(missed, prime, forceHQ, func() {
		if gen != m.seekGen {
			return
		}
		if still := m.mismatched(prime); len(still) > 0 {
			m.log.Warn("tracks did not land on the requested frame", slog.Int("frame", prime), slog.Any("tracks", still))
		}
		m.finishSeek(done)
	})
}

func (m *Multi) finishSeek(done func()) {
	if done != nil {
		done()
	}
}

func (m *Multi) mismatched(prime int) []int {
	var out []int
	for i, e := range m.engines {
		if e.DisplayedFrame() != m.tl.Expected(i, prime) {
			out = append(out, i)
		}
	}
	return out
}

func (m *Multi) trackIndexes() []int {
	out := make([]int, len(m.engines))
	for i := range out {
		out[i] = i
	}
	return out
}

// Advance steps one prime frame forward at seek quality.
func (m *Multi) Advance() error { return m.GotoFrame(m.frame+1, true) }

// Back steps one prime frame backward at seek quality.
func (m *Multi) Back() error { return m.GotoFrame(m.frame-1, true) }

// SetRate changes the rate of every track. Either every track takes the rate
// or none does: a fast rate is refused when any moving track lacks the scrub
// runway for it.
func (m *Multi) SetRate(rate float64) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return player.ErrInvalidRate
	}
	for i, e := range m.engines {
		if dir := e.Direction(); dir != player.Stopped && !e.CanPlayRate(rate, dir) {
			return fmt.Errorf("track %d: %w: %.1fx", i, player.ErrRateNotBuffered, rate)
		}
	}
	for i, e := range m.engines {
		if err := e.SetRate(rate); err != nil {
			for _, done := range m.engines[:i] {
				if rerr := done.SetRate(m.rate); rerr != nil {
					m.log.Warn("rate rollback failed", slog.Float64("rate", m.rate), slog.Any("error", rerr))
				}
			}
			return fmt.Errorf("track %d: %w", i, err)
		}
	}
	m.rate = rate
	return nil
}

// SetQuality applies a quality change to every track.
func (m *Multi) SetQuality(role media.Role, quality int) error {
	var errs []error
	for i, e := range m.engines {
		if err := e.SetQuality(role, quality); err != nil {
			errs = append(errs, fmt.Errorf("track %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Drift returns the spread of the tracks' positions in prime frames.
func (m *Multi) Drift() int {
	lo, hi := 0, 0
	for i, e := range m.engines {
		p := m.tl.ToPrime(i, e.Frame())
		if i == 0 || p < lo {
			lo = p
		}
		if i == 0 || p > hi {
			hi = p
		}
	}
	return hi - lo
}

// auditDrift logs tracks that drifted apart. Drift is not corrected.
func (m *Multi) auditDrift() {
	drift := m.Drift()
	if drift <= DriftLimit {
		return
	}
	m.driftWarnings++
	m.metrics.IncDriftWarnings()
	frames := make([]int, len(m.engines))
	for i, e := range m.engines {
		frames[i] = e.Frame()
	}
	m.log.Warn("multiview tracks drifted",
		slog.Int("frame", m.frame),
		slog.Int("drift", drift),
		slog.Any("track_frames", frames))
}

// Close stops every engine.
func (m *Multi) Close() {
	for _, e := range m.engines {
		e.Close()
	}
}

// State describes every track.
type State struct {
	Frame     int            `json:"frame"`
	Direction string         `json:"direction"`
	Waiting   string         `json:"waiting"`
	Rate      float64        `json:"rate"`
	Prime     int            `json:"prime"`
	Drift     int            `json:"drift"`
	Tracks    []player.State `json:"tracks"`
}

// State returns a snapshot of the multiview.
func (m *Multi) State() State {
	st := State{
		Frame:     m.frame,
		Direction: m.direction.String(),
		Waiting:   m.waiting.String(),
		Rate:      m.rate,
		Prime:     m.tl.Prime(),
		Drift:     m.Drift(),
	}
	for _, e := range m.engines {
		st.Tracks = append(st.Tracks, e.State())
	}
	return st
}

func (m *Multi) trackHandler(i int) player.EventHandler {
	return func(ev player.Event) {
		switch ev.Type {
		case player.EventPlaybackReady:
			m.onTrackReady()
			return
		case player.EventFrameChange:
			if i == m.tl.Prime() {
				m.onPrimeFrame(m.tl.ToPrime(i, ev.Frame))
			}
		case player.EventPlaybackEnded:
			if i == m.tl.Prime() && m.direction != player.Stopped {
				m.Pause()
			}
		}
		m.emit(ev)
	}
}

// onTrackReady starts playback once the last waiting track has runway.
func (m *Multi) onTrackReady() {
	dir := m.waiting
	if dir == player.Stopped || !m.Ready(dir) {
		return
	}
	m.emit(player.Event{Type: player.EventPlaybackReady, Source: m.id, Frame: m.frame})
	if err := m.start(dir); err != nil {
		m.log.Error("multiview playback failed to start", slog.Any("error", err))
	}
}

func (m *Multi) onPrimeFrame(frame int) {
	m.frame = frame
	if m.direction == player.Stopped {
		return
	}
	if d := frame - m.lastAudit; d >= DriftAuditInterval || d <= -DriftAuditInterval {
		m.lastAudit = frame
		m.auditDrift()
	}
}

func (m *Multi) emit(ev player.Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}
