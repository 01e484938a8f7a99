package player

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"playback-engine/internal/buffer"
	"playback-engine/internal/download"
	"playback-engine/internal/loop"
	"playback-engine/internal/media"
	"playback-engine/internal/motion"
	"playback-engine/internal/platform/metrics"
)

var (
	// ErrNotStopped is returned by frame addressing while playback runs.
	ErrNotStopped = errors.New("engine is playing")

	// ErrRateNotBuffered is returned when a fast playback rate lacks runway.
	ErrRateNotBuffered = errors.New("playback rate not buffered yet, please wait")

	// ErrInvalidRate is returned for non-positive playback rates.
	ErrInvalidRate = errors.New("playback rate must be positive")

	// ErrEndOfMedia is returned when playing past the edge of the media.
	ErrEndOfMedia = errors.New("no frames left in that direction")

	// ErrCodecNotSupported is returned when no variant can be decoded.
	ErrCodecNotSupported = errors.New("codec not supported")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// Tuning constants.
const (
	// FastForwardCutoff is the rate above which playback reads from the scrub
	// pool and needs CanPlayRate.
	FastForwardCutoff = 4.0
	// FastForwardWindow is the runway, per unit of rate, required above the cutoff.
	FastForwardWindow = 3 * time.Second

	// SeekTimeout bounds a network seek.
	SeekTimeout = 3 * time.Second

	// RingSize is the number of frames the loader may run ahead of the display.
	RingSize = 8
	// LoaderBackoff is the loader's retry delay when the ring is full or the
	// next frame is not buffered.
	LoaderBackoff = 10 * time.Millisecond
	// StallRetries is the number of consecutive misses before a stall is signalled.
	StallRetries = 50

	// DiagnosticInterval is the health check cadence.
	DiagnosticInterval = 5 * time.Second
	// HealthStart is the health score of a fresh engine; safe mode is entered at zero.
	HealthStart = 7
	// HealthyRatio is the fraction of the target rate a window must achieve.
	HealthyRatio = 0.9
	// AudioDriftLimit is the tolerated audio/video offset.
	AudioDriftLimit = 100 * time.Millisecond
	// AudioNudge is the relative audio rate correction.
	AudioNudge = 0.01

	// WatchdogInterval is the on-demand watchdog cadence.
	WatchdogInterval = 100 * time.Millisecond
	// OnDemandRunway is the buffered time the watchdog keeps ahead at 1x.
	OnDemandRunway = 5 * time.Second
	// LowFPSThreshold and LowFPSFactor scale the runway for low frame rate media.
	LowFPSThreshold = 20.0
	LowFPSFactor    = 1.5
	// PendingTimeout is how long the watchdog waits for a download.
	PendingTimeout = 5 * time.Second
	// FragmentLimit is the number of downloads without runway growth that
	// forces a reset.
	FragmentLimit = 4
	// MaxDecodeRestarts is the number of decode error restarts before the
	// error is surfaced.
	MaxDecodeRestarts = 1
)

// Options configures an Engine.
type Options struct {
	Context    Context
	Media      *media.Descriptor
	Demux      *buffer.Demux
	Downloader download.Downloader
	Renderer   Renderer
	// Audio is optional.
	Audio   Audio
	OnEvent EventHandler

	// Quality binds roles to variants. The zero value selects defaults.
	Quality *media.Selection
	// InitialFrame is drawn once the scrub stream is ready.
	InitialFrame int
	// SafeMode starts the engine degraded.
	SafeMode bool
	// CodecSupported reports whether a variant can be decoded; nil accepts all.
	CodecSupported func(media.Variant) bool
}

// Engine is the playback state machine for one video. All methods must be
// called on the context's loop.
type Engine struct {
	ctx      Context
	loop     loop.Loop
	log      *slog.Logger
	metrics  *metrics.Metrics
	media    *media.Descriptor
	demux    *buffer.Demux
	dl       download.Downloader
	renderer Renderer
	audio    Audio
	onEvent  EventHandler
	motion   *motion.Comp

	sel          media.Selection
	initialFrame int
	epoch        time.Time

	direction  Direction
	status     Status
	rate       float64
	frame      int
	displayed  int
	firstFrame int
	ready      bool
	canvasUp   bool
	compat     bool
	closed     bool

	seek     seekRequest
	od       onDemandState
	waiting  bool
	waitDir  Direction
	triad    triadState
	health   int
	onPause  []func()
	lastDiag diagnostics
}

// New validates opts and returns a stopped, paused engine. Call Start to begin
// loading.
func New(opts Options) (*Engine, error) {
	if opts.Context.Loop == nil {
		return nil, errors.New("engine needs a loop")
	}
	if opts.Media == nil || opts.Demux == nil || opts.Downloader == nil || opts.Renderer == nil {
		return nil, errors.New("engine needs media, a demux, a downloader and a renderer")
	}
	if err := opts.Media.Validate(); err != nil {
		return nil, fmt.Errorf("invalid media: %w", err)
	}
	log := opts.Context.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		ctx:          opts.Context,
		loop:         opts.Context.Loop,
		log:          log.With(slog.String("engine_id", opts.Context.ID.String()), slog.Int64("media_id", opts.Media.ID)),
		metrics:      opts.Context.Metrics,
		media:        opts.Media,
		demux:        opts.Demux,
		dl:           opts.Downloader,
		renderer:     opts.Renderer,
		audio:        opts.Audio,
		onEvent:      opts.OnEvent,
		motion:       motion.New(opts.Context.DisplayRateHz),
		initialFrame: opts.InitialFrame,
		epoch:        opts.Context.Loop.Now(),
		rate:         1,
		displayed:    -1,
		health:       HealthStart,
	}
	e.seek.reset()
	e.triad.ring = newFrameRing(RingSize)

	if opts.CodecSupported != nil && !e.media.IsConcat() {
		supported := false
		for _, v := range e.media.Files.Streaming {
			if opts.CodecSupported(v) {
				supported = true
				break
			}
		}
		if !supported {
			e.emit(Event{Type: EventCodecNotSupported, Message: "no stream of this media can be decoded"})
			return nil, ErrCodecNotSupported
		}
	}

	if opts.Quality != nil {
		e.sel = *opts.Quality
	} else if len(e.media.Files.Streaming) > 0 {
		sel, err := e.media.Select(0, 0, 0)
		if err != nil {
			return nil, err
		}
		e.sel = sel
	}
	if opts.SafeMode {
		e.motion.SetSafeMode()
	}
	e.motion.ComputePlaybackSchedule(e.media.FPS, e.rate)
	e.dl.SetHandler(e.onDownloadEvent)
	return e, nil
}

// Start begins the scrub download and announces the quality settings. The
// initial frame is drawn once the worker reports ready.
func (e *Engine) Start() error {
	if e.closed {
		return ErrClosed
	}
	if err := e.dl.Start(e.sel.Scrub); err != nil {
		return fmt.Errorf("start download: %w", err)
	}
	e.renderer.ResizeViewport(e.media.Width, e.media.Height)
	settings := e.VideoSettings()
	e.emit(Event{Type: EventDefaultVideoSettings, Settings: &settings})
	if e.motion.SafeMode() {
		e.emit(Event{Type: EventSafeMode, Message: "safe mode requested"})
	}
	return nil
}

// SetHandler replaces the event handler.
func (e *Engine) SetHandler(h EventHandler) { e.onEvent = h }

// Media returns the engine's media.
func (e *Engine) Media() *media.Descriptor { return e.media }

// Demux returns the engine's buffers.
func (e *Engine) Demux() *buffer.Demux { return e.demux }

// Motion returns the schedule generator.
func (e *Engine) Motion() *motion.Comp { return e.motion }

// Frame returns the current frame position.
func (e *Engine) Frame() int { return e.frame }

// DisplayedFrame returns the number of the frame on screen, or -1.
func (e *Engine) DisplayedFrame() int { return e.displayed }

// Direction returns the transport direction.
func (e *Engine) Direction() Direction { return e.direction }

// Status returns the transport status.
func (e *Engine) Status() Status { return e.status }

// Rate returns the playback rate.
func (e *Engine) Rate() float64 { return e.rate }

// Ready reports whether the scrub stream answered.
func (e *Engine) Ready() bool { return e.ready }

// SafeMode reports whether the engine degraded to safe mode.
func (e *Engine) SafeMode() bool { return e.motion.SafeMode() }

// Compat reports whether the engine fell back to whole-file playback.
func (e *Engine) Compat() bool { return e.compat }

// Quality returns the role to variant binding.
func (e *Engine) Quality() media.Selection { return e.sel }

// Health returns the diagnostic health score.
func (e *Engine) Health() int { return e.health }

// OnPause registers fn to run after every pause or frame jump completes.
func (e *Engine) OnPause(fn func()) { e.onPause = append(e.onPause, fn) }

// VideoSettings describes the active streams.
func (e *Engine) VideoSettings() VideoSettings {
	return VideoSettings{
		SeekQuality:  e.media.Quality(e.sel, media.RoleSeek),
		ScrubQuality: e.media.Quality(e.sel, media.RoleScrub),
		PlayQuality:  e.media.Quality(e.sel, media.RolePlay),
		SeekFPS:      e.media.FPS,
		ScrubFPS:     e.media.FPS,
		PlayFPS:      e.media.FPS,
	}
}

// State is a snapshot of the engine for status reporting.
type State struct {
	ID          string          `json:"id"`
	MediaID     int64           `json:"media_id"`
	Frame       int             `json:"frame"`
	Displayed   int             `json:"displayed"`
	Direction   string          `json:"direction"`
	Status      string          `json:"status"`
	Rate        float64         `json:"rate"`
	Ready       bool            `json:"ready"`
	SafeMode    bool            `json:"safe_mode"`
	Compat      bool            `json:"compat"`
	Health      int             `json:"health"`
	SessionID   int             `json:"session_id"`
	TargetFPS   float64         `json:"target_fps"`
	AchievedFPS float64         `json:"achieved_fps"`
	Settings    VideoSettings   `json:"settings"`
	Buffers     buffer.Snapshot `json:"buffers"`
}

// State returns a snapshot of the engine.
func (e *Engine) State() State {
	return State{
		ID:          e.ctx.ID.String(),
		MediaID:     e.media.ID,
		Frame:       e.frame,
		Displayed:   e.displayed,
		Direction:   e.direction.String(),
		Status:      e.status.String(),
		Rate:        e.rate,
		Ready:       e.ready,
		SafeMode:    e.motion.SafeMode(),
		Compat:      e.compat,
		Health:      e.health,
		SessionID:   e.od.id,
		TargetFPS:   e.motion.TargetFPS(),
		AchievedFPS: e.lastDiag.fps,
		Settings:    e.VideoSettings(),
		Buffers:     e.demux.Snapshot(),
	}
}

// Close stops every loop and the download workers.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.stopTriad()
	e.stopWatchdog()
	e.seek.stopTimer()
	e.closed = true
	e.dl.Close()
}

func (e *Engine) emit(ev Event) {
	h := e.onEvent
	if h == nil {
		return
	}
	ev.Source = e.ctx.ID
	e.loop.Post(func() { h(ev) })
}

// nowMs returns loop time in milliseconds since the engine was created.
func (e *Engine) nowMs() float64 {
	return float64(e.loop.Now().Sub(e.epoch)) / float64(time.Millisecond)
}

func (e *Engine) frameTime(frame int) float64 {
	return float64(frame) / e.media.FPS
}

func (e *Engine) clampFrame(frame int) int {
	frame = e.media.ClampFrame(frame)
	if frame < e.firstFrame {
		frame = e.firstFrame
	}
	return frame
}

// remaining returns the media time left from frame in dir.
func (e *Engine) remaining(frame int, dir Direction) float64 {
	if dir == Backward {
		return e.frameTime(frame - e.firstFrame + 1)
	}
	return e.frameTime(e.media.LastFrame() - frame + 1)
}

// display puts f on screen.
func (e *Engine) display(f Frame) {
	e.renderer.PushFrame(f)
	e.displayed = f.Number
	e.frame = f.Number
	e.metrics.IncFramesDisplayed()
	e.emit(Event{Type: EventFrameChange, Frame: f.Number})
}

func (e *Engine) runPauseCallbacks() {
	for _, fn := range e.onPause {
		fn()
	}
}

// onDownloadEvent dispatches downloader notifications.
func (e *Engine) onDownloadEvent(ev download.Event) {
	if e.closed {
		return
	}
	switch ev.Type {
	case download.EventReady:
		e.onReady(ev)
	case download.EventBufferLoaded:
		e.emit(Event{Type: EventBufferLoaded, Percent: ev.Percent})
		e.metrics.SetBufferedSeconds(media.RoleScrub.String(), e.demux.ScrubRanges().Total())
	case download.EventSeekResult:
		e.onSeekResult(ev.Frame, ev.Segment)
	case download.EventOnDemand:
		e.onOnDemandApplied(ev)
	case download.EventOnDemandFinished:
		e.onOnDemandFinished(ev)
	case download.EventDecodeError:
		e.onDecodeError(ev)
	case download.EventError:
		e.enterCompatMode(ev.Err)
	}
}

func (e *Engine) onReady(ev download.Event) {
	e.firstFrame = ev.FirstFrame
	if e.ready {
		return
	}
	e.ready = true
	e.log.Info("stream ready",
		slog.Float64("start_bias", ev.StartBias),
		slog.Int("first_frame", ev.FirstFrame))
	e.drawInitialFrame()
}

func (e *Engine) drawInitialFrame() {
	frame := e.clampFrame(e.initialFrame)
	e.frame = frame
	e.seekFrame(frame, true, func(f *Frame) {
		if f != nil {
			e.display(*f)
		}
		if !e.canvasUp {
			e.canvasUp = true
			e.emit(Event{Type: EventCanvasReady, Frame: frame})
		}
	})
}

// enterCompatMode switches permanently to whole-file playback.
func (e *Engine) enterCompatMode(cause error) {
	if e.compat {
		return
	}
	e.compat = true
	e.log.Warn("entering compatibility mode", slog.Any("error", cause))
	e.metrics.IncCompatMode()
	e.demux.EnterCompatMode(e.media.Duration())
	e.od.finished = true
	e.stopWatchdog()
	e.emit(Event{Type: EventCompatibilityMode, Message: fmt.Sprint(cause)})
	if e.waiting {
		e.waiting = false
		e.startTriad(e.waitDir)
	}
	if !e.ready {
		e.ready = true
		e.drawInitialFrame()
	}
}

// enterSafeMode halves the displayed rate. There is no way back.
func (e *Engine) enterSafeMode() {
	if e.motion.SafeMode() {
		return
	}
	e.motion.SetSafeMode()
	e.metrics.IncSafeMode()
	e.log.Warn("entering safe mode", slog.Float64("target_fps", e.motion.TargetFPS()))
	e.emit(Event{Type: EventSafeMode, Message: "playback degraded after sustained low frame rate"})
}

// lookupRoles returns the roles that may serve a request for role, in order.
// Buffers bound to the same variant are interchangeable.
func (e *Engine) lookupRoles(role media.Role) []media.Role {
	roles := []media.Role{role}
	idx := e.sel.Index(role)
	for _, other := range []media.Role{media.RolePlay, media.RoleSeek, media.RoleScrub} {
		if other != role && e.sel.Index(other) == idx {
			roles = append(roles, other)
		}
	}
	return roles
}

// lookup returns the buffered frame for one of roles, or nil.
func (e *Engine) lookup(frame int, roles ...media.Role) *Frame {
	t := e.frameTime(frame)
	b, role := e.demux.Lookup(t, roles...)
	if b == nil {
		return nil
	}
	return &Frame{
		Number:  frame,
		Time:    t,
		Role:    role,
		Buffer:  b.Name(),
		Quality: e.media.Quality(e.sel, role),
	}
}

// SetQuality rebinds role to the variant closest to quality (a height).
// Changing the scrub quality reloads the scrub pool; changing the play
// quality restarts the on-demand session.
func (e *Engine) SetQuality(role media.Role, quality int) error {
	if e.closed {
		return ErrClosed
	}
	idx := e.media.FindBestVariant(quality)
	if idx < 0 {
		return media.ErrNoVariants
	}
	if e.sel.Index(role) == idx {
		return nil
	}
	e.sel = e.sel.With(role, idx)
	e.log.Info("quality changed", slog.String("role", role.String()), slog.Int("quality", quality), slog.Int("variant", idx))
	switch role {
	case media.RoleScrub:
		e.demux.ResetScrub()
		if err := e.dl.Start(idx); err != nil {
			return err
		}
	case media.RolePlay:
		if e.od.initialized {
			e.restartOnDemand("quality change")
		}
	case media.RoleSeek:
		if e.direction == Stopped {
			e.redraw(true)
		}
	}
	settings := e.VideoSettings()
	e.emit(Event{Type: EventDefaultVideoSettings, Settings: &settings})
	return nil
}

// redraw seeks the current frame again, e.g. to replace a scrub-quality image.
func (e *Engine) redraw(forceHQ bool) {
	e.seekFrame(e.frame, forceHQ, func(f *Frame) {
		if f != nil {
			e.display(*f)
		}
	})
}

func approxGE(a, b float64) bool {
	return a >= b-1e-6 || math.IsInf(a, 1)
}
