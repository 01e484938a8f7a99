package download

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"playback-engine/internal/buffer"
	"playback-engine/internal/loop"
	"playback-engine/internal/media"
	"playback-engine/internal/platform/metrics"
)

// ConcatOptions configures a ConcatManager.
type ConcatOptions struct {
	Loop    loop.Loop
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Demux   *buffer.Demux
	// Media is the concatenated descriptor; every part must have Media set
	// and share its frame rate.
	Media *media.Descriptor
	// Factory builds the worker factory for one part.
	Factory func(part media.ConcatPart) WorkerFactory
}

// ConcatManager exposes several sub-videos as one timeline. Each sub-video
// gets its own Manager, created the first time a command is routed to it.
// When the active part's on-demand session finishes, the adjacent part in the
// playback direction takes over the session.
type ConcatManager struct {
	loop    loop.Loop
	log     *slog.Logger
	metrics *metrics.Metrics
	demux   *buffer.Demux
	media   *media.Descriptor
	factory func(part media.ConcatPart) WorkerFactory
	handler EventHandler

	offsets  []float64
	parts    map[float64]media.ConcatPart
	managers map[float64]*Manager

	sessionID int
	active    int
	dir       buffer.Direction
	playIdx   int
	scrubIdx  int
	scrubPart int
	ready     bool
	closed    bool
}

// NewConcatManager validates the parts of d and returns a manager routing by
// timestamp offset.
func NewConcatManager(opts ConcatOptions) (*ConcatManager, error) {
	if opts.Loop == nil || opts.Demux == nil || opts.Media == nil || opts.Factory == nil {
		return nil, errors.New("concat manager needs a loop, demux, media and worker factory")
	}
	if !opts.Media.IsConcat() {
		return nil, fmt.Errorf("%w: media %d is not a concatenation", media.ErrNoVariants, opts.Media.ID)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &ConcatManager{
		loop:     opts.Loop,
		log:      log,
		metrics:  opts.Metrics,
		demux:    opts.Demux,
		media:    opts.Media,
		factory:  opts.Factory,
		parts:    make(map[float64]media.ConcatPart),
		managers: make(map[float64]*Manager),
		active:   -1,
	}
	for _, p := range opts.Media.Files.Concat {
		if p.Media == nil {
			return nil, fmt.Errorf("concat part %d has no media", p.ID)
		}
		// frame numbers cross part boundaries unconverted
		if math.Abs(p.Media.FPS-opts.Media.FPS) > 1e-6 {
			return nil, fmt.Errorf("concat part %d runs at %.3f fps, want %.3f", p.ID, p.Media.FPS, opts.Media.FPS)
		}
		if _, dup := c.parts[p.TimestampOffset]; dup {
			return nil, fmt.Errorf("concat parts share offset %.3f", p.TimestampOffset)
		}
		c.parts[p.TimestampOffset] = p
		c.offsets = append(c.offsets, p.TimestampOffset)
	}
	sort.Float64s(c.offsets)
	return c, nil
}

// SetHandler implements Downloader.SetHandler.
func (c *ConcatManager) SetHandler(h EventHandler) { c.handler = h }

// SessionID implements Downloader.SessionID.
func (c *ConcatManager) SessionID() int { return c.sessionID }

// Offsets returns the sorted part offsets.
func (c *ConcatManager) Offsets() []float64 {
	out := make([]float64, len(c.offsets))
	copy(out, c.offsets)
	return out
}

// Active returns the offset of the part serving the on-demand session.
func (c *ConcatManager) Active() (float64, bool) {
	if c.active < 0 {
		return 0, false
	}
	return c.offsets[c.active], true
}

// Created reports how many part managers exist.
func (c *ConcatManager) Created() int { return len(c.managers) }

// partFor returns the index of the largest offset not after t.
func (c *ConcatManager) partFor(t float64) int {
	i := sort.Search(len(c.offsets), func(i int) bool { return c.offsets[i] > t+1e-9 })
	return max(0, i-1)
}

func (c *ConcatManager) frameTime(frame int) float64 {
	return float64(frame) / c.media.FPS
}

func (c *ConcatManager) manager(i int) (*Manager, error) {
	off := c.offsets[i]
	if m, ok := c.managers[off]; ok {
		return m, nil
	}
	part := c.parts[off]
	m, err := NewManager(ManagerOptions{
		Loop:            c.loop,
		Logger:          c.log.With(slog.Int64("part_id", part.ID)),
		Metrics:         c.metrics,
		Demux:           c.demux,
		Media:           part.Media,
		Factory:         c.factory(part),
		TimestampOffset: off,
		TimelineFPS:     c.media.FPS,
	})
	if err != nil {
		return nil, err
	}
	m.SetHandler(func(ev Event) { c.onPartEvent(i, ev) })
	c.managers[off] = m
	return m, nil
}

// Start implements Downloader.Start. Parts are scrub-loaded one after another.
func (c *ConcatManager) Start(scrubIdx int) error {
	c.scrubIdx = scrubIdx
	c.scrubPart = 0
	return c.startScrub(0)
}

func (c *ConcatManager) startScrub(i int) error {
	m, err := c.manager(i)
	if err != nil {
		return err
	}
	return m.Start(min(c.scrubIdx, len(m.media.Files.Streaming)-1))
}

// Seek implements Downloader.Seek.
func (c *ConcatManager) Seek(frame, seekIdx int) {
	m, err := c.manager(c.partFor(c.frameTime(frame)))
	if err != nil {
		c.log.Warn("concat seek failed", slog.Int("frame", frame), slog.Any("error", err))
		return
	}
	m.Seek(frame, min(seekIdx, len(m.media.Files.Streaming)-1))
}

// OnDemandInit implements Downloader.OnDemandInit.
func (c *ConcatManager) OnDemandInit(frame, playIdx int, dir buffer.Direction) int {
	c.sessionID++
	c.dir = dir
	c.playIdx = playIdx
	c.handOff(c.partFor(c.frameTime(frame)), frame)
	return c.sessionID
}

// handOff moves the current session to part i, starting at frame.
func (c *ConcatManager) handOff(i, frame int) {
	if c.active >= 0 && c.active != i {
		if prev, ok := c.managers[c.offsets[c.active]]; ok {
			prev.OnDemandShutdown()
		}
	}
	m, err := c.manager(i)
	if err != nil {
		c.log.Warn("concat hand-off failed", slog.Int("part", i), slog.Any("error", err))
		c.notify(Event{Type: EventError, SessionID: c.sessionID, Err: err})
		return
	}
	c.active = i
	m.onDemandInit(frame, min(c.playIdx, len(m.media.Files.Streaming)-1), c.dir, c.sessionID)
}

func (c *ConcatManager) activeManager() *Manager {
	if c.active < 0 {
		return nil
	}
	return c.managers[c.offsets[c.active]]
}

// OnDemandDownload implements Downloader.OnDemandDownload.
func (c *ConcatManager) OnDemandDownload() {
	if m := c.activeManager(); m != nil {
		m.OnDemandDownload()
	}
}

// OnDemandPaused implements Downloader.OnDemandPaused.
func (c *ConcatManager) OnDemandPaused() {
	if m := c.activeManager(); m != nil {
		m.OnDemandPaused()
	}
}

// OnDemandShutdown implements Downloader.OnDemandShutdown.
func (c *ConcatManager) OnDemandShutdown() {
	if m := c.activeManager(); m != nil {
		m.OnDemandShutdown()
	}
	c.active = -1
}

// Close implements Downloader.Close.
func (c *ConcatManager) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, m := range c.managers {
		m.Close()
	}
}

func (c *ConcatManager) notify(ev Event) {
	if c.handler != nil && !c.closed {
		c.handler(ev)
	}
}

func (c *ConcatManager) onPartEvent(i int, ev Event) {
	switch ev.Type {
	case EventReady:
		if c.ready {
			return
		}
		c.ready = true
		c.notify(ev)
	case EventBufferLoaded:
		partDone := ev.Percent >= 100
		ev.Percent = (float64(i) + ev.Percent/100) / float64(len(c.offsets)) * 100
		c.notify(ev)
		if partDone && i == c.scrubPart && i+1 < len(c.offsets) {
			c.scrubPart = i + 1
			if err := c.startScrub(i + 1); err != nil {
				c.log.Warn("concat scrub start failed", slog.Int("part", i+1), slog.Any("error", err))
			}
		}
	case EventOnDemand, EventDecodeError:
		if i != c.active && ev.Type == EventOnDemand {
			return
		}
		c.notify(ev)
	case EventOnDemandFinished:
		if i != c.active || ev.SessionID != c.sessionID {
			return
		}
		c.onPartFinished(i)
	default:
		c.notify(ev)
	}
}

// onPartFinished chains the session into the adjacent part.
func (c *ConcatManager) onPartFinished(i int) {
	next := i + int(c.dir)
	if c.dir == 0 {
		next = i + 1
	}
	if next < 0 || next >= len(c.offsets) {
		c.notify(Event{Type: EventOnDemandFinished, SessionID: c.sessionID})
		return
	}
	off := c.offsets[next]
	part := c.parts[off]
	frame := int(math.Round(off * c.media.FPS))
	if c.dir == buffer.Backward {
		frame += part.Media.LastFrame()
	}
	c.log.Debug("concat hand-off",
		slog.Int64("from_part", c.parts[c.offsets[i]].ID),
		slog.Int64("to_part", part.ID),
		slog.Int("session_id", c.sessionID))
	c.handOff(next, frame)
	c.OnDemandDownload()
}
