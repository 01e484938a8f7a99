package download

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"playback-engine/internal/buffer"
	"playback-engine/internal/loop"
	"playback-engine/internal/media"
	"playback-engine/internal/platform/metrics"
)

// ErrStaleSession marks an on-demand reply from a session that was replaced.
var ErrStaleSession = errors.New("stale on-demand session")

// EventType names a notification from a Downloader to its owner.
type EventType string

// Events emitted by downloaders.
const (
	EventReady            EventType = "ready"
	EventBufferLoaded     EventType = "bufferLoaded"
	EventOnDemand         EventType = "onDemand"
	EventOnDemandFinished EventType = "onDemandFinished"
	EventSeekResult       EventType = "seekResult"
	EventError            EventType = "error"
	EventDecodeError      EventType = "decodeError"
)

// Event reports downloader progress. Times and frames are on the owner's
// timeline; only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// StartBias and FirstFrame accompany EventReady.
	StartBias  float64
	FirstFrame int

	// Percent accompanies EventBufferLoaded.
	Percent float64

	// SessionID and Ranges accompany on-demand events.
	SessionID int
	Ranges    []buffer.Range

	// Frame and Segment accompany EventSeekResult.
	Frame   int
	Segment buffer.Segment

	// Role accompanies EventDecodeError.
	Role media.Role

	Err error
}

// EventHandler receives downloader events on the loop.
type EventHandler func(Event)

// Downloader is the engine's view of the download workers. All methods must
// be called on the loop; events are delivered on the loop.
type Downloader interface {
	// SetHandler registers the single event receiver.
	SetHandler(h EventHandler)
	// Start begins the background scrub download of variant scrubIdx.
	Start(scrubIdx int) error
	// Seek requests a one-shot fetch of frame from variant seekIdx.
	Seek(frame, seekIdx int)
	// OnDemandInit starts a new prefetch session and returns its id.
	OnDemandInit(frame, playIdx int, dir buffer.Direction) int
	// OnDemandDownload asks for the next segment of the current session.
	OnDemandDownload()
	// OnDemandPaused suspends read-ahead without discarding buffered data.
	OnDemandPaused()
	// OnDemandShutdown terminates the current session.
	OnDemandShutdown()
	// SessionID returns the id of the current on-demand session.
	SessionID() int
	// Close stops every worker.
	Close()
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Loop    loop.Loop
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Demux   *buffer.Demux
	Media   *media.Descriptor
	Factory WorkerFactory

	// TimestampOffset places the media on a longer timeline, in seconds.
	TimestampOffset float64
	// TimelineFPS is the frame rate of the owner's timeline; defaults to the media's.
	TimelineFPS float64
}

// Manager drives one worker for one media. It translates between timeline
// coordinates and media coordinates, gates replies by session id and writes
// segments into the demux before notifying the owner.
type Manager struct {
	loop    loop.Loop
	log     *slog.Logger
	metrics *metrics.Metrics
	demux   *buffer.Demux
	media   *media.Descriptor
	worker  Worker
	handler EventHandler

	offset      float64
	timelineFPS float64
	frameBase   int

	startBias  float64
	firstFrame int
	ready      bool
	sessionID  int
	closed     bool
}

// NewManager creates a Manager and its worker.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Loop == nil || opts.Demux == nil || opts.Media == nil || opts.Factory == nil {
		return nil, errors.New("manager needs a loop, demux, media and worker factory")
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	fps := opts.TimelineFPS
	if fps <= 0 {
		fps = opts.Media.FPS
	}
	m := &Manager{
		loop:        opts.Loop,
		log:         log.With(slog.Int64("media_id", opts.Media.ID)),
		metrics:     opts.Metrics,
		demux:       opts.Demux,
		media:       opts.Media,
		offset:      opts.TimestampOffset,
		timelineFPS: fps,
		frameBase:   int(math.Round(opts.TimestampOffset * fps)),
	}
	w, err := opts.Factory(func(r Reply) {
		m.loop.Post(func() { m.onReply(r) })
	})
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	m.worker = w
	return m, nil
}

// SetHandler implements Downloader.SetHandler.
func (m *Manager) SetHandler(h EventHandler) { m.handler = h }

// SessionID implements Downloader.SessionID.
func (m *Manager) SessionID() int { return m.sessionID }

// Ready reports whether the worker answered the start command.
func (m *Manager) Ready() bool { return m.ready }

// StartBias returns the media time of the first keyframe.
func (m *Manager) StartBias() float64 { return m.startBias }

// FirstFrame returns the first decodable frame on the timeline.
func (m *Manager) FirstFrame() int { return m.firstFrame + m.frameBase }

// TimestampOffset returns where the media starts on the timeline.
func (m *Manager) TimestampOffset() float64 { return m.offset }

// FrameBase returns the timeline frame of the media's frame zero.
func (m *Manager) FrameBase() int { return m.frameBase }

// Media returns the managed media.
func (m *Manager) Media() *media.Descriptor { return m.media }

func (m *Manager) localFrame(frame int) int {
	return m.media.ClampFrame(frame - m.frameBase)
}

// toTimeline shifts a worker segment from media time to timeline time.
func (m *Manager) toTimeline(seg buffer.Segment) buffer.Segment {
	seg.Start = seg.Start - m.startBias + m.offset
	seg.End = seg.End - m.startBias + m.offset
	seg.FirstFrame += m.frameBase
	return seg
}

// Start implements Downloader.Start.
func (m *Manager) Start(scrubIdx int) error {
	if scrubIdx < 0 || scrubIdx >= len(m.media.Files.Streaming) {
		return fmt.Errorf("%w: scrub variant %d", media.ErrNoVariants, scrubIdx)
	}
	m.post(Command{Type: CmdStart, BufIdx: scrubIdx})
	return nil
}

// Seek implements Downloader.Seek.
func (m *Manager) Seek(frame, seekIdx int) {
	local := m.localFrame(frame)
	m.post(Command{
		Type:   CmdSeek,
		Frame:  local,
		Time:   m.media.FrameToTime(local, m.startBias),
		BufIdx: seekIdx,
	})
}

// OnDemandInit implements Downloader.OnDemandInit.
func (m *Manager) OnDemandInit(frame, playIdx int, dir buffer.Direction) int {
	return m.onDemandInit(frame, playIdx, dir, m.sessionID+1)
}

func (m *Manager) onDemandInit(frame, playIdx int, dir buffer.Direction, id int) int {
	m.sessionID = id
	m.post(Command{
		Type:           CmdOnDemandInit,
		Frame:          m.localFrame(frame),
		FPS:            m.media.FPS,
		MaxFrame:       m.media.LastFrame(),
		Direction:      dir,
		MediaFileIndex: playIdx,
		ID:             id,
	})
	return id
}

// OnDemandDownload implements Downloader.OnDemandDownload.
func (m *Manager) OnDemandDownload() {
	m.post(Command{Type: CmdOnDemandDownload, ID: m.sessionID})
}

// OnDemandPaused implements Downloader.OnDemandPaused.
func (m *Manager) OnDemandPaused() {
	m.post(Command{Type: CmdOnDemandPaused, ID: m.sessionID})
}

// OnDemandShutdown implements Downloader.OnDemandShutdown.
func (m *Manager) OnDemandShutdown() {
	m.post(Command{Type: CmdOnDemandShutdown, ID: m.sessionID})
}

// Close implements Downloader.Close.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.worker.Close()
}

func (m *Manager) post(cmd Command) {
	if m.closed {
		return
	}
	m.worker.Post(cmd)
}

func (m *Manager) notify(ev Event) {
	if m.handler != nil && !m.closed {
		m.handler(ev)
	}
}

func (m *Manager) onReply(r Reply) {
	if m.closed {
		return
	}
	switch r.Type {
	case ReplyReady:
		m.startBias = r.StartBias
		m.firstFrame = r.FirstFrame
		m.ready = true
		m.notify(Event{Type: EventReady, StartBias: r.StartBias, FirstFrame: m.FirstFrame()})
	case ReplyBuffer:
		pct := r.PercentComplete
		m.appendSegment(media.RoleScrub, m.toTimeline(r.Segment), func(err error) {
			m.onSegmentApplied(media.RoleScrub, err, Event{Type: EventBufferLoaded, Percent: pct})
		})
	case ReplyOnDemand:
		if err := m.checkSession(r); err != nil {
			return
		}
		id := r.ID
		m.appendSegment(media.RolePlay, m.toTimeline(r.Segment), func(err error) {
			if id != m.sessionID {
				return
			}
			m.onSegmentApplied(media.RolePlay, err, Event{Type: EventOnDemand, SessionID: id})
		})
	case ReplyOnDemandFinished:
		if err := m.checkSession(r); err != nil {
			return
		}
		m.notify(Event{Type: EventOnDemandFinished, SessionID: r.ID})
	case ReplySeekResult:
		m.notify(Event{
			Type:    EventSeekResult,
			Frame:   r.Frame + m.frameBase,
			Segment: m.toTimeline(r.Segment),
		})
	case ReplyError:
		m.log.Warn("worker error", slog.String("error", r.Err))
		m.notify(Event{Type: EventError, SessionID: r.ID, Err: errors.New(r.Err)})
	default:
		m.log.Warn("unknown worker reply", slog.String("type", string(r.Type)))
	}
}

func (m *Manager) checkSession(r Reply) error {
	if r.ID == m.sessionID {
		return nil
	}
	m.metrics.IncStaleReply(string(r.Type))
	m.log.Debug("dropping stale on-demand reply",
		slog.String("type", string(r.Type)),
		slog.Int("id", r.ID),
		slog.Int("session_id", m.sessionID))
	return ErrStaleSession
}

func (m *Manager) appendSegment(role media.Role, seg buffer.Segment, next func(error)) {
	switch role {
	case media.RolePlay:
		m.demux.AppendOnDemand(seg, next)
	default:
		m.demux.AppendScrub(seg, next)
	}
}

func (m *Manager) onSegmentApplied(role media.Role, err error, ev Event) {
	if err != nil {
		if errors.Is(err, buffer.ErrDecode) {
			m.notify(Event{Type: EventDecodeError, Role: role, SessionID: ev.SessionID, Err: err})
			return
		}
		if errors.Is(err, buffer.ErrAborted) {
			return
		}
		m.log.Debug("segment append failed", slog.String("role", role.String()), slog.Any("error", err))
		return
	}
	m.metrics.IncSegmentsAppended(role.String())
	if role == media.RolePlay {
		ev.Ranges = m.demux.Play().Ranges()
	}
	m.notify(ev)
}
