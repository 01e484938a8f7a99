package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"playback-engine/internal/buffer"
	"playback-engine/internal/media"
)

// onDemandSession is the worker-side state of a prefetch session.
type onDemandSession struct {
	id       int
	variant  int
	dir      buffer.Direction
	maxFrame int
	cursor   int
	sentInit bool
	paused   bool

	// prefetched holds a fragment read ahead while idle.
	prefetched    []byte
	prefetchedIdx int
}

// SegmentWorker fetches fragments of one media in its own goroutine. Commands
// are queued without blocking and handled in order; while idle the worker
// continues the background scrub download and reads ahead one on-demand
// fragment. Commands always take priority over background work.
type SegmentWorker struct {
	id      uuid.UUID
	media   *media.Descriptor
	fetcher Fetcher
	log     *slog.Logger
	reply   ReplyHandler

	mu    sync.Mutex
	queue []Command
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the worker goroutine
	indexes   map[int]*SegmentIndex
	scrubIdx  int
	scrubNext int
	scrubbing bool
	session   *onDemandSession
}

// NewSegmentWorker starts a worker for d. Replies are delivered to reply from
// the worker goroutine.
func NewSegmentWorker(d *media.Descriptor, f Fetcher, log *slog.Logger, reply ReplyHandler) *SegmentWorker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()
	w := &SegmentWorker{
		id:      id,
		media:   d,
		fetcher: f,
		log:     log.With(slog.String("worker_id", id.String())),
		reply:   reply,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		indexes: make(map[int]*SegmentIndex),
	}
	go w.run()
	return w
}

// Factory returns a WorkerFactory creating SegmentWorkers for d.
func Factory(d *media.Descriptor, f Fetcher, log *slog.Logger) WorkerFactory {
	return func(h ReplyHandler) (Worker, error) {
		if d == nil || f == nil {
			return nil, errors.New("segment worker needs media and a fetcher")
		}
		return NewSegmentWorker(d, f, log, h), nil
	}
}

// ID identifies the worker in logs.
func (w *SegmentWorker) ID() uuid.UUID { return w.id }

// Post implements Worker.Post.
func (w *SegmentWorker) Post(cmd Command) {
	w.mu.Lock()
	w.queue = append(w.queue, cmd)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close implements Worker.Close. It waits for the worker goroutine to exit.
func (w *SegmentWorker) Close() {
	w.cancel()
	<-w.done
}

func (w *SegmentWorker) next() (Command, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return Command{}, false
	}
	cmd := w.queue[0]
	w.queue = w.queue[1:]
	return cmd, true
}

func (w *SegmentWorker) run() {
	defer close(w.done)
	for {
		if w.ctx.Err() != nil {
			return
		}
		if cmd, ok := w.next(); ok {
			w.handle(cmd)
			continue
		}
		if w.background() {
			continue
		}
		select {
		case <-w.wake:
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *SegmentWorker) emit(r Reply) {
	if w.ctx.Err() != nil {
		return
	}
	w.reply(r)
}

func (w *SegmentWorker) handle(cmd Command) {
	w.log.Debug("worker command", slog.String("type", string(cmd.Type)),
		slog.Int("frame", cmd.Frame), slog.Int("id", cmd.ID))
	switch cmd.Type {
	case CmdStart:
		w.start(cmd.BufIdx)
	case CmdSeek:
		w.seek(cmd)
	case CmdOnDemandInit:
		w.onDemandInit(cmd)
	case CmdOnDemandDownload:
		w.onDemandDownload()
	case CmdOnDemandPaused:
		if w.session != nil {
			w.session.paused = true
		}
	case CmdOnDemandShutdown:
		w.session = nil
	default:
		w.log.Warn("unknown worker command", slog.String("type", string(cmd.Type)))
	}
}

func (w *SegmentWorker) index(variant int) (*SegmentIndex, error) {
	if idx, ok := w.indexes[variant]; ok {
		return idx, nil
	}
	if variant < 0 || variant >= len(w.media.Files.Streaming) {
		return nil, fmt.Errorf("%w: variant %d", ErrUnsupportedStream, variant)
	}
	idx, err := w.fetcher.Index(w.ctx, w.media.Files.Streaming[variant])
	if err != nil {
		return nil, err
	}
	w.indexes[variant] = idx
	return idx, nil
}

func (w *SegmentWorker) segmentFor(idx *SegmentIndex, i int, data []byte) buffer.Segment {
	e := idx.Segments[i]
	fps := w.media.FPS
	return buffer.Segment{
		Start:      float64(e.FrameStart)/fps + idx.StartBias,
		End:        float64(e.FrameStart+e.Frames)/fps + idx.StartBias,
		Data:       data,
		FirstFrame: e.FrameStart,
	}
}

func (w *SegmentWorker) fetch(variant int, idx *SegmentIndex, i int, withInit bool) ([]byte, error) {
	path := w.media.Files.Streaming[variant].Path
	if withInit {
		return FetchWithInit(w.ctx, w.fetcher, path, idx.Init, idx.Segments[i].ByteRange)
	}
	return w.fetcher.Fetch(w.ctx, path, idx.Segments[i].ByteRange)
}

func (w *SegmentWorker) start(variant int) {
	idx, err := w.index(variant)
	if err != nil {
		w.log.Warn("scrub start failed", slog.Int("variant", variant), slog.Any("error", err))
		w.emit(Reply{Type: ReplyError, Err: err.Error()})
		return
	}
	w.scrubIdx = variant
	w.scrubNext = 0
	w.scrubbing = true
	w.emit(Reply{Type: ReplyReady, StartBias: idx.StartBias, FirstFrame: idx.FirstFrame})
}

func (w *SegmentWorker) seek(cmd Command) {
	idx, err := w.index(cmd.BufIdx)
	if err != nil {
		w.log.Warn("seek index failed", slog.Int("frame", cmd.Frame), slog.Any("error", err))
		return
	}
	i := idx.Find(cmd.Frame)
	if i < 0 {
		w.log.Warn("seek frame outside stream", slog.Int("frame", cmd.Frame))
		return
	}
	data, err := w.fetch(cmd.BufIdx, idx, i, true)
	if err != nil {
		// no reply; the caller's expiry timer recovers
		w.log.Warn("seek fetch failed", slog.Int("frame", cmd.Frame), slog.Any("error", err))
		return
	}
	w.emit(Reply{Type: ReplySeekResult, Frame: cmd.Frame, Segment: w.segmentFor(idx, i, data)})
}

func (w *SegmentWorker) onDemandInit(cmd Command) {
	idx, err := w.index(cmd.MediaFileIndex)
	if err != nil {
		w.log.Warn("on-demand init failed", slog.Int("id", cmd.ID), slog.Any("error", err))
		w.emit(Reply{Type: ReplyError, ID: cmd.ID, Err: err.Error()})
		return
	}
	dir := cmd.Direction
	if dir != buffer.Backward {
		dir = buffer.Forward
	}
	cursor := idx.Find(cmd.Frame)
	if cursor < 0 {
		cursor = 0
		if dir == buffer.Backward {
			cursor = len(idx.Segments) - 1
		}
	}
	w.session = &onDemandSession{
		id:            cmd.ID,
		variant:       cmd.MediaFileIndex,
		dir:           dir,
		maxFrame:      cmd.MaxFrame,
		cursor:        cursor,
		prefetchedIdx: -1,
	}
}

func (w *SegmentWorker) sessionDone(s *onDemandSession, idx *SegmentIndex) bool {
	if s.cursor < 0 || s.cursor >= len(idx.Segments) {
		return true
	}
	return s.maxFrame > 0 && s.dir == buffer.Forward && idx.Segments[s.cursor].FrameStart > s.maxFrame
}

func (w *SegmentWorker) onDemandDownload() {
	s := w.session
	if s == nil {
		w.log.Debug("on-demand download without session")
		return
	}
	s.paused = false
	idx, err := w.index(s.variant)
	if err != nil {
		w.emit(Reply{Type: ReplyError, ID: s.id, Err: err.Error()})
		return
	}
	if w.sessionDone(s, idx) {
		w.emit(Reply{Type: ReplyOnDemandFinished, ID: s.id})
		return
	}
	var data []byte
	if s.prefetchedIdx == s.cursor && s.sentInit {
		data = s.prefetched
	} else {
		data, err = w.fetch(s.variant, idx, s.cursor, !s.sentInit)
		if err != nil {
			// no reply; the watchdog gives up on the pending download
			w.log.Warn("on-demand fetch failed", slog.Int("id", s.id), slog.Any("error", err))
			return
		}
	}
	s.prefetched, s.prefetchedIdx = nil, -1
	seg := w.segmentFor(idx, s.cursor, data)
	s.sentInit = true
	s.cursor += int(s.dir)
	w.emit(Reply{Type: ReplyOnDemand, ID: s.id, Segment: seg})
}

// background performs one unit of idle work and reports whether it did any.
func (w *SegmentWorker) background() bool {
	if s := w.session; s != nil && !s.paused && s.sentInit && s.prefetchedIdx != s.cursor {
		if idx, err := w.index(s.variant); err == nil && !w.sessionDone(s, idx) {
			data, err := w.fetch(s.variant, idx, s.cursor, false)
			if err == nil {
				s.prefetched, s.prefetchedIdx = data, s.cursor
				return true
			}
			w.log.Debug("on-demand read-ahead failed", slog.Any("error", err))
		}
	}
	if !w.scrubbing {
		return false
	}
	idx, err := w.index(w.scrubIdx)
	if err != nil {
		w.scrubbing = false
		return false
	}
	if w.scrubNext >= len(idx.Segments) {
		w.scrubbing = false
		return false
	}
	i := w.scrubNext
	data, err := w.fetch(w.scrubIdx, idx, i, i == 0)
	if err != nil {
		w.log.Warn("scrub fetch failed", slog.Int("segment", i), slog.Any("error", err))
		w.scrubbing = false
		return false
	}
	w.scrubNext++
	pct := 100 * float64(w.scrubNext) / float64(len(idx.Segments))
	w.emit(Reply{Type: ReplyBuffer, PercentComplete: pct, Segment: w.segmentFor(idx, i, data)})
	return true
}
