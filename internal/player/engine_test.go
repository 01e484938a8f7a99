package player

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playback-engine/internal/buffer"
	"playback-engine/internal/download"
	"playback-engine/internal/loop"
	"playback-engine/internal/media"
)

type fakeDownloader struct {
	h         download.EventHandler
	starts    []int
	seeks     []int
	inits     []int
	downloads int
	paused    int
	shutdowns int
	session   int
	closed    bool
}

func (d *fakeDownloader) SetHandler(h download.EventHandler) { d.h = h }
func (d *fakeDownloader) Start(idx int) error {
	d.starts = append(d.starts, idx)
	return nil
}
func (d *fakeDownloader) Seek(frame, _ int) { d.seeks = append(d.seeks, frame) }
func (d *fakeDownloader) OnDemandInit(frame, _ int, _ buffer.Direction) int {
	d.inits = append(d.inits, frame)
	d.session++
	return d.session
}
func (d *fakeDownloader) OnDemandDownload() { d.downloads++ }
func (d *fakeDownloader) OnDemandPaused()   { d.paused++ }
func (d *fakeDownloader) OnDemandShutdown() { d.shutdowns++ }
func (d *fakeDownloader) SessionID() int    { return d.session }
func (d *fakeDownloader) Close()            { d.closed = true }

type fakeRenderer struct {
	frames []Frame
}

func (r *fakeRenderer) PushFrame(f Frame)       { r.frames = append(r.frames, f) }
func (r *fakeRenderer) Clear()                  { r.frames = nil }
func (r *fakeRenderer) ResizeViewport(_, _ int) {}

func (r *fakeRenderer) numbers() []int {
	out := make([]int, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Number)
	}
	return out
}

func testMedia() *media.Descriptor {
	return &media.Descriptor{
		ID:        7,
		FPS:       30,
		NumFrames: 300,
		Width:     1280,
		Height:    720,
		Files: media.Files{Streaming: []media.Variant{
			{Height: 320, Width: 568, Path: "320.mp4"},
			{Height: 720, Width: 1280, Path: "720.mp4"},
		}},
	}
}

type rig struct {
	l      *loop.Manual
	demux  *buffer.Demux
	dl     *fakeDownloader
	r      *fakeRenderer
	e      *Engine
	events []Event
}

func newRig(t *testing.T, mutate ...func(*Options)) *rig {
	t.Helper()
	l := loop.NewManual(time.Unix(1000, 0))
	g := &rig{l: l, dl: &fakeDownloader{}, r: &fakeRenderer{}}
	g.demux = buffer.NewDemux(l, nil, buffer.DefaultDemuxConfig())
	opts := Options{
		Context:    NewContext(l, 60, nil, nil),
		Media:      testMedia(),
		Demux:      g.demux,
		Downloader: g.dl,
		Renderer:   g.r,
		OnEvent:    func(ev Event) { g.events = append(g.events, ev) },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	g.e = e
	return g
}

func (g *rig) deliver(ev download.Event) {
	g.dl.h(ev)
	g.l.RunPending()
}

func (g *rig) fillScrub(start, end float64) {
	g.demux.AppendScrub(buffer.Segment{Start: start, End: end, Data: make([]byte, 64)}, nil)
	g.l.RunPending()
}

func (g *rig) fillPlay(start, end float64) {
	g.demux.AppendOnDemand(buffer.Segment{Start: start, End: end, Data: make([]byte, 64)}, nil)
	g.l.RunPending()
}

func (g *rig) count(typ EventType) int {
	n := 0
	for _, ev := range g.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (g *rig) seekSegment(frame int) buffer.Segment {
	t := float64(frame) / 30
	return buffer.Segment{Start: t, End: t + 0.5, Data: make([]byte, 64), FirstFrame: frame}
}

func TestNew_rejects_undecodable_media(t *testing.T) {
	l := loop.NewManual(time.Unix(1000, 0))
	var got []Event
	_, err := New(Options{
		Context:        NewContext(l, 60, nil, nil),
		Media:          testMedia(),
		Demux:          buffer.NewDemux(l, nil, buffer.DefaultDemuxConfig()),
		Downloader:     &fakeDownloader{},
		Renderer:       &fakeRenderer{},
		OnEvent:        func(ev Event) { got = append(got, ev) },
		CodecSupported: func(media.Variant) bool { return false },
	})
	require.ErrorIs(t, err, ErrCodecNotSupported)
	l.RunPending()
	require.Len(t, got, 1)
	assert.Equal(t, EventCodecNotSupported, got[0].Type)
}

func TestEngine_start_announces_settings_and_draws_initial_frame(t *testing.T) {
	g := newRig(t, func(o *Options) { o.InitialFrame = 12 })
	require.NoError(t, g.e.Start())
	g.l.RunPending()

	assert.Equal(t, []int{0}, g.dl.starts)
	require.Equal(t, 1, g.count(EventDefaultVideoSettings))
	settings := g.events[0].Settings
	require.NotNil(t, settings)
	assert.Equal(t, 320, settings.ScrubQuality)
	assert.Equal(t, 720, settings.PlayQuality)
	assert.Equal(t, 720, settings.SeekQuality)

	g.deliver(download.Event{Type: download.EventReady})
	assert.True(t, g.e.Ready())
	assert.Equal(t, []int{12}, g.dl.seeks)
	assert.Zero(t, g.count(EventCanvasReady))

	g.deliver(download.Event{Type: download.EventSeekResult, Frame: 12, Segment: g.seekSegment(12)})
	assert.Equal(t, 12, g.e.DisplayedFrame())
	assert.Equal(t, 1, g.count(EventCanvasReady))
	assert.Equal(t, 1, g.count(EventSeekComplete))
}

func TestEngine_superseded_seeks_resolve_to_the_last_request(t *testing.T) {
	g := newRig(t)
	results := map[int]*Frame{}
	calls := map[int]int{}
	for _, frame := range []int{10, 20, 15} {
		require.NoError(t, g.e.Seek(frame, true, func(f *Frame) {
			results[frame] = f
			calls[frame]++
		}))
	}
	assert.Equal(t, []int{10, 20, 15}, g.dl.seeks)
	assert.Equal(t, map[int]int{10: 1, 20: 1}, calls)
	assert.Nil(t, results[10])
	assert.Nil(t, results[20])

	g.deliver(download.Event{Type: download.EventSeekResult, Frame: 10, Segment: g.seekSegment(10)})
	g.deliver(download.Event{Type: download.EventSeekResult, Frame: 20, Segment: g.seekSegment(20)})
	assert.Empty(t, g.demux.Seek().Ranges())
	assert.Empty(t, g.r.frames)

	g.deliver(download.Event{Type: download.EventSeekResult, Frame: 15, Segment: g.seekSegment(15)})
	require.Equal(t, 1, calls[15])
	require.NotNil(t, results[15])
	assert.Equal(t, 15, results[15].Number)
	assert.Equal(t, media.RoleSeek, results[15].Role)
	assert.Equal(t, []int{15}, g.r.numbers())
	_, inFlight := g.e.SeekInFlight()
	assert.False(t, inFlight)
}

func TestEngine_seek_for_the_same_frame_joins_the_request(t *testing.T) {
	g := newRig(t)
	var a, b *Frame
	require.NoError(t, g.e.Seek(40, true, func(f *Frame) { a = f }))
	require.NoError(t, g.e.Seek(40, true, func(f *Frame) { b = f }))
	assert.Equal(t, []int{40}, g.dl.seeks)

	g.deliver(download.Event{Type: download.EventSeekResult, Frame: 40, Segment: g.seekSegment(40)})
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, 40, a.Number)
	assert.Equal(t, 40, b.Number)
}

func TestEngine_seek_expires_with_best_available_frame(t *testing.T) {
	g := newRig(t)
	g.fillScrub(0, 10)

	var got *Frame
	calls := 0
	require.NoError(t, g.e.Seek(40, true, func(f *Frame) {
		got = f
		calls++
	}))
	frame, inFlight := g.e.SeekInFlight()
	require.True(t, inFlight)
	assert.Equal(t, 40, frame)

	g.l.Advance(SeekTimeout - time.Millisecond)
	assert.Zero(t, calls)

	g.l.Advance(time.Millisecond)
	require.Equal(t, 1, calls)
	require.NotNil(t, got)
	assert.Equal(t, media.RoleScrub, got.Role)
	_, inFlight = g.e.SeekInFlight()
	assert.False(t, inFlight)

	// a late reply for the expired request is ignored
	g.deliver(download.Event{Type: download.EventSeekResult, Frame: 40, Segment: g.seekSegment(40)})
	assert.Empty(t, g.demux.Seek().Ranges())
	assert.Equal(t, 1, calls)

	require.NoError(t, g.e.Seek(40, true, nil))
	assert.Equal(t, []int{40, 40}, g.dl.seeks)
}

func TestEngine_buffered_seek_is_synchronous(t *testing.T) {
	g := newRig(t)
	g.fillScrub(0, 10)
	var got *Frame
	require.NoError(t, g.e.GotoFrame(45, false))
	require.NoError(t, g.e.Seek(46, false, func(f *Frame) { got = f }))
	require.NotNil(t, got)
	assert.Equal(t, 46, got.Number)
	assert.Equal(t, 320, got.Quality)
	assert.Equal(t, []int{45, 46}, g.r.numbers())
	assert.Empty(t, g.dl.seeks)
	assert.Equal(t, Paused, g.e.Status())
}

func TestEngine_goto_frame_clamps(t *testing.T) {
	g := newRig(t)
	g.fillScrub(0, 10)
	require.NoError(t, g.e.GotoFrame(1000, false))
	assert.Equal(t, 299, g.e.Frame())
	require.NoError(t, g.e.GotoFrame(-3, false))
	assert.Equal(t, 0, g.e.Frame())
}

// startForward plays forward from frame 0 with the whole media in the play
// buffer and runs the loop until the watchdog starts the loops.
func startForward(t *testing.T, g *rig) {
	t.Helper()
	g.fillPlay(0, 10)
	require.NoError(t, g.e.Play())
	g.l.RunPending()
	require.True(t, g.e.triad.running)
}

func TestEngine_plays_to_the_end_once(t *testing.T) {
	g := newRig(t)
	startForward(t, g)
	assert.Equal(t, Forward, g.e.Direction())
	assert.Equal(t, Playing, g.e.Status())
	assert.Equal(t, 1, g.count(EventPlaybackReady))

	g.l.Advance(12 * time.Second)

	frames := g.r.numbers()
	require.NotEmpty(t, frames)
	assert.Equal(t, 1, frames[0])
	for i := 1; i < len(frames); i++ {
		require.GreaterOrEqual(t, frames[i], frames[i-1], "frame went back at %d", i)
	}
	assert.Equal(t, 299, frames[len(frames)-1])
	assert.Equal(t, 1, g.count(EventPlaybackEnded))
	assert.Equal(t, Stopped, g.e.Direction())
	assert.Equal(t, Paused, g.e.Status())
	assert.Equal(t, 1, g.dl.paused)
	assert.Equal(t, HealthStart, g.e.Health())

	g.l.Advance(10 * time.Second)
	assert.Equal(t, 1, g.count(EventPlaybackEnded))
	assert.Equal(t, 299, g.e.Frame())

	assert.ErrorIs(t, g.e.Play(), ErrEndOfMedia)
}

func TestEngine_goto_frame_while_playing_fails(t *testing.T) {
	g := newRig(t)
	startForward(t, g)
	assert.ErrorIs(t, g.e.GotoFrame(10, true), ErrNotStopped)
	assert.ErrorIs(t, g.e.Advance(), ErrNotStopped)

	g.e.Pause()
	assert.NoError(t, g.e.GotoFrame(10, true))
}

func TestEngine_fast_rate_needs_scrub_runway(t *testing.T) {
	g := newRig(t)
	require.NoError(t, g.e.SetRate(8))
	assert.False(t, g.e.CanPlayRate(8, Forward))
	assert.True(t, g.e.CanPlayRate(FastForwardCutoff, Forward))

	err := g.e.Play()
	require.ErrorIs(t, err, ErrRateNotBuffered)
	assert.Equal(t, Stopped, g.e.Direction())

	g.fillScrub(0, 10)
	require.True(t, g.e.CanPlayRate(8, Forward))
	require.NoError(t, g.e.Play())
	assert.True(t, g.e.triad.running)
	assert.Empty(t, g.dl.inits, "fast playback reads the scrub pool")

	g.l.Advance(200 * time.Millisecond)
	frames := g.r.numbers()
	require.NotEmpty(t, frames)
	assert.Greater(t, frames[len(frames)-1]-frames[0], len(frames)-1, "frames are skipped at 8x")
}

func TestEngine_set_rate_validates(t *testing.T) {
	g := newRig(t)
	assert.ErrorIs(t, g.e.SetRate(0), ErrInvalidRate)
	assert.ErrorIs(t, g.e.SetRate(-1), ErrInvalidRate)
	require.NoError(t, g.e.SetRate(2))
	assert.Equal(t, 2.0, g.e.Rate())
	assert.InDelta(t, 30, g.e.Motion().TargetFPS(), 1e-9)
	assert.Equal(t, 2, g.e.Motion().FrameIncrement(30, 2))
}

func TestEngine_stall_and_safe_mode(t *testing.T) {
	g := newRig(t)
	g.fillPlay(0, 1)
	require.NoError(t, g.e.Play())
	require.Equal(t, []int{0}, g.dl.inits)
	g.deliver(download.Event{Type: download.EventOnDemandFinished, SessionID: 1})
	require.True(t, g.e.triad.running)

	g.l.Advance(36 * time.Second)

	assert.Equal(t, 1, g.count(EventPlaybackStalled))
	assert.Equal(t, 29, g.e.Frame())
	assert.True(t, g.e.SafeMode())
	assert.Equal(t, 1, g.count(EventSafeMode))
	assert.InDelta(t, 15, g.e.Motion().TargetFPS(), 1e-9)
	assert.LessOrEqual(t, g.e.Health(), 0)
}

func TestEngine_error_enters_compat_mode(t *testing.T) {
	g := newRig(t)
	g.deliver(download.Event{Type: download.EventError, Err: download.ErrUnsupportedStream})

	assert.True(t, g.e.Compat())
	assert.True(t, g.demux.Compat())
	assert.True(t, g.e.Ready())
	assert.Equal(t, 1, g.count(EventCompatibilityMode))
	assert.Equal(t, 1, g.count(EventCanvasReady))
	assert.Equal(t, []int{0}, g.r.numbers())

	require.NoError(t, g.e.Play())
	assert.True(t, g.e.triad.running)
	assert.Empty(t, g.dl.inits)

	g.deliver(download.Event{Type: download.EventError, Err: errors.New("again")})
	assert.Equal(t, 1, g.count(EventCompatibilityMode))
}

func TestEngine_decode_error_restarts_once(t *testing.T) {
	g := newRig(t)
	g.e.PrepareOnDemand(Forward)
	require.Equal(t, 1, g.dl.session)

	g.deliver(download.Event{Type: download.EventDecodeError, Role: media.RolePlay, SessionID: 1, Err: buffer.ErrDecode})
	assert.Equal(t, 1, g.dl.shutdowns)
	assert.Equal(t, 2, g.dl.session, "a new session opens after the reset")
	assert.Zero(t, g.count(EventVideoError))

	// the old session is gone
	g.deliver(download.Event{Type: download.EventDecodeError, Role: media.RolePlay, SessionID: 1, Err: buffer.ErrDecode})
	assert.Equal(t, 1, g.dl.shutdowns)

	g.deliver(download.Event{Type: download.EventDecodeError, Role: media.RolePlay, SessionID: 2, Err: buffer.ErrDecode})
	assert.Equal(t, 1, g.dl.shutdowns)
	assert.Equal(t, 1, g.count(EventVideoError))
}

func TestEngine_scrub_decode_error_is_logged_only(t *testing.T) {
	g := newRig(t)
	g.e.PrepareOnDemand(Forward)
	g.deliver(download.Event{Type: download.EventDecodeError, Role: media.RoleScrub, Err: buffer.ErrDecode})
	assert.Zero(t, g.dl.shutdowns)
	assert.Zero(t, g.count(EventVideoError))
}

func TestEngine_fragmented_on_demand_buffer_restarts(t *testing.T) {
	g := newRig(t)
	g.e.PrepareOnDemand(Forward)
	g.l.RunPending()
	require.Equal(t, 1, g.dl.downloads)

	for i := 1; i < FragmentLimit; i++ {
		g.deliver(download.Event{Type: download.EventOnDemand, SessionID: 1})
		assert.Equal(t, i+1, g.dl.downloads)
	}
	assert.Zero(t, g.dl.shutdowns)

	g.deliver(download.Event{Type: download.EventOnDemand, SessionID: 1})
	assert.Equal(t, 1, g.dl.shutdowns)
	assert.Equal(t, 2, g.dl.session)
	assert.Equal(t, FragmentLimit, g.count(EventOnDemandDetail))
}

func TestEngine_watchdog_waits_for_pending_download(t *testing.T) {
	g := newRig(t)
	g.e.PrepareOnDemand(Forward)
	g.l.RunPending()
	require.Equal(t, 1, g.dl.downloads)

	g.l.Advance(PendingTimeout - WatchdogInterval)
	assert.Equal(t, 1, g.dl.downloads)

	g.l.Advance(WatchdogInterval)
	assert.Equal(t, 2, g.dl.downloads, "a lost download is asked for again")
}

func TestEngine_prepare_on_demand_reports_ready(t *testing.T) {
	g := newRig(t)
	assert.False(t, g.e.OnDemandReady(Forward))
	g.e.PrepareOnDemand(Forward)
	g.l.RunPending()
	assert.False(t, g.e.OnDemandReady(Forward))

	g.fillPlay(0, 6)
	g.l.Advance(WatchdogInterval)
	assert.True(t, g.e.OnDemandReady(Forward))
	assert.False(t, g.e.OnDemandReady(Backward))
	assert.Equal(t, 1, g.count(EventPlaybackReady))
	assert.False(t, g.e.triad.running)
}

func TestEngine_resumes_after_seek_inside_play_buffer(t *testing.T) {
	g := newRig(t)
	g.fillPlay(0, 5)
	require.NoError(t, g.e.Play())
	g.l.RunPending()
	require.True(t, g.e.triad.running)
	require.Equal(t, 1, g.count(EventPlaybackReady))

	g.e.Pause()
	require.NoError(t, g.e.GotoFrame(120, true))
	require.Equal(t, 120, g.e.Frame())

	// one second of runway left at 4s
	require.NoError(t, g.e.Play())
	g.l.RunPending()
	assert.False(t, g.e.triad.running)
	assert.Equal(t, Forward, g.e.Direction())
	assert.Positive(t, g.dl.downloads)

	g.fillPlay(5, 10)
	g.deliver(download.Event{Type: download.EventOnDemand, SessionID: g.dl.session})
	require.True(t, g.e.triad.running, "playback resumes once the runway is back")
	assert.Equal(t, Forward, g.e.Direction())
	assert.Equal(t, Playing, g.e.Status())
	assert.Equal(t, 2, g.count(EventPlaybackReady))

	g.l.Advance(500 * time.Millisecond)
	assert.Greater(t, g.e.Frame(), 120)
}

func TestEngine_pause_redraws_at_seek_quality(t *testing.T) {
	g := newRig(t)
	g.fillScrub(0, 10)
	pauses := 0
	g.e.OnPause(func() { pauses++ })

	require.NoError(t, g.e.GotoFrame(30, false))
	assert.Equal(t, 1, pauses)
	require.Len(t, g.r.frames, 1)
	assert.Equal(t, "scrub-0", g.r.frames[0].Buffer)

	g.e.Pause()
	assert.Equal(t, []int{30}, g.dl.seeks)
	assert.Equal(t, 1, pauses)

	g.deliver(download.Event{Type: download.EventSeekResult, Frame: 30, Segment: g.seekSegment(30)})
	assert.Equal(t, 2, pauses)
	last := g.r.frames[len(g.r.frames)-1]
	assert.Equal(t, 30, last.Number)
	assert.Equal(t, "seek", last.Buffer)
	assert.Equal(t, 720, last.Quality)
}

func TestEngine_play_cancels_outstanding_seek(t *testing.T) {
	g := newRig(t)
	called := false
	var got *Frame
	require.NoError(t, g.e.Seek(5, true, func(f *Frame) {
		called = true
		got = f
	}))
	g.fillPlay(0, 10)
	require.NoError(t, g.e.Play())
	assert.True(t, called)
	assert.Nil(t, got)
	_, inFlight := g.e.SeekInFlight()
	assert.False(t, inFlight)
}

func TestEngine_set_quality(t *testing.T) {
	g := newRig(t)
	require.NoError(t, g.e.Start())
	g.l.RunPending()
	g.events = nil

	require.NoError(t, g.e.SetQuality(media.RoleScrub, 720))
	assert.Equal(t, []int{0, 1}, g.dl.starts)
	assert.Equal(t, 1, g.e.Quality().Scrub)
	g.l.RunPending()
	require.Equal(t, 1, g.count(EventDefaultVideoSettings))
	assert.Equal(t, 720, g.events[0].Settings.ScrubQuality)

	require.NoError(t, g.e.SetQuality(media.RoleScrub, 700))
	assert.Equal(t, []int{0, 1}, g.dl.starts, "same variant is a no-op")

	g.e.PrepareOnDemand(Forward)
	require.NoError(t, g.e.SetQuality(media.RolePlay, 320))
	g.l.RunPending()
	assert.Equal(t, 1, g.dl.shutdowns)
	assert.Equal(t, 2, g.dl.session)
}

func TestEngine_state_and_close(t *testing.T) {
	g := newRig(t)
	st := g.e.State()
	assert.Equal(t, int64(7), st.MediaID)
	assert.Equal(t, "stopped", st.Direction)
	assert.Equal(t, "paused", st.Status)
	assert.Equal(t, HealthStart, st.Health)

	g.e.Close()
	assert.True(t, g.dl.closed)
	assert.ErrorIs(t, g.e.Play(), ErrClosed)
	assert.ErrorIs(t, g.e.GotoFrame(3, true), ErrClosed)
	g.e.Close()
}

func TestFrameRing(t *testing.T) {
	r := newFrameRing(3)
	for i := 0; i < 3; i++ {
		assert.True(t, r.Push(Frame{Number: i}))
	}
	assert.True(t, r.Full())
	assert.False(t, r.Push(Frame{Number: 3}))

	f, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, 0, f.Number)
	assert.True(t, r.Push(Frame{Number: 3}))

	var got []int
	for {
		f, ok := r.Pop()
		if !ok {
			break
		}
		got = append(got, f.Number)
	}
	assert.Equal(t, []int{1, 2, 3}, got)

	r.Push(Frame{Number: 9})
	r.Clear()
	assert.Zero(t, r.Len())
}
