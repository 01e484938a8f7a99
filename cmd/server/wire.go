package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"playback-engine/internal/buffer"
	"playback-engine/internal/download"
	"playback-engine/internal/loop"
	"playback-engine/internal/media"
	"playback-engine/internal/multiview"
	"playback-engine/internal/platform/config"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/player"
	"playback-engine/internal/server"
)

const (
	syntheticFPS    = 30
	syntheticFrames = 900
	fetchTimeout    = 30 * time.Second
)

type buildOptions struct {
	Loop      loop.Loop
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	DisplayHz float64
	Settings  config.Settings
	// MediaFile is a backend media object; empty selects a synthetic clip.
	MediaFile string
	// MediaDir holds <id>.json descriptors for multiview tracks and concat parts.
	MediaDir string
	// BaseURL switches fragment loading from synthetic data to HTTP.
	BaseURL string
	// Limiter paces HTTP fetches across all workers; nil is unlimited.
	Limiter *rate.Limiter
	OnEvent player.EventHandler
}

// playback is what the HTTP layer drives.
type playback struct {
	transport server.Transport
	state     func() any
	close     func()
	mediaID   int64
	tracks    int
}

// build loads media and wires demuxes, downloaders and engines. It runs
// before the loop starts, so touching loop-owned state here is safe.
func build(opts buildOptions) (*playback, error) {
	var desc *media.Descriptor
	if opts.MediaFile != "" {
		d, err := loadMedia(opts.MediaFile)
		if err != nil {
			return nil, err
		}
		desc = d
	}

	switch {
	case desc != nil && desc.IsMultiView():
		return buildMulti(opts, desc.ID, desc.Files.IDs, desc.Files.FrameOffset)
	case len(opts.Settings.MultiView) > 0:
		return buildMulti(opts, 0, opts.Settings.MultiView, nil)
	}

	if desc == nil {
		desc = syntheticMedia(1)
	}
	e, err := newEngine(opts, desc, opts.Settings.Frame)
	if err != nil {
		return nil, err
	}
	e.SetHandler(opts.OnEvent)
	if err := e.Start(); err != nil {
		e.Close()
		return nil, err
	}
	return &playback{
		transport: e,
		state:     func() any { return e.State() },
		close:     e.Close,
		mediaID:   desc.ID,
		tracks:    1,
	}, nil
}

func buildMulti(opts buildOptions, id int64, ids []int64, offsets []int) (*playback, error) {
	descs := make([]*media.Descriptor, 0, len(ids))
	for _, trackID := range ids {
		d, err := trackMedia(opts.MediaDir, trackID)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	tl, err := multiview.TimelineFor(descs, offsets)
	if err != nil {
		return nil, err
	}

	engines := make([]*player.Engine, 0, len(descs))
	closeAll := func() {
		for _, e := range engines {
			e.Close()
		}
	}
	prime := tl.ClampPrime(opts.Settings.Frame)
	for i, d := range descs {
		e, err := newEngine(opts, d, tl.Expected(i, prime))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("track %d: %w", i, err)
		}
		engines = append(engines, e)
	}

	m, err := multiview.New(multiview.Options{
		Context:  player.NewContext(opts.Loop, opts.DisplayHz, opts.Logger, opts.Metrics),
		Timeline: tl,
		Engines:  engines,
		OnEvent:  opts.OnEvent,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	for i, e := range engines {
		if err := e.Start(); err != nil {
			m.Close()
			return nil, fmt.Errorf("track %d: %w", i, err)
		}
	}
	if id == 0 {
		id = descs[tl.Prime()].ID
	}
	return &playback{
		transport: m,
		state:     func() any { return m.State() },
		close:     m.Close,
		mediaID:   id,
		tracks:    len(engines),
	}, nil
}

func newEngine(opts buildOptions, d *media.Descriptor, frame int) (*player.Engine, error) {
	ctx := player.NewContext(opts.Loop, opts.DisplayHz, opts.Logger, opts.Metrics)
	demux := buffer.NewDemux(opts.Loop, opts.Logger, buffer.DefaultDemuxConfig())

	dl, err := newDownloader(opts, d, demux)
	if err != nil {
		return nil, err
	}

	var quality *media.Selection
	if len(d.Files.Streaming) > 0 {
		s := opts.Settings
		sel, err := d.Select(s.PlayQuality, s.ScrubQuality, s.SeekQuality)
		if err != nil {
			dl.Close()
			return nil, err
		}
		quality = &sel
	}

	e, err := player.New(player.Options{
		Context:      ctx,
		Media:        d,
		Demux:        demux,
		Downloader:   dl,
		Renderer:     &logRenderer{log: opts.Logger.With(slog.Int64("media_id", d.ID))},
		Quality:      quality,
		InitialFrame: frame,
		SafeMode:     opts.Settings.SafeMode,
	})
	if err != nil {
		dl.Close()
		return nil, err
	}
	return e, nil
}

func newDownloader(opts buildOptions, d *media.Descriptor, demux *buffer.Demux) (download.Downloader, error) {
	if !d.IsConcat() {
		return download.NewManager(download.ManagerOptions{
			Loop:    opts.Loop,
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
			Demux:   demux,
			Media:   d,
			Factory: download.Factory(d, fetcherFor(opts, d), opts.Logger),
		})
	}
	for i := range d.Files.Concat {
		part := &d.Files.Concat[i]
		if part.Media != nil {
			continue
		}
		pd, err := trackMedia(opts.MediaDir, part.ID)
		if err != nil {
			return nil, fmt.Errorf("concat part %d: %w", part.ID, err)
		}
		part.Media = pd
	}
	return download.NewConcatManager(download.ConcatOptions{
		Loop:    opts.Loop,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Demux:   demux,
		Media:   d,
		Factory: func(part media.ConcatPart) download.WorkerFactory {
			return download.Factory(part.Media, fetcherFor(opts, part.Media), opts.Logger)
		},
	})
}

func fetcherFor(opts buildOptions, d *media.Descriptor) download.Fetcher {
	if opts.BaseURL != "" {
		f := download.NewHTTPFetcher(&http.Client{Timeout: fetchTimeout}, opts.BaseURL)
		f.Limiter = opts.Limiter
		return f
	}
	return download.NewSyntheticFetcher(d)
}

func loadMedia(path string) (*media.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	return media.Decode(data)
}

// trackMedia loads <dir>/<id>.json, or a synthetic clip when dir is empty.
func trackMedia(dir string, id int64) (*media.Descriptor, error) {
	if dir == "" {
		return syntheticMedia(id), nil
	}
	return loadMedia(filepath.Join(dir, fmt.Sprintf("%d.json", id)))
}

func syntheticMedia(id int64) *media.Descriptor {
	variant := func(h, w int) media.Variant {
		return media.Variant{
			Height:      h,
			Width:       w,
			Resolution:  [2]int{h, w},
			Path:        fmt.Sprintf("synthetic/%d/%d.mp4", id, h),
			SegmentInfo: fmt.Sprintf("synthetic/%d/%d.json", id, h),
		}
	}
	return &media.Descriptor{
		ID:        id,
		Name:      fmt.Sprintf("synthetic-%d", id),
		FPS:       syntheticFPS,
		NumFrames: syntheticFrames,
		Width:     1920,
		Height:    1080,
		Files: media.Files{Streaming: []media.Variant{
			variant(320, 568),
			variant(720, 1280),
			variant(1080, 1920),
		}},
	}
}

// logRenderer stands in for a canvas: it logs each frame it is handed.
type logRenderer struct {
	log    *slog.Logger
	frames int
}

func (r *logRenderer) PushFrame(f player.Frame) {
	r.frames++
	r.log.Debug("frame", slog.Int("frame", f.Number), slog.String("buffer", f.Buffer), slog.Int("quality", f.Quality))
}

func (r *logRenderer) Clear() {
	r.log.Debug("canvas cleared", slog.Int("frames_drawn", r.frames))
}

func (r *logRenderer) ResizeViewport(width, height int) {
	r.log.Info("viewport resized", slog.Int("width", width), slog.Int("height", height))
}
