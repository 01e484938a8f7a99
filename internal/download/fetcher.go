package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"playback-engine/internal/media"
)

// ErrUnsupportedStream is returned when a variant cannot be streamed in
// segments, e.g. legacy media without a segment index.
var ErrUnsupportedStream = errors.New("stream does not support segmented playback")

// ByteRange is an inclusive-start, exclusive-end byte span of a file.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// IndexEntry describes one media fragment of a variant.
type IndexEntry struct {
	ByteRange
	FrameStart int `json:"frame_start"`
	Frames     int `json:"frame_samples"`
}

// SegmentIndex lists the fragments of a variant in presentation order.
type SegmentIndex struct {
	// StartBias is the presentation time of the first keyframe.
	StartBias float64 `json:"start_bias"`
	// FirstFrame is the first frame carried by the stream.
	FirstFrame int          `json:"first_frame"`
	Init       ByteRange    `json:"init"`
	Segments   []IndexEntry `json:"segments"`
}

// Find returns the index of the fragment containing frame, or -1.
func (x *SegmentIndex) Find(frame int) int {
	i := sort.Search(len(x.Segments), func(i int) bool {
		s := x.Segments[i]
		return s.FrameStart+s.Frames > frame
	})
	if i < len(x.Segments) && x.Segments[i].FrameStart <= frame {
		return i
	}
	return -1
}

// Fetcher loads segment indexes and byte ranges of a variant.
type Fetcher interface {
	Index(ctx context.Context, v media.Variant) (*SegmentIndex, error)
	Fetch(ctx context.Context, path string, r ByteRange) ([]byte, error)
}

// FetchWithInit loads the init segment and a fragment concurrently and returns
// them concatenated, ready to append to an empty buffer.
func FetchWithInit(ctx context.Context, f Fetcher, path string, init, frag ByteRange) ([]byte, error) {
	var initData, fragData []byte
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		initData, err = f.Fetch(ctx, path, init)
		return err
	})
	g.Go(func() error {
		var err error
		fragData, err = f.Fetch(ctx, path, frag)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(initData)+len(fragData))
	out = append(out, initData...)
	return append(out, fragData...), nil
}

// HTTPFetcher reads indexes and fragments over HTTP using Range requests.
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
	// Limiter, when set, paces requests. Workers of every engine may share one.
	Limiter *rate.Limiter
}

// NewHTTPFetcher returns a fetcher resolving relative paths against baseURL.
func NewHTTPFetcher(client *http.Client, baseURL string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (f *HTTPFetcher) do(req *http.Request) (*http.Response, error) {
	if f.Limiter != nil {
		if err := f.Limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return f.Client.Do(req)
}

func (f *HTTPFetcher) resolve(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	if u.IsAbs() || f.BaseURL == "" {
		return path, nil
	}
	return f.BaseURL + "/" + strings.TrimLeft(path, "/"), nil
}

// Index implements Fetcher.Index. Variants without segment_info are reported
// as ErrUnsupportedStream.
func (f *HTTPFetcher) Index(ctx context.Context, v media.Variant) (*SegmentIndex, error) {
	if v.SegmentInfo == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStream, v.Path)
	}
	target, err := f.resolve(v.SegmentInfo)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch segment index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch segment index %s: status %d", target, resp.StatusCode)
	}
	var idx SegmentIndex
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decode segment index: %w", err)
	}
	if len(idx.Segments) == 0 {
		return nil, fmt.Errorf("%w: empty index for %s", ErrUnsupportedStream, v.Path)
	}
	return &idx, nil
}

// Fetch implements Fetcher.Fetch.
func (f *HTTPFetcher) Fetch(ctx context.Context, path string, r ByteRange) ([]byte, error) {
	target, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if r.Size > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Size-1))
	}
	resp, err := f.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode == http.StatusOK && r.Size > 0 {
		// server ignored the Range header
		end := r.Offset + r.Size
		if end > int64(len(data)) {
			return nil, fmt.Errorf("fetch %s: short body", target)
		}
		data = data[r.Offset:end]
	}
	return data, nil
}

// SyntheticFetcher serves generated fragments for a descriptor. It is used by
// the demo server and tests in place of real media.
type SyntheticFetcher struct {
	FPS              float64
	NumFrames        int
	FramesPerSegment int
	BytesPerFrame    int
	InitSize         int
	StartBias        float64
	FirstFrame       int

	// Unsupported marks variant paths that fail with ErrUnsupportedStream.
	Unsupported map[string]bool
	// Fail, when set, is consulted before each fragment fetch.
	Fail func(path string, r ByteRange) error
}

// NewSyntheticFetcher returns a fetcher producing one-second fragments.
func NewSyntheticFetcher(d *media.Descriptor) *SyntheticFetcher {
	fps := int(d.FPS + 0.5)
	if fps < 1 {
		fps = 1
	}
	return &SyntheticFetcher{
		FPS:              d.FPS,
		NumFrames:        d.NumFrames,
		FramesPerSegment: fps,
		BytesPerFrame:    64,
		InitSize:         32,
	}
}

// Index implements Fetcher.Index.
func (f *SyntheticFetcher) Index(_ context.Context, v media.Variant) (*SegmentIndex, error) {
	if f.Unsupported[v.Path] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStream, v.Path)
	}
	per := f.FramesPerSegment
	if per <= 0 {
		per = 1
	}
	bytesPerFrame := int64(f.BytesPerFrame) * int64(max(1, v.Height/100))
	idx := &SegmentIndex{
		StartBias:  f.StartBias,
		FirstFrame: f.FirstFrame,
		Init:       ByteRange{Offset: 0, Size: int64(f.InitSize)},
	}
	offset := int64(f.InitSize)
	for start := f.FirstFrame; start < f.NumFrames; start += per {
		frames := min(per, f.NumFrames-start)
		size := int64(frames) * bytesPerFrame
		idx.Segments = append(idx.Segments, IndexEntry{
			ByteRange:  ByteRange{Offset: offset, Size: size},
			FrameStart: start,
			Frames:     frames,
		})
		offset += size
	}
	return idx, nil
}

// Fetch implements Fetcher.Fetch.
func (f *SyntheticFetcher) Fetch(ctx context.Context, path string, r ByteRange) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Fail != nil {
		if err := f.Fail(path, r); err != nil {
			return nil, err
		}
	}
	data := make([]byte, r.Size)
	for i := range data {
		data[i] = byte(r.Offset + int64(i))
	}
	return data, nil
}
