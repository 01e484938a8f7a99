package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMedia = `{
  "id": 12,
  "name": "clip.mp4",
  "fps": 29.97,
  "num_frames": 900,
  "width": 1920,
  "height": 1080,
  "media_files": {
    "streaming": [
      {"resolution": [1080, 1920], "path": "/media/1080.mp4", "segment_info": "/media/1080.json"},
      {"resolution": [720, 1280], "path": "/media/720.mp4"},
      {"resolution": [360, 640], "path": "/media/360.mp4"}
    ],
    "audio": [{"path": "/media/audio.m4a"}]
  }
}`

func TestDecode(t *testing.T) {
	d, err := Decode([]byte(sampleMedia))
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	assert.Equal(t, int64(12), d.ID)
	assert.Equal(t, 29.97, d.FPS)
	require.Len(t, d.Files.Streaming, 3)
	assert.Equal(t, 1080, d.Files.Streaming[0].Height)
	assert.Equal(t, 1920, d.Files.Streaming[0].Width)
	assert.Equal(t, "/media/1080.json", d.Files.Streaming[0].SegmentInfo)
	assert.Len(t, d.Files.Audio, 1)
	assert.False(t, d.IsMultiView())
	assert.False(t, d.IsConcat())
}

func TestDecode_invalid_json(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		want error
	}{
		{"zero fps", Descriptor{FPS: 0, NumFrames: 10}, ErrInvalidFPS},
		{"no frames", Descriptor{FPS: 30}, ErrInvalidFrameCount},
		{"no variants", Descriptor{FPS: 30, NumFrames: 10}, ErrNoVariants},
		{"multiview needs no variants", Descriptor{FPS: 30, NumFrames: 10, Files: Files{IDs: []int64{1, 2}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.d.Validate(), tt.want)
		})
	}
}

func TestFrameTimeConversions(t *testing.T) {
	d := &Descriptor{FPS: 30, NumFrames: 300}

	assert.InDelta(t, 1.0, d.FrameToTime(30, 0), 1e-9)
	assert.InDelta(t, 1.5, d.FrameToTime(30, 0.5), 1e-9)
	for f := 0; f < d.NumFrames; f++ {
		assert.Equal(t, f, d.TimeToFrame(d.FrameToTime(f, 0.1), 0.1))
	}
	assert.Equal(t, 0, d.ClampFrame(-5))
	assert.Equal(t, 299, d.ClampFrame(1000))
	assert.InDelta(t, 10.0, d.Duration(), 1e-9)
}

func TestSelect(t *testing.T) {
	d, err := Decode([]byte(sampleMedia))
	require.NoError(t, err)

	sel, err := d.Select(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sel.Play, "default play quality is 720")
	assert.Equal(t, 2, sel.Scrub, "320 is closest to 360")
	assert.Equal(t, 0, sel.Seek, "seek defaults to the highest rendition")

	sel, err = d.Select(1000, 700, 400)
	require.NoError(t, err)
	assert.Equal(t, Selection{Play: 0, Scrub: 1, Seek: 2}, sel)
	assert.Equal(t, 720, d.Quality(sel, RoleScrub))

	_, err = (&Descriptor{FPS: 30, NumFrames: 1}).Select(0, 0, 0)
	assert.ErrorIs(t, err, ErrNoVariants)
}

func TestFindBestVariant_tie_prefers_larger(t *testing.T) {
	d := &Descriptor{Files: Files{Streaming: []Variant{{Height: 400}, {Height: 600}}}}
	assert.Equal(t, 1, d.FindBestVariant(500))
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"scrub", "seek", "play", "onDemand"} {
		r, err := ParseRole(s)
		require.NoError(t, err)
		assert.NotEmpty(t, r.String())
	}
	_, err := ParseRole("nope")
	assert.Error(t, err)
}
