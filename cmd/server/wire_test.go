package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"playback-engine/internal/loop"
	"playback-engine/internal/multiview"
	"playback-engine/internal/platform/config"
	"playback-engine/internal/player"
)

func testOptions(l loop.Loop) buildOptions {
	return buildOptions{
		Loop:      l,
		Logger:    slog.New(slog.DiscardHandler),
		DisplayHz: 60,
	}
}

func TestBuild_synthetic_engine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := loop.NewManual(time.Unix(1000, 0))

	opts := testOptions(l)
	opts.Settings = config.Settings{Frame: 45, PlayQuality: 1080}
	p, err := build(opts)
	require.NoError(t, err)
	defer p.close()

	assert.Equal(t, int64(1), p.mediaID)
	assert.Equal(t, 1, p.tracks)
	st, ok := p.state().(player.State)
	require.True(t, ok)
	assert.Equal(t, 1080, st.Settings.PlayQuality)
	assert.Equal(t, 320, st.Settings.ScrubQuality)
	assert.Equal(t, "stopped", st.Direction)
}

func TestBuild_multiview_from_settings(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := loop.NewManual(time.Unix(1000, 0))

	opts := testOptions(l)
	opts.Settings = config.Settings{MultiView: []int64{3, 4}}
	p, err := build(opts)
	require.NoError(t, err)
	defer p.close()

	assert.Equal(t, 2, p.tracks)
	assert.Equal(t, int64(3), p.mediaID)
	st, ok := p.state().(multiview.State)
	require.True(t, ok)
	assert.Len(t, st.Tracks, 2)
}

func TestBuild_concat_media_from_files(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	dir := t.TempDir()
	part := func(id string) string {
		return `{"id":` + id + `,"fps":30,"num_frames":900,"width":1280,"height":720,` +
			`"media_files":{"streaming":[{"resolution":[720,1280],"path":"` + id + `.mp4","segment_info":"` + id + `.idx"}]}}`
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7.json"), []byte(part("7")), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "8.json"), []byte(part("8")), 0o600))
	mediaPath := filepath.Join(dir, "media.json")
	require.NoError(t, os.WriteFile(mediaPath, []byte(`{"id":5,"fps":30,"num_frames":1800,"width":1280,"height":720,`+
		`"media_files":{"concat":[{"id":7,"timestampOffset":0},{"id":8,"timestampOffset":30}]}}`), 0o600))

	l := loop.NewManual(time.Unix(1000, 0))
	opts := testOptions(l)
	opts.MediaFile = mediaPath
	opts.MediaDir = dir
	p, err := build(opts)
	require.NoError(t, err)
	defer p.close()

	assert.Equal(t, int64(5), p.mediaID)
	assert.Equal(t, 1, p.tracks)
}

func TestBuild_missing_media(t *testing.T) {
	opts := testOptions(loop.NewManual(time.Unix(1000, 0)))
	opts.MediaFile = filepath.Join(t.TempDir(), "nope.json")
	_, err := build(opts)
	assert.Error(t, err)

	opts.MediaFile = ""
	opts.Settings.MultiView = []int64{1}
	opts.MediaDir = t.TempDir()
	_, err = build(opts)
	assert.Error(t, err, "track descriptors are read from the media dir")
}
