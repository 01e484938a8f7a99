package buffer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playback-engine/internal/loop"
	"playback-engine/internal/media"
)

func seg(start, end float64, size int) Segment {
	return Segment{Start: start, End: end, Data: make([]byte, size)}
}

func newTestDemux(cfg DemuxConfig) (*Demux, *loop.Manual) {
	l := loop.NewManual(time.Unix(100, 0))
	return NewDemux(l, nil, cfg), l
}

func TestDecodeBuffer_single_writer_serialises(t *testing.T) {
	l := loop.NewManual(time.Unix(0, 0))
	b := NewDecodeBuffer("play", l, BufferOptions{ApplyDelay: 10 * time.Millisecond})

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Append(seg(float64(i), float64(i+1), 10), func(err error) {
			require.NoError(t, err)
			order = append(order, i)
		})
	}
	assert.True(t, b.Updating())
	assert.Equal(t, 2, b.Pending())
	assert.Empty(t, b.Ranges(), "nothing committed before the apply delay")

	l.Advance(10 * time.Millisecond)
	assert.Equal(t, []int{0}, order)
	assert.Equal(t, []Range{{Start: 0, End: 1}}, b.Ranges())

	l.Advance(20 * time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, []Range{{Start: 0, End: 3}}, b.Ranges())
	assert.False(t, b.Updating())
	assert.Equal(t, int64(30), b.InUseBytes())
}

func TestDecodeBuffer_decode_error_recorded(t *testing.T) {
	l := loop.NewManual(time.Unix(0, 0))
	bad := errors.New("corrupt moof")
	b := NewDecodeBuffer("play", l, BufferOptions{Check: func(s Segment) error {
		if s.Start == 1 {
			return bad
		}
		return nil
	}})

	var got error
	b.Append(seg(0, 1, 1), nil)
	b.Append(seg(1, 2, 1), func(err error) { got = err })
	l.RunPending()

	assert.ErrorIs(t, got, ErrDecode)
	assert.ErrorIs(t, b.Err(), ErrDecode)
	assert.Equal(t, []Range{{Start: 0, End: 1}}, b.Ranges())

	var resetErr error = errors.New("not called")
	b.Reset(func(err error) { resetErr = err })
	l.RunPending()
	assert.NoError(t, resetErr)
	assert.NoError(t, b.Err())
	assert.Empty(t, b.Ranges())
}

func TestDecodeBuffer_Abort(t *testing.T) {
	l := loop.NewManual(time.Unix(0, 0))
	b := NewDecodeBuffer("play", l, BufferOptions{})

	var errs []error
	for i := 0; i < 3; i++ {
		b.Append(seg(float64(i), float64(i+1), 1), func(err error) { errs = append(errs, err) })
	}
	b.Abort()
	l.RunPending()

	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], ErrAborted)
	assert.ErrorIs(t, errs[1], ErrAborted)
	assert.NoError(t, errs[2], "in-flight operation completes")
}

func TestDemux_ForTime_roles(t *testing.T) {
	d, l := newTestDemux(DemuxConfig{})
	d.AppendOnDemand(seg(10, 12, 1), nil)
	d.AppendSeek(seg(20, 21, 1), nil)
	d.AppendScrub(seg(0, 5, 1), nil)
	l.RunPending()

	assert.Same(t, d.Play(), d.ForTime(11, media.RolePlay))
	assert.Nil(t, d.ForTime(11, media.RoleScrub))
	assert.Same(t, d.Seek(), d.ForTime(20.5, media.RoleSeek))
	assert.NotNil(t, d.ForTime(4.9, media.RoleScrub))
	assert.Nil(t, d.ForTime(5, media.RoleScrub))

	b, role := d.Lookup(11, media.RoleScrub, media.RolePlay)
	assert.Same(t, d.Play(), b)
	assert.Equal(t, media.RolePlay, role)
}

func TestDemux_AppendSeek_replaces(t *testing.T) {
	d, l := newTestDemux(DemuxConfig{})
	d.AppendSeek(seg(0, 1, 1), nil)
	d.AppendSeek(seg(5, 6, 1), nil)
	l.RunPending()

	assert.Equal(t, []Range{{Start: 5, End: 6}}, d.Seek().Ranges())
}

func TestDemux_scrub_rollover_continuity(t *testing.T) {
	d, l := newTestDemux(DemuxConfig{ScrubCapacityBytes: 1000, ApplyDelay: time.Millisecond})

	appended := 0.0
	check := func(stage string) {
		for x := 0.0; x < appended; x += 0.1 {
			require.NotNil(t, d.ForTime(x, media.RoleScrub), "%s: time %.1f missing", stage, x)
		}
	}

	for i := 0; i < 25; i++ {
		start := float64(i)
		d.AppendScrub(seg(start, start+1, 100), func(err error) { require.NoError(t, err) })
		check("during")
		l.Advance(10 * time.Millisecond)
		appended = start + 1
		check("after")
	}

	pool := d.ScrubPool()
	require.Len(t, pool, 3)
	assert.True(t, pool[0].Full())
	assert.True(t, pool[1].Full())
	assert.False(t, pool[2].Full())

	// the segment written at the rollover point lives in both buffers
	assert.True(t, pool[0].Contains(9.5))
	assert.True(t, pool[1].Contains(9.5))
	assert.LessOrEqual(t, pool[0].InUseBytes(), int64(1000))
	assert.Equal(t, []Range{{Start: 0, End: 25}}, d.ScrubRanges().Slice())
}

func TestDemux_scrub_eviction(t *testing.T) {
	d, l := newTestDemux(DemuxConfig{ScrubCapacityBytes: 1000, MaxScrubBuffers: 2})
	for i := 0; i < 40; i++ {
		d.AppendScrub(seg(float64(i), float64(i+1), 100), nil)
		l.RunPending()
	}

	pool := d.ScrubPool()
	assert.Len(t, pool, 2)
	assert.Nil(t, d.ForTime(0.5, media.RoleScrub), "evicted data is no longer queryable")
	assert.NotNil(t, d.ForTime(39.5, media.RoleScrub))
	assert.Greater(t, d.Snapshot().Evictions, 0)
}

func TestDemux_DeletePendingOnDemand(t *testing.T) {
	d, l := newTestDemux(DemuxConfig{})
	d.AppendOnDemand(seg(0, 60, 1), nil)
	l.RunPending()

	assert.False(t, d.DeletePendingOnDemand(20, Forward, nil), "nothing is 30s behind yet")

	assert.True(t, d.DeletePendingOnDemand(45, Forward, nil))
	l.RunPending()
	assert.Equal(t, []Range{{Start: 15, End: 60}}, d.Play().Ranges())

	assert.True(t, d.DeletePendingOnDemand(20, Backward, nil))
	l.RunPending()
	assert.Equal(t, []Range{{Start: 15, End: 50}}, d.Play().Ranges())
}

func TestDemux_ResetOnDemand_resolves_when_empty(t *testing.T) {
	d, l := newTestDemux(DemuxConfig{ApplyDelay: 5 * time.Millisecond})
	d.AppendOnDemand(seg(0, 2, 1), nil)
	d.AppendOnDemand(seg(2, 4, 1), nil)

	resolved := false
	d.ResetOnDemand(func(err error) {
		require.NoError(t, err)
		resolved = true
		assert.Empty(t, d.Play().Ranges())
	})
	l.Advance(50 * time.Millisecond)
	assert.True(t, resolved)
	assert.Empty(t, d.Play().Ranges(), "queued appends were aborted by the reset")
}

func TestDemux_Runway(t *testing.T) {
	d, l := newTestDemux(DemuxConfig{})
	d.AppendOnDemand(seg(2, 8, 1), nil)
	d.AppendScrub(seg(0, 10, 1), nil)
	l.RunPending()

	assert.InDelta(t, 3.0, d.Runway(5, Forward, media.RolePlay), 1e-9)
	assert.InDelta(t, 3.0, d.Runway(5, Backward, media.RolePlay), 1e-9)
	assert.InDelta(t, 5.0, d.Runway(5, Forward, media.RolePlay, media.RoleScrub), 1e-9)
	assert.Equal(t, 0.0, d.Runway(9, Forward, media.RolePlay))
}

func TestDemux_compat_mode(t *testing.T) {
	d, l := newTestDemux(DemuxConfig{})
	d.EnterCompatMode(10)
	assert.True(t, d.Compat())

	for _, role := range []media.Role{media.RoleScrub, media.RoleSeek, media.RolePlay} {
		assert.NotNil(t, d.ForTime(9.9, role))
	}
	assert.Nil(t, d.ForTime(10, media.RolePlay))

	called := false
	d.AppendOnDemand(seg(0, 1, 1), func(err error) { called = err == nil })
	l.RunPending()
	assert.True(t, called)
}
