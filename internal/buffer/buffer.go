// Package buffer holds decoded-media buffers and the demultiplexer that maps
// playback roles onto them.
package buffer

import (
	"errors"
	"fmt"
	"time"

	"playback-engine/internal/loop"
)

var (
	// ErrDecode wraps errors reported while ingesting a segment.
	ErrDecode = errors.New("segment decode failed")

	// ErrBufferFull is returned when writing to a buffer that was retired.
	ErrBufferFull = errors.New("buffer is full")

	// ErrAborted is delivered to operations discarded by Abort.
	ErrAborted = errors.New("buffer operation aborted")
)

// Segment is a decodable span of media delivered by the download worker.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Data  []byte  `json:"-"`

	// FirstFrame is the first frame contained in the segment, when known.
	FirstFrame int `json:"first_frame"`
}

// Size returns the segment's payload size in bytes.
func (s Segment) Size() int64 {
	return int64(len(s.Data))
}

// Checker validates a segment before it is committed. A non-nil error marks
// the buffer as errored.
type Checker func(Segment) error

type writeOp struct {
	name  string
	apply func() error
	done  func(error)
}

// DecodeBuffer is an append-only store of decodable media ranges. Mutations
// are serialised through a single-writer queue: one operation is in flight at
// a time and completes asynchronously on the loop. Readers observe only
// committed ranges.
type DecodeBuffer struct {
	name          string
	loop          loop.Loop
	applyDelay    time.Duration
	check         Checker
	capacityBytes int64

	ranges     Ranges
	segments   []Segment
	inUseBytes int64
	reserved   int64
	full       bool
	err        error

	queue    []writeOp
	updating bool
}

// BufferOptions configures a DecodeBuffer.
type BufferOptions struct {
	// CapacityBytes bounds scrub buffers; zero means unbounded.
	CapacityBytes int64
	// ApplyDelay models the time the decoder needs to ingest an operation.
	ApplyDelay time.Duration
	// Check validates segments; nil accepts everything.
	Check Checker
}

// NewDecodeBuffer returns an empty buffer whose operations complete on l.
func NewDecodeBuffer(name string, l loop.Loop, opts BufferOptions) *DecodeBuffer {
	return &DecodeBuffer{
		name:          name,
		loop:          l,
		applyDelay:    opts.ApplyDelay,
		check:         opts.Check,
		capacityBytes: opts.CapacityBytes,
	}
}

// Name returns the buffer's label.
func (b *DecodeBuffer) Name() string { return b.name }

// Ranges returns a snapshot of the committed ranges.
func (b *DecodeBuffer) Ranges() []Range { return b.ranges.Slice() }

// Contains reports whether t is decodable from this buffer.
func (b *DecodeBuffer) Contains(t float64) bool { return b.ranges.Contains(t) }

// Containing returns the committed range holding t.
func (b *DecodeBuffer) Containing(t float64) (Range, bool) { return b.ranges.Containing(t) }

// InUseBytes returns the bytes appended since the buffer was created or reset.
func (b *DecodeBuffer) InUseBytes() int64 { return b.inUseBytes }

// ReservedBytes returns the bytes committed or queued for append.
func (b *DecodeBuffer) ReservedBytes() int64 { return b.reserved }

// CapacityBytes returns the configured capacity, zero when unbounded.
func (b *DecodeBuffer) CapacityBytes() int64 { return b.capacityBytes }

// Full reports whether the buffer was retired from writing.
func (b *DecodeBuffer) Full() bool { return b.full }

// Updating reports whether an operation is in flight.
func (b *DecodeBuffer) Updating() bool { return b.updating }

// Pending returns the number of queued operations, excluding the one in flight.
func (b *DecodeBuffer) Pending() int { return len(b.queue) }

// Err returns the last decode error, if any.
func (b *DecodeBuffer) Err() error { return b.err }

// SegmentAt returns the committed segment covering t.
func (b *DecodeBuffer) SegmentAt(t float64) (Segment, bool) {
	for i := len(b.segments) - 1; i >= 0; i-- {
		s := b.segments[i]
		if (Range{Start: s.Start, End: s.End}).Contains(t) {
			return s, true
		}
	}
	return Segment{}, false
}

func (b *DecodeBuffer) markFull() {
	b.full = true
}

// Append queues seg for ingestion. done, if non-nil, runs on the loop once the
// segment is committed or rejected.
func (b *DecodeBuffer) Append(seg Segment, done func(error)) {
	if b.full {
		if done != nil {
			b.loop.Post(func() { done(ErrBufferFull) })
		}
		return
	}
	b.reserved += seg.Size()
	b.enqueue(writeOp{name: "append", done: done, apply: func() error {
		if b.check != nil {
			if err := b.check(seg); err != nil {
				return fmt.Errorf("%w: %s %s: %v", ErrDecode, b.name, Range{seg.Start, seg.End}, err)
			}
		}
		b.ranges.Add(Range{Start: seg.Start, End: seg.End})
		b.segments = append(b.segments, seg)
		b.inUseBytes += seg.Size()
		return nil
	}})
}

// Remove queues deletion of [start, end).
func (b *DecodeBuffer) Remove(start, end float64, done func(error)) {
	b.enqueue(writeOp{name: "remove", done: done, apply: func() error {
		b.ranges.Remove(start, end)
		kept := b.segments[:0]
		for _, s := range b.segments {
			if s.End <= start || s.Start >= end {
				kept = append(kept, s)
			}
		}
		b.segments = kept
		return nil
	}})
}

// Reset queues removal of every range. done runs once the buffer reports no
// ranges; the error state and byte accounting are cleared with it.
func (b *DecodeBuffer) Reset(done func(error)) {
	b.enqueue(writeOp{name: "reset", done: done, apply: func() error {
		b.ranges.Clear()
		b.segments = nil
		b.inUseBytes = 0
		b.reserved = 0
		b.full = false
		b.err = nil
		return nil
	}})
}

// Abort drops queued operations without running them. Their callbacks receive
// ErrAborted. The in-flight operation, if any, still completes.
func (b *DecodeBuffer) Abort() {
	queued := b.queue
	b.queue = nil
	for _, op := range queued {
		if op.done != nil {
			op.done(ErrAborted)
		}
	}
}

func (b *DecodeBuffer) enqueue(op writeOp) {
	b.queue = append(b.queue, op)
	if !b.updating {
		b.startNext()
	}
}

// startNext begins the head operation; its completion starts the one after.
func (b *DecodeBuffer) startNext() {
	if len(b.queue) == 0 {
		return
	}
	op := b.queue[0]
	b.queue = b.queue[1:]
	b.updating = true
	b.loop.After(b.applyDelay, func() { b.finish(op) })
}

func (b *DecodeBuffer) finish(op writeOp) {
	err := op.apply()
	if err != nil && errors.Is(err, ErrDecode) {
		b.err = err
	}
	b.updating = false
	if op.done != nil {
		op.done(err)
	}
	if !b.updating {
		b.startNext()
	}
}

// Stats is a point-in-time view of a buffer.
type Stats struct {
	Name          string  `json:"name"`
	Ranges        []Range `json:"ranges"`
	InUseBytes    int64   `json:"in_use_bytes"`
	CapacityBytes int64   `json:"capacity_bytes,omitempty"`
	Full          bool    `json:"full"`
	Pending       int     `json:"pending"`
	Error         string  `json:"error,omitempty"`
}

// Stats returns a snapshot of the buffer.
func (b *DecodeBuffer) Stats() Stats {
	st := Stats{
		Name:          b.name,
		Ranges:        b.Ranges(),
		InUseBytes:    b.inUseBytes,
		CapacityBytes: b.capacityBytes,
		Full:          b.full,
		Pending:       len(b.queue),
	}
	if b.err != nil {
		st.Error = b.err.Error()
	}
	return st
}
