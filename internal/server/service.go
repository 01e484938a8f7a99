// Package server exposes a playback transport over HTTP. Handlers never touch
// engine state directly; every call is marshalled onto the engine loop.
package server

import (
	"context"

	"playback-engine/internal/media"
)

// Transport is the control surface shared by a single engine and a multiview.
type Transport interface {
	Play() error
	PlayBackwards() error
	Pause()
	GotoFrame(frame int, forceHQ bool) error
	Advance() error
	Back() error
	SetRate(rate float64) error
	SetQuality(role media.Role, quality int) error
}

// Caller runs fn on the loop that owns the transport and waits for it.
// *loop.Real implements it.
type Caller interface {
	Call(ctx context.Context, fn func() error) error
}

// Service applies transport commands on the engine loop.
type Service struct {
	loop  Caller
	t     Transport
	state func() any
}

// NewService returns a Service for t. state builds the /state snapshot and is
// also run on the loop; it may be nil.
func NewService(l Caller, t Transport, state func() any) *Service {
	return &Service{loop: l, t: t, state: state}
}

// Play starts forward playback.
func (s *Service) Play(ctx context.Context) error {
	return s.loop.Call(ctx, s.t.Play)
}

// PlayBackwards starts reverse playback.
func (s *Service) PlayBackwards(ctx context.Context) error {
	return s.loop.Call(ctx, s.t.PlayBackwards)
}

// Pause stops playback.
func (s *Service) Pause(ctx context.Context) error {
	return s.loop.Call(ctx, func() error {
		s.t.Pause()
		return nil
	})
}

// GotoFrame seeks to frame.
func (s *Service) GotoFrame(ctx context.Context, frame int, forceHQ bool) error {
	return s.loop.Call(ctx, func() error { return s.t.GotoFrame(frame, forceHQ) })
}

// Advance steps one frame forward.
func (s *Service) Advance(ctx context.Context) error {
	return s.loop.Call(ctx, s.t.Advance)
}

// Back steps one frame backward.
func (s *Service) Back(ctx context.Context) error {
	return s.loop.Call(ctx, s.t.Back)
}

// SetRate changes the playback rate.
func (s *Service) SetRate(ctx context.Context, rate float64) error {
	return s.loop.Call(ctx, func() error { return s.t.SetRate(rate) })
}

// SetQuality rebinds a buffer role to the variant closest to quality.
func (s *Service) SetQuality(ctx context.Context, role media.Role, quality int) error {
	return s.loop.Call(ctx, func() error { return s.t.SetQuality(role, quality) })
}

// State returns the current snapshot, or nil when no state func was given.
func (s *Service) State(ctx context.Context) (any, error) {
	if s.state == nil {
		return nil, nil
	}
	var st any
	err := s.loop.Call(ctx, func() error {
		st = s.state()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
