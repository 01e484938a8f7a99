package server

import (
	"sync"
	"testing"

	"playback-engine/internal/player"
)

func TestEventLog_bounded(t *testing.T) {
	log := NewEventLog(3)
	for i := 0; i < 5; i++ {
		log.Record(player.Event{Type: player.EventSeekComplete, Frame: i})
	}

	got := log.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Event.Frame != 2 || got[2].Event.Frame != 4 {
		t.Errorf("expected frames 2..4, got %d..%d", got[0].Event.Frame, got[2].Event.Frame)
	}
	if got[2].Seq != 5 {
		t.Errorf("expected seq 5, got %d", got[2].Seq)
	}

	last := log.Recent(1)
	if len(last) != 1 || last[0].Event.Frame != 4 {
		t.Errorf("Recent(1) = %+v", last)
	}
}

func TestEventLog_frame_changes_are_counted_only(t *testing.T) {
	log := NewEventLog(0)
	log.Record(player.Event{Type: player.EventFrameChange, Frame: 1})
	log.Record(player.Event{Type: player.EventFrameChange, Frame: 2})
	log.Record(player.Event{Type: player.EventPlaybackEnded, Frame: 2})

	if n := len(log.Recent(0)); n != 1 {
		t.Errorf("expected 1 kept event, got %d", n)
	}
	counts := log.Counts()
	if counts[player.EventFrameChange] != 2 || counts[player.EventPlaybackEnded] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestEventLog_concurrent(t *testing.T) {
	log := NewEventLog(16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				log.Record(player.Event{Type: player.EventBufferLoaded})
				_ = log.Recent(4)
			}
		}()
	}
	wg.Wait()

	if got := log.Counts()[player.EventBufferLoaded]; got != 800 {
		t.Errorf("expected 800 events, got %d", got)
	}
	if n := len(log.Recent(0)); n != 16 {
		t.Errorf("expected 16 kept events, got %d", n)
	}
}
