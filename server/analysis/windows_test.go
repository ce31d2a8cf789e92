package analysis

import (
	"errors"
	"testing"
)

func TestWindowsNeverShorterThanSize(t *testing.T) {
	configs := []WindowConfig{
		{Size: 50, Overlap: 25},
		{Size: 10, Overlap: 9},
		{Size: 7, Overlap: 3},
	}
	for _, cfg := range configs {
		for _, n := range []int{0, 1, cfg.Size - 1, cfg.Size, cfg.Size + 1, 3*cfg.Size + 2} {
			seq, err := Windows(flatSamples(n, 0), cfg)
			if err != nil {
				t.Fatalf("Windows(%d, %+v) error: %v", n, cfg, err)
			}
			count := 0
			for w := range seq {
				if w.Len() != cfg.Size {
					t.Fatalf("window %d has %d samples, want %d", w.Index, w.Len(), cfg.Size)
				}
				if w.Start != w.Index*cfg.Step() {
					t.Fatalf("window %d starts at %d, want %d", w.Index, w.Start, w.Index*cfg.Step())
				}
				count++
			}
			if want := WindowCount(n, cfg); count != want {
				t.Fatalf("n=%d cfg=%+v: got %d windows want %d", n, cfg, count, want)
			}
		}
	}
}

func TestWindowsDefaultCount(t *testing.T) {
	seq, err := Windows(flatSamples(120, 0), DefaultWindowConfig())
	if err != nil {
		t.Fatalf("Windows error: %v", err)
	}
	starts := []int{}
	for w := range seq {
		starts = append(starts, w.Start)
	}
	if len(starts) != 3 || starts[0] != 0 || starts[1] != 25 || starts[2] != 50 {
		t.Fatalf("unexpected window starts %v", starts)
	}
}

func TestWindowsIsRestartable(t *testing.T) {
	seq, err := Windows(flatSamples(100, 0), DefaultWindowConfig())
	if err != nil {
		t.Fatalf("Windows error: %v", err)
	}
	first, second := 0, 0
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	if first != 3 || second != first {
		t.Fatalf("expected 3 windows on both passes, got %d and %d", first, second)
	}
}

func TestWindowsEarlyBreak(t *testing.T) {
	seq, _ := Windows(flatSamples(500, 0), DefaultWindowConfig())
	seen := 0
	for range seq {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected to stop after 2 windows, got %d", seen)
	}
}

func TestWindowConfigRejectsInvalid(t *testing.T) {
	bad := []WindowConfig{
		{Size: 50, Overlap: 50},
		{Size: 50, Overlap: 60},
		{Size: 0, Overlap: 0},
		{Size: -5, Overlap: 1},
		{Size: 10, Overlap: 0},
	}
	for _, cfg := range bad {
		if _, err := Windows(flatSamples(10, 0), cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("config %+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
		if n := WindowCount(100, cfg); n != 0 {
			t.Fatalf("config %+v: expected 0 windows, got %d", cfg, n)
		}
	}
}

func TestWindowTimestampIsMidpoint(t *testing.T) {
	seq, _ := Windows(flatSamples(75, 1000), DefaultWindowConfig())
	var got []int64
	for w := range seq {
		got = append(got, w.Timestamp())
	}
	// Midpoints are samples 25 and 50.
	if len(got) != 2 || got[0] != 1000+25*20 || got[1] != 1000+50*20 {
		t.Fatalf("unexpected midpoint timestamps %v", got)
	}
}
