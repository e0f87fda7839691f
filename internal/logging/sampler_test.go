package logging

import "testing"

func TestSamplerBurstThenSuppress(t *testing.T) {
	s := NewSampler(1, 2)

	if !s.Allow() {
		t.Fatal("first call suppressed, want allowed")
	}
	if !s.Allow() {
		t.Fatal("second call within burst suppressed, want allowed")
	}
	if s.Allow() {
		t.Fatal("third immediate call allowed, want suppressed")
	}

	if got := s.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
	if got := s.Dropped(); got != 0 {
		t.Errorf("Dropped() after reset = %d, want 0", got)
	}
}

func TestSamplerCountsEverySuppressedLine(t *testing.T) {
	s := NewSampler(1, 1)
	s.Allow()
	for i := 0; i < 9; i++ {
		s.Allow()
	}
	if got := s.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}
