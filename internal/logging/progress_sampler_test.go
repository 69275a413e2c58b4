package logging

import "testing"

func TestNewProgressSamplerDefaults(t *testing.T) {
	for _, size := range []float64{0, -1} {
		s := NewProgressSampler(size)
		if s.bucketSize != 5 {
			t.Fatalf("bucketSize = %v, want 5", s.bucketSize)
		}
	}
	if s := NewProgressSampler(10); s.bucketSize != 10 {
		t.Fatalf("bucketSize = %v, want 10", s.bucketSize)
	}
}

func TestProgressSamplerNil(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog(50) {
		t.Fatal("ShouldLog on nil sampler should always return true")
	}
	s.Reset()
}

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(25)
	steps := []struct {
		percent float64
		want    bool
	}{
		{0, true},
		{10, false},
		{25, true},
		{30, false},
		{-1, false},
		{99, true},
		{100, true},
		{120, false},
	}
	for _, step := range steps {
		if got := s.ShouldLog(step.percent); got != step.want {
			t.Fatalf("ShouldLog(%v) = %v, want %v", step.percent, got, step.want)
		}
	}
	s.Reset()
	if !s.ShouldLog(0) {
		t.Fatal("expected emit after reset")
	}
}
