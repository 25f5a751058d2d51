package backoff

import (
	"testing"
	"time"
)

func TestSchedule_NominalDelayGrowth(t *testing.T) {
	s := NewSchedule(Config{Base: DefaultConfig.Base, Multiplier: DefaultConfig.Multiplier, Cap: DefaultConfig.Cap, Jitter: 0})
	if got := s.NominalDelay(0); got != DefaultConfig.Base {
		t.Fatalf("retry 0: got %v, want %v", got, DefaultConfig.Base)
	}
	want := time.Duration(float64(DefaultConfig.Base) * DefaultConfig.Multiplier)
	if got := s.NominalDelay(1); got != want {
		t.Fatalf("retry 1: got %v, want %v", got, want)
	}
}

func TestSchedule_NominalDelayClampsToCap(t *testing.T) {
	s := NewSchedule(DefaultConfig)
	got := s.NominalDelay(10)
	if got != DefaultConfig.Cap {
		t.Fatalf("expected nominal delay to clamp at cap, got %v", got)
	}
}

func TestSchedule_DelayForWithinJitterWindow(t *testing.T) {
	s := NewSchedule(DefaultConfig)
	for retry := 0; retry < 5; retry++ {
		nominal := s.NominalDelay(retry)
		lo := float64(nominal) * 0.8
		hi := float64(nominal) * 1.2
		for i := 0; i < 20; i++ {
			d := s.DelayFor(retry)
			if float64(d) < lo*0.99 || float64(d) > hi*1.01 {
				t.Fatalf("retry %d: delay %v outside jitter window [%v, %v]", retry, d, lo, hi)
			}
		}
	}
}

func TestSchedule_DelayForNeverExceedsCap(t *testing.T) {
	s := NewSchedule(DefaultConfig)
	for i := 0; i < 10; i++ {
		if d := s.DelayFor(50); d > DefaultConfig.Cap {
			t.Fatalf("delay %v exceeds cap %v", d, DefaultConfig.Cap)
		}
	}
}

func TestSchedule_NegativeRetryCountTreatedAsZero(t *testing.T) {
	s := NewSchedule(DefaultConfig)
	if s.NominalDelay(-1) != s.NominalDelay(0) {
		t.Fatal("expected negative retry count to behave like 0")
	}
}
