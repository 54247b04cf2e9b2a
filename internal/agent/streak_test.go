package agent

import "testing"

func TestStreakResetsOnSuccess(t *testing.T) {
	s := NewStreak(3)
	s.Fail()
	s.Fail()
	if s.Exceeded() {
		t.Fatal("exceeded after 2 of 3")
	}
	s.Succeed()
	if s.Count() != 0 {
		t.Fatalf("count after reset = %d", s.Count())
	}
	s.Fail()
	s.Fail()
	s.Fail()
	if !s.Exceeded() {
		t.Fatal("not exceeded after 3 of 3")
	}
}

func TestStreakNeverNegative(t *testing.T) {
	s := NewStreak(3)
	s.Succeed()
	s.Succeed()
	if s.Count() != 0 {
		t.Fatalf("count = %d", s.Count())
	}
}

func TestStreakClampsLimit(t *testing.T) {
	s := NewStreak(0)
	s.Fail()
	if !s.Exceeded() {
		t.Fatal("limit below one not clamped")
	}
}
