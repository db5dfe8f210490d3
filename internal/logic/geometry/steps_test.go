package geometry

import (
	"math"
	"testing"
)

const epsilon = 1e-9

func TestStepsPerRotation(t *testing.T) {
	if got := StepsPerRotation(200, 16); got != 3200 {
		t.Errorf("StepsPerRotation(200, 16) = %d, want 3200", got)
	}
	if got := StepsPerRotation(400, 1); got != 400 {
		t.Errorf("StepsPerRotation(400, 1) = %d, want 400", got)
	}
}

func TestStepsCalculator_AngleForSteps(t *testing.T) {
	sc := NewStepsCalculator(3200)
	if got := sc.AngleForSteps(800); math.Abs(got-90) > epsilon {
		t.Errorf("AngleForSteps(800) = %v, want 90", got)
	}
	if got := sc.AngleForSteps(1067); math.Abs(got-120.0375) > epsilon {
		t.Errorf("AngleForSteps(1067) = %v, want 120.0375", got)
	}

	zero := NewStepsCalculator(0)
	if got := zero.AngleForSteps(100); got != 0 {
		t.Errorf("AngleForSteps on empty calculator = %v, want 0", got)
	}
}

func TestStepsCalculator_Normalize(t *testing.T) {
	sc := NewStepsCalculator(3200)
	cases := []struct {
		in, want int
	}{
		{0, 0},
		{800, 800},
		{3200, 0},
		{3201, 1},
		{6400, 0},
		{-1, 3199},
		{-3200, 0},
	}
	for _, tc := range cases {
		if got := sc.Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
