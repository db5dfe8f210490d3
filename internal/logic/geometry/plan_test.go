package geometry

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewRotationPlan_EvenSplit(t *testing.T) {
	plan, err := NewRotationPlan(3200, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.BaseSteps != 800 || plan.Remainder != 0 {
		t.Errorf("base/remainder = %d/%d, want 800/0", plan.BaseSteps, plan.Remainder)
	}
	if diff := cmp.Diff([]int{800, 800, 800, 800}, plan.Moves); diff != "" {
		t.Errorf("Moves mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRotationPlan_WithRemainder(t *testing.T) {
	plan, err := NewRotationPlan(3200, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.BaseSteps != 1066 || plan.Remainder != 2 {
		t.Errorf("base/remainder = %d/%d, want 1066/2", plan.BaseSteps, plan.Remainder)
	}
	if diff := cmp.Diff([]int{1067, 1067, 1066}, plan.Moves); diff != "" {
		t.Errorf("Moves mismatch (-want +got):\n%s", diff)
	}
	if plan.Total() != 3200 {
		t.Errorf("Total() = %d, want 3200", plan.Total())
	}
}

func TestNewRotationPlan_AlwaysCompletesRotation(t *testing.T) {
	for _, steps := range []int{200, 3200, 3201, 9600} {
		for pictures := 1; pictures <= 64; pictures++ {
			plan, err := NewRotationPlan(steps, pictures)
			if err != nil {
				t.Fatalf("NewRotationPlan(%d, %d): %v", steps, pictures, err)
			}
			if len(plan.Moves) != pictures {
				t.Fatalf("NewRotationPlan(%d, %d): %d moves", steps, pictures, len(plan.Moves))
			}
			if plan.Total() != steps {
				t.Errorf("NewRotationPlan(%d, %d): moves sum to %d", steps, pictures, plan.Total())
			}
			for i, m := range plan.Moves {
				if m != plan.BaseSteps && m != plan.BaseSteps+1 {
					t.Errorf("NewRotationPlan(%d, %d): move %d = %d, base %d", steps, pictures, i, m, plan.BaseSteps)
				}
			}
		}
	}
}

func TestNewRotationPlan_SinglePicture(t *testing.T) {
	plan, err := NewRotationPlan(3200, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]int{3200}, plan.Moves); diff != "" {
		t.Errorf("Moves mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRotationPlan_Invalid(t *testing.T) {
	cases := []struct {
		name            string
		steps, pictures int
	}{
		{"zero_pictures", 3200, 0},
		{"negative_pictures", 3200, -4},
		{"zero_steps", 0, 4},
		{"more_pictures_than_steps", 10, 11},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRotationPlan(tc.steps, tc.pictures); err == nil {
				t.Errorf("expected error for steps=%d pictures=%d", tc.steps, tc.pictures)
			}
		})
	}
}

func TestRotationPlan_PositionBefore(t *testing.T) {
	plan, err := NewRotationPlan(3200, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{0, 1067, 2134, 3200}
	for i, w := range want {
		if got := plan.PositionBefore(i); got != w {
			t.Errorf("PositionBefore(%d) = %d, want %d", i, got, w)
		}
	}
}
