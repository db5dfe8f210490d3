package geometry

import "fmt"

// RotationPlan distributes one full turntable rotation over a number of
// pictures. Move i follows picture i; the last move brings the table back
// to where it started.
type RotationPlan struct {
	StepsPerRotation int
	Pictures         int
	BaseSteps        int   // stepsPerRotation / pictures
	Remainder        int   // stepsPerRotation % pictures
	Moves            []int // len == Pictures, sum == StepsPerRotation
}

// NewRotationPlan computes the per-picture moves. The first Remainder
// moves get one extra step; the final move is whatever completes the
// rotation exactly.
func NewRotationPlan(stepsPerRotation, pictures int) (*RotationPlan, error) {
	if stepsPerRotation <= 0 {
		return nil, fmt.Errorf("steps per rotation must be > 0, got %d", stepsPerRotation)
	}
	if pictures <= 0 {
		return nil, fmt.Errorf("picture count must be > 0, got %d", pictures)
	}
	if pictures > stepsPerRotation {
		return nil, fmt.Errorf("picture count %d exceeds steps per rotation %d", pictures, stepsPerRotation)
	}

	plan := &RotationPlan{
		StepsPerRotation: stepsPerRotation,
		Pictures:         pictures,
		BaseSteps:        stepsPerRotation / pictures,
		Remainder:        stepsPerRotation % pictures,
		Moves:            make([]int, pictures),
	}

	done := 0
	for i := 0; i < pictures-1; i++ {
		move := plan.BaseSteps
		if i < plan.Remainder {
			move++
		}
		plan.Moves[i] = move
		done += move
	}
	plan.Moves[pictures-1] = stepsPerRotation - done

	return plan, nil
}

// PositionBefore returns the table position, in steps from the start,
// at which picture i is taken.
func (p *RotationPlan) PositionBefore(i int) int {
	pos := 0
	for j := 0; j < i && j < len(p.Moves); j++ {
		pos += p.Moves[j]
	}
	return pos
}

// Total returns the sum of all moves.
func (p *RotationPlan) Total() int {
	return p.PositionBefore(len(p.Moves))
}
