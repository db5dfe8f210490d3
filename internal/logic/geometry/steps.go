package geometry

// StepsPerRotation converts a motor's full-step count and the driver's
// microstep setting into microsteps for one full turntable rotation.
func StepsPerRotation(stepsPerRev, microstepping int) int {
	return stepsPerRev * microstepping
}

// StepsCalculator converts motor step counts to turntable positions and angles.
type StepsCalculator struct {
	stepsPerRotation int
	stepsPerDegree   float64
}

// NewStepsCalculator creates a step calculator for a rotation of the given size.
func NewStepsCalculator(stepsPerRotation int) *StepsCalculator {
	return &StepsCalculator{
		stepsPerRotation: stepsPerRotation,
		stepsPerDegree:   float64(stepsPerRotation) / 360.0,
	}
}

// AngleForSteps converts a step count back to degrees.
func (s *StepsCalculator) AngleForSteps(steps int) float64 {
	if s.stepsPerDegree == 0 {
		return 0
	}
	return float64(steps) / s.stepsPerDegree
}

// Normalize folds an absolute step position into [0, stepsPerRotation).
func (s *StepsCalculator) Normalize(position int) int {
	if s.stepsPerRotation <= 0 {
		return position
	}
	p := position % s.stepsPerRotation
	if p < 0 {
		p += s.stepsPerRotation
	}
	return p
}
