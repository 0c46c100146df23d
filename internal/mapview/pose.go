package mapview

import (
	"math"
	"time"
)

// QuaternionToYaw extracts the rotation about Z.
func QuaternionToYaw(q Quaternion) float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// YawToQuaternion is the inverse of QuaternionToYaw for planar rotations.
func YawToQuaternion(yaw float64) Quaternion {
	s, c := math.Sincos(yaw / 2)
	return Quaternion{Z: s, W: c}
}

// NormalizeAngle wraps a into (-π, π].
func NormalizeAngle(a float64) float64 {
	r := math.Remainder(a, 2*math.Pi)
	if r <= -math.Pi {
		r += 2 * math.Pi
	}
	return r
}

// AnimatorState is the pose animator lifecycle.
type AnimatorState int

const (
	AnimatorUninitialized AnimatorState = iota
	AnimatorTracking
)

func (s AnimatorState) String() string {
	if s == AnimatorTracking {
		return "tracking"
	}
	return "uninitialized"
}

// SmoothingParams tune the displayed pose chase.
type SmoothingParams struct {
	// Base is the fraction of the residual removed per smoothing step.
	Base float64
	// Period is the wall time that counts as one unit of dt.
	Period time.Duration
	// Steps is how many smoothing steps one Period represents.
	Steps float64
	// Below both snap thresholds the displayed pose jumps onto the target.
	SnapDistance float64
	SnapYaw      float64
}

// DefaultSmoothing returns the tuned defaults.
func DefaultSmoothing() SmoothingParams {
	return SmoothingParams{
		Base:         0.03,
		Period:       750 * time.Millisecond,
		Steps:        20,
		SnapDistance: 0.0003,
		SnapYaw:      0.001,
	}
}

// PoseAnimator chases the latest pose sample with frame-rate independent
// exponential smoothing.
type PoseAnimator struct {
	params    SmoothingParams
	state     AnimatorState
	displayed Pose
	target    Pose
	hasSample bool
	armed     bool
}

// NewPoseAnimator returns an uninitialized animator.
func NewPoseAnimator(params SmoothingParams) *PoseAnimator {
	if params.Steps <= 0 {
		params.Steps = 20
	}
	if params.Period <= 0 {
		params.Period = 750 * time.Millisecond
	}
	return &PoseAnimator{params: params}
}

// State returns the lifecycle state.
func (a *PoseAnimator) State() AnimatorState { return a.state }

// Displayed returns the pose to draw.
func (a *PoseAnimator) Displayed() Pose { return a.displayed }

// Target returns the latest received pose.
func (a *PoseAnimator) Target() Pose { return a.target }

// HasSample reports whether any pose has been received.
func (a *PoseAnimator) HasSample() bool { return a.hasSample }

// Observe records a new target. The first sample, and the first after
// Rearm, snaps the displayed pose; Observe reports whether that happened.
func (a *PoseAnimator) Observe(p Pose) bool {
	p.Yaw = NormalizeAngle(p.Yaw)
	a.target = p
	a.hasSample = true
	if a.state == AnimatorUninitialized || a.armed {
		a.displayed = p
		a.state = AnimatorTracking
		a.armed = false
		return true
	}
	return false
}

// Rearm makes the next sample snap. If a sample is already held it snaps
// immediately and Rearm reports true.
func (a *PoseAnimator) Rearm() bool {
	if a.hasSample {
		a.displayed = a.target
		a.state = AnimatorTracking
		a.armed = false
		return true
	}
	a.armed = true
	return false
}

// Step advances the displayed pose by dt. It reports whether the displayed
// pose changed.
func (a *PoseAnimator) Step(dt time.Duration) bool {
	if a.state != AnimatorTracking || dt <= 0 {
		return false
	}

	dx := a.target.X - a.displayed.X
	dy := a.target.Y - a.displayed.Y
	dyaw := NormalizeAngle(a.target.Yaw - a.displayed.Yaw)
	dist := math.Hypot(dx, dy)

	if dist < a.params.SnapDistance && math.Abs(dyaw) < a.params.SnapYaw {
		if a.displayed == a.target {
			return false
		}
		a.displayed = a.target
		return true
	}

	units := float64(dt) / float64(a.params.Period)
	factor := 1 - math.Pow(1-a.params.Base, units*a.params.Steps)
	easing := math.Min(1, math.Sqrt(3*dist))
	yawEasing := math.Min(1, 1.5*math.Abs(dyaw))

	a.displayed.X += dx * factor * easing
	a.displayed.Y += dy * factor * easing
	a.displayed.Yaw = NormalizeAngle(a.displayed.Yaw + dyaw*factor*yawEasing)
	return true
}
