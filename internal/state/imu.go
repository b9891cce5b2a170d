package state

import (
	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/types"
)

// IMUState is the 16-scalar, 15-DOF-error core state: orientation
// (global -> IMU), global position, global velocity, gyro bias, accel
// bias. Each sub-state carries both its current value and a first-estimate
// (FEJ) value, per spec.md §3.
type IMUState struct {
	Variable

	Q, QFej   types.Quat
	P, PFej   types.Vec3
	V, VFej   types.Vec3
	Bg, BgFej types.Vec3
	Ba, BaFej types.Vec3
}

// NewIMUState constructs an IMU sub-state at the given covariance index.
func NewIMUState(index int) *IMUState {
	q := rotation.Identity()
	return &IMUState{
		Variable: Variable{Index: index, Size: 15},
		Q:        q, QFej: q,
	}
}

// SetValue installs (q, p, v, bg, ba) as both the current value and the
// first-estimate, as done once at successful initialization.
func (s *IMUState) SetValue(q types.Quat, p, v, bg, ba types.Vec3) {
	s.Q, s.QFej = q, q
	s.P, s.PFej = p, p
	s.V, s.VFej = v, v
	s.Bg, s.BgFej = bg, bg
	s.Ba, s.BaFej = ba, ba
}

// ApplyCorrection retracts a 15-vector error-state update onto the
// manifold: on-manifold composition for orientation, additive for the
// remaining linear sub-states.
func (s *IMUState) ApplyCorrection(dx []float64) {
	if len(dx) != 15 {
		panic("imu correction must be length 15")
	}
	dtheta := types.Vec3{dx[0], dx[1], dx[2]}
	s.Q = rotation.Mul(rotation.SmallAngleQuat(dtheta), s.Q)
	s.P = rotation.Add(s.P, types.Vec3{dx[3], dx[4], dx[5]})
	s.V = rotation.Add(s.V, types.Vec3{dx[6], dx[7], dx[8]})
	s.Bg = rotation.Add(s.Bg, types.Vec3{dx[9], dx[10], dx[11]})
	s.Ba = rotation.Add(s.Ba, types.Vec3{dx[12], dx[13], dx[14]})
}

// Rot returns the current rotation matrix R_GtoI.
func (s *IMUState) Rot() types.Mat3 { return rotation.ToRotation(s.Q) }
