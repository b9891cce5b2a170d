// Package rotation implements the JPL quaternion and SO(3) conventions used
// throughout the estimator: scalar-last quaternions, q_AB ⊗ q_BC = q_AC
// composition, and the small-angle retraction used for on-manifold EKF
// updates.
package rotation

import (
	"math"

	"github.com/openvio/vio-estimator/internal/types"
)

// Identity returns the identity JPL quaternion (no rotation).
func Identity() types.Quat {
	return types.Quat{0, 0, 0, 1}
}

// Normalize returns q scaled to unit norm. A zero quaternion normalizes to
// identity rather than dividing by zero.
func Normalize(q types.Quat) types.Quat {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n < 1e-12 {
		return Identity()
	}
	return types.Quat{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Skew returns the 3x3 skew-symmetric cross-product matrix of v.
func Skew(v types.Vec3) types.Mat3 {
	return types.Mat3{
		{0, -v[2], v[1]},
		{v[2], 0, -v[0]},
		{-v[1], v[0], 0},
	}
}

// ToRotation converts a JPL quaternion to its rotation matrix R_GtoI such
// that v_I = R_GtoI * v_G.
func ToRotation(q types.Quat) types.Mat3 {
	qx, qy, qz, qw := q[0], q[1], q[2], q[3]
	return types.Mat3{
		{qx*qx - qy*qy - qz*qz + qw*qw, 2 * (qx*qy + qz*qw), 2 * (qx*qz - qy*qw)},
		{2 * (qx*qy - qz*qw), -qx*qx + qy*qy - qz*qz + qw*qw, 2 * (qy*qz + qx*qw)},
		{2 * (qx*qz + qy*qw), 2 * (qy*qz - qx*qw), -qx*qx - qy*qy + qz*qz + qw*qw},
	}
}

// Mul implements JPL quaternion composition q_AB ⊗ q_BC = q_AC.
func Mul(a, b types.Quat) types.Quat {
	ax, ay, az, aw := a[0], a[1], a[2], a[3]
	bx, by, bz, bw := b[0], b[1], b[2], b[3]
	return Normalize(types.Quat{
		aw*bx + ax*bw - ay*bz + az*by,
		aw*by + ax*bz + ay*bw - az*bx,
		aw*bz - ax*by + ay*bx + az*bw,
		aw*bw - ax*bx - ay*by - az*bz,
	})
}

// Inv returns the conjugate/inverse of a unit quaternion.
func Inv(q types.Quat) types.Quat {
	return types.Quat{-q[0], -q[1], -q[2], q[3]}
}

// SmallAngleQuat builds the first-order quaternion for a small rotation
// vector dtheta, used to retract an error-state correction onto the
// orientation manifold: q_new = delta(dtheta) ⊗ q_old.
func SmallAngleQuat(dtheta types.Vec3) types.Quat {
	return Normalize(types.Quat{0.5 * dtheta[0], 0.5 * dtheta[1], 0.5 * dtheta[2], 1})
}

// RotVecToQuat converts an axis-angle rotation vector to an exact JPL
// quaternion, used by the reference propagator's discrete integration.
func RotVecToQuat(w types.Vec3) types.Quat {
	theta := math.Sqrt(w[0]*w[0] + w[1]*w[1] + w[2]*w[2])
	if theta < 1e-8 {
		return SmallAngleQuat(w)
	}
	half := theta / 2
	s := math.Sin(half) / theta
	return types.Quat{w[0] * s, w[1] * s, w[2] * s, math.Cos(half)}
}

// MatVec multiplies a 3x3 matrix by a 3-vector.
func MatVec(m types.Mat3, v types.Vec3) types.Vec3 {
	return types.Vec3{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

// MatMul multiplies two 3x3 matrices.
func MatMul(a, b types.Mat3) types.Mat3 {
	var out types.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += a[i][k] * b[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Transpose returns the transpose of a 3x3 matrix.
func Transpose(m types.Mat3) types.Mat3 {
	var out types.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[j][i] = m[i][j]
		}
	}
	return out
}

// Add adds two 3-vectors.
func Add(a, b types.Vec3) types.Vec3 {
	return types.Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

// Sub subtracts b from a.
func Sub(a, b types.Vec3) types.Vec3 {
	return types.Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

// Scale scales a 3-vector by s.
func Scale(a types.Vec3, s float64) types.Vec3 {
	return types.Vec3{a[0] * s, a[1] * s, a[2] * s}
}

// Norm returns the Euclidean norm of a 3-vector.
func Norm(a types.Vec3) float64 {
	return math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
}
