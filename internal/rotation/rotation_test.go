package rotation

import (
	"math"
	"testing"

	"github.com/openvio/vio-estimator/internal/types"
)

func TestIdentityToRotationIsEye(t *testing.T) {
	R := ToRotation(Identity())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(R[i][j]-want) > 1e-12 {
				t.Fatalf("R[%d][%d] = %v, want %v", i, j, R[i][j], want)
			}
		}
	}
}

func TestMulWithInverseIsIdentity(t *testing.T) {
	q := Normalize(types.Quat{0.1, 0.2, 0.3, 0.9})
	prod := Mul(q, Inv(q))
	id := Identity()
	for i := range prod {
		if math.Abs(prod[i]-id[i]) > 1e-9 {
			t.Fatalf("q * q^-1 = %v, want identity %v", prod, id)
		}
	}
}

func TestSmallAngleQuatApproximatesRotation(t *testing.T) {
	dtheta := types.Vec3{0.001, -0.002, 0.0005}
	q := SmallAngleQuat(dtheta)
	if math.Abs(q[3]-1) > 1e-3 {
		t.Fatalf("expected near-unit scalar part for small angle, got %v", q[3])
	}
	for i := 0; i < 3; i++ {
		if math.Abs(q[i]-dtheta[i]/2) > 1e-5 {
			t.Fatalf("expected vector part ~ dtheta/2, got %v want %v", q[i], dtheta[i]/2)
		}
	}
}

func TestSkewIsAntisymmetric(t *testing.T) {
	v := types.Vec3{1, 2, 3}
	S := Skew(v)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(S[i][j]+S[j][i]) > 1e-12 {
				t.Fatalf("skew(v) not antisymmetric at (%d,%d): %v vs %v", i, j, S[i][j], S[j][i])
			}
		}
	}
}

func TestRotVecToQuatRoundTripNorm(t *testing.T) {
	q := RotVecToQuat(types.Vec3{0.3, -0.1, 0.2})
	n := q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3]
	if math.Abs(n-1) > 1e-9 {
		t.Fatalf("expected unit quaternion, got norm^2 %v", n)
	}
}
