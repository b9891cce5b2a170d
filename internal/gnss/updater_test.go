package gnss

import (
	"math"
	"testing"

	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/types"
)

func TestUpdatePullsPositionTowardFix(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	anchor := types.Vec3{0.7, -1.3, 100}

	cfg := DefaultConfig()
	u := New(cfg)

	// first fix establishes the ENU anchor at the origin; position residual
	// should be ~0 there.
	if err := u.Update(s, anchor, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if math.Hypot(s.IMU.P[0], s.IMU.P[1]) > 1.0 {
		t.Fatalf("expected the filter position to stay near the ENU origin after the first fix, got %v", s.IMU.P)
	}

	north := types.Vec3{anchor[0] + 10.0/6378137.0, anchor[1], anchor[2]}
	if err := u.Update(s, north, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if s.IMU.P[1] <= 0 {
		t.Fatalf("expected the filter position to move north after a fix 10m north, got %v", s.IMU.P)
	}
}

func TestUpdateHonorsCovarianceOverride(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	u := New(DefaultConfig())
	override := types.Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	if err := u.Update(s, types.Vec3{0.1, 0.1, 10}, &override); err != nil {
		t.Fatalf("Update with covariance override failed: %v", err)
	}
}

func TestUpdateAppliesLeverArmSkewJacobian(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	cfg := DefaultConfig()
	cfg.LeverArm = types.Vec3{0.1, 0, 0}
	u := New(cfg)
	if err := u.Update(s, types.Vec3{0.01, 0.01, 50}, nil); err != nil {
		t.Fatalf("Update with nonzero lever arm failed: %v", err)
	}
}

func TestDefaultAltitudeVarianceTreatsAltitudeAsNearUnobserved(t *testing.T) {
	if DefaultConfig().AltitudeVariance < 1.0 {
		t.Fatalf("expected a conservative default altitude variance, got %v", DefaultConfig().AltitudeVariance)
	}
}
