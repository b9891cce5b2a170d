package propagator

import (
	"math"
	"testing"

	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/types"
)

func TestPropagateAndCloneIntegratesStationaryImuWithNegligibleDrift(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	p := New(9.81, DefaultNoise())

	for i := 0; i <= 100; i++ {
		p.FeedIMU(types.ImuData{Timestamp: float64(i) * 0.01, Am: types.Vec3{0, 0, 9.81}, Wm: types.Vec3{}})
	}

	if err := p.PropagateAndClone(s, 1.0); err != nil {
		t.Fatalf("PropagateAndClone failed: %v", err)
	}
	if math.Hypot(s.IMU.P[0], math.Hypot(s.IMU.P[1], s.IMU.P[2])) > 1e-6 {
		t.Fatalf("expected negligible position drift for a stationary, gravity-only IMU, got %v", s.IMU.P)
	}
	if min := s.Cov.MinEigenvalue(); min < -1e-9 {
		t.Fatalf("expected the propagated covariance to stay PSD, got min eigenvalue %v", min)
	}
	if !s.Clones.Contains(1.0) {
		t.Fatalf("expected a clone inserted at t=1.0")
	}
}

func TestPropagateAndCloneRejectsNonIncreasingTarget(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	s.Timestamp = 1.0
	p := New(9.81, DefaultNoise())
	p.FeedIMU(types.ImuData{Timestamp: 1.0, Am: types.Vec3{0, 0, 9.81}})

	if err := p.PropagateAndClone(s, 1.0); err == nil {
		t.Fatalf("expected an error propagating to a non-increasing target time")
	}
}

func TestPropagateAndCloneRejectsMissingImuCoverage(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	p := New(9.81, DefaultNoise())
	p.FeedIMU(types.ImuData{Timestamp: 5.0, Am: types.Vec3{0, 0, 9.81}})

	if err := p.PropagateAndClone(s, 1.0); err == nil {
		t.Fatalf("expected an error propagating with no IMU samples covering [0, 1.0]")
	}
}
