package state

import (
	"math"
	"testing"

	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
)

func TestNewStateCovarianceSymmetricPSD(t *testing.T) {
	s := New(StateOptions{MaxCloneSize: 5})
	if s.MaxCovarianceSize() != 15 {
		t.Fatalf("expected 15, got %d", s.MaxCovarianceSize())
	}
	if min := s.Cov.MinEigenvalue(); min < -1e-9 {
		t.Fatalf("covariance not PSD: min eig %v", min)
	}
}

func TestCloneInsertionAndEviction(t *testing.T) {
	s := New(StateOptions{MaxCloneSize: 3})
	J := mat.NewDense(6, 15, nil)
	J.Set(0, 0, 1)
	J.Set(1, 1, 1)
	J.Set(2, 2, 1)
	J.Set(3, 3, 1)
	J.Set(4, 4, 1)
	J.Set(5, 5, 1)

	for i, ts := range []float64{1.0, 2.0, 3.0} {
		_ = i
		s.AugmentClone(ts, types.Pose{}, J)
	}
	if s.Clones.Len() != 3 {
		t.Fatalf("expected 3 clones, got %d", s.Clones.Len())
	}
	if got := s.MaxCovarianceSize(); got != 15+3*6 {
		t.Fatalf("expected covariance size %d, got %d", 15+3*6, got)
	}

	oldest, ok := s.MargTimestep()
	if !ok || oldest != 1.0 {
		t.Fatalf("expected marg timestep 1.0, got %v", oldest)
	}

	evicted, ok := s.RemoveOldestClone()
	if !ok || evicted != 1.0 {
		t.Fatalf("expected eviction of 1.0, got %v", evicted)
	}
	if s.Clones.Len() != 2 {
		t.Fatalf("expected 2 clones after eviction, got %d", s.Clones.Len())
	}
	if got := s.MaxCovarianceSize(); got != 15+2*6 {
		t.Fatalf("expected covariance size %d after eviction, got %d", 15+2*6, got)
	}
	if min := s.Cov.MinEigenvalue(); min < -1e-9 {
		t.Fatalf("covariance not PSD after eviction: min eig %v", min)
	}

	for _, ts := range s.Clones.Timestamps() {
		if ts <= 0 {
			t.Fatalf("unexpected clone timestamp %v", ts)
		}
	}
	ts := s.Clones.Timestamps()
	for i := 1; i < len(ts); i++ {
		if ts[i] <= ts[i-1] {
			t.Fatalf("clone timestamps not strictly increasing: %v", ts)
		}
	}
}

func TestEKFUpdateSymmetrizes(t *testing.T) {
	s := New(StateOptions{})
	n := s.MaxCovarianceSize()
	H := mat.NewDense(3, n, nil)
	H.Set(0, 3, 1)
	H.Set(1, 4, 1)
	H.Set(2, 5, 1)
	res := mat.NewVecDense(3, []float64{0.1, 0, 0})
	R := mat.NewDense(3, 3, nil)
	R.Set(0, 0, 1e-4)
	R.Set(1, 1, 1e-4)
	R.Set(2, 2, 1e-4)

	if err := s.EKFUpdate(H, res, R); err != nil {
		t.Fatalf("EKFUpdate failed: %v", err)
	}
	if s.IMU.P[0] <= 0 {
		t.Fatalf("expected position to move toward positive residual, got %v", s.IMU.P)
	}
	var diff mat.Dense
	diff.Sub(s.Cov.Dense(), s.Cov.Dense().T())
	if nrm := mat.Norm(&diff, 2); nrm > 1e-9 {
		t.Fatalf("covariance not symmetric after update: norm %v", nrm)
	}
	if min := s.Cov.MinEigenvalue(); min < -1e-9 {
		t.Fatalf("covariance not PSD after update: min eig %v", min)
	}
}

func TestFixGaugeFreedoms(t *testing.T) {
	s := New(StateOptions{})
	s.FixGaugeFreedoms()
	posIdx := s.IMU.Index + 3
	if v := s.Cov.Dense().At(posIdx, posIdx); v > 1e-6 {
		t.Fatalf("expected position variance near zero, got %v", v)
	}
	yawIdx := s.IMU.Index + 2
	if v := s.Cov.Dense().At(yawIdx, yawIdx); v > 1e-6 {
		t.Fatalf("expected yaw variance near zero, got %v", v)
	}
}

func TestSLAMLandmarkLifecycle(t *testing.T) {
	s := New(StateOptions{MaxSLAMFeatures: 5})
	self := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	cross := mat.NewDense(3, s.MaxCovarianceSize(), nil)
	l := &SLAMLandmark{FeatID: 7, Value: types.Vec3{1, 2, 3}, Representation: GlobalXYZ}
	s.AddSLAMLandmark(l, self, cross)
	if len(s.SLAM) != 1 {
		t.Fatalf("expected 1 landmark, got %d", len(s.SLAM))
	}
	if math.Abs(s.SLAM[7].Value[0]-1) > 1e-12 {
		t.Fatalf("unexpected landmark value %v", s.SLAM[7].Value)
	}
	s.RemoveSLAMLandmark(7)
	if len(s.SLAM) != 0 {
		t.Fatalf("expected landmark removed")
	}
	if s.MaxCovarianceSize() != 15 {
		t.Fatalf("expected covariance to shrink back to 15, got %d", s.MaxCovarianceSize())
	}
}
