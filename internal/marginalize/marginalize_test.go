package marginalize

import (
	"testing"

	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/tracker"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
)

func cloneJacobian(n int) *mat.Dense {
	J := mat.NewDense(6, n, nil)
	for i := 0; i < 6; i++ {
		J.Set(i, i, 1)
	}
	return J
}

func TestMarginalizeSLAMDropsFlaggedLandmarks(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	self := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	cross := mat.NewDense(3, s.MaxCovarianceSize(), nil)
	s.AddSLAMLandmark(&state.SLAMLandmark{FeatID: 5, Representation: state.GlobalXYZ}, self, cross)
	s.AddSLAMLandmark(&state.SLAMLandmark{FeatID: 6, Representation: state.GlobalXYZ}, self, cross)
	s.SLAM[5].ShouldMarg = true

	db := tracker.NewFeatureDatabase()
	db.GetOrCreate(5).AddObservation(0, 1.0, tracker.Observation{})
	db.GetOrCreate(6).AddObservation(0, 1.0, tracker.Observation{})

	m := New()
	dropped := m.MarginalizeSLAM(s, db)
	if len(dropped) != 1 || dropped[0] != 5 {
		t.Fatalf("expected only feature 5 dropped, got %v", dropped)
	}
	if _, ok := s.SLAM[5]; ok {
		t.Fatalf("expected landmark 5 removed from state")
	}
	if _, ok := s.SLAM[6]; !ok {
		t.Fatalf("expected landmark 6 to remain resident")
	}
	if f := db.GetFeature(5); f == nil || !f.ToDelete {
		t.Fatalf("expected tracker feature 5 marked ToDelete")
	}
}

func TestMarginalizeOldestCloneEvictsWindowFront(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	s.AugmentClone(1.0, types.Pose{}, cloneJacobian(s.MaxCovarianceSize()))
	s.AugmentClone(2.0, types.Pose{}, cloneJacobian(s.MaxCovarianceSize()))

	m := New()
	ts, ok := m.MarginalizeOldestClone(s)
	if !ok || ts != 1.0 {
		t.Fatalf("expected the oldest clone (1.0) marginalized, got ts=%v ok=%v", ts, ok)
	}
	if s.Clones.Contains(1.0) {
		t.Fatalf("expected clone 1.0 removed from the window")
	}
	if !s.Clones.Contains(2.0) {
		t.Fatalf("expected clone 2.0 to remain")
	}
}

func TestCleanupTrackerPurgesOldMeasurementsAndDeletedFeatures(t *testing.T) {
	db := tracker.NewFeatureDatabase()
	f := db.GetOrCreate(1)
	f.AddObservation(0, 1.0, tracker.Observation{})
	f.AddObservation(0, 2.0, tracker.Observation{})
	f.ToDelete = true

	m := New()
	m.CleanupTracker(db, 1.0)

	if db.GetFeature(1) != nil {
		t.Fatalf("expected feature 1 purged after being marked ToDelete")
	}
}
