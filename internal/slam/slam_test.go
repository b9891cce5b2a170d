package slam

import (
	"testing"

	"github.com/openvio/vio-estimator/internal/camera"
	"github.com/openvio/vio-estimator/internal/rotation"
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

func pixelObservation(cam camera.Model, pose types.Pose, pFinG types.Vec3) tracker.Observation {
	R := rotation.ToRotation(pose.Q)
	pFinC := rotation.MatVec(R, rotation.Sub(pFinG, pose.P))
	norm := [2]float64{pFinC[0] / pFinC[2], pFinC[1] / pFinC[2]}
	pix := cam.Distort(norm)
	return tracker.Observation{U: pix[0], V: pix[1]}
}

func TestDelayedInitPromotesFeatureToResidentLandmark(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5, MaxSLAMFeatures: 10})
	s.AddCamera(0, 8, false, false, false)

	poses := []types.Pose{
		{Q: rotation.Identity(), P: types.Vec3{0, 0, 0}},
		{Q: rotation.Identity(), P: types.Vec3{0.5, 0, 0}},
		{Q: rotation.Identity(), P: types.Vec3{0, 0.3, 0}},
	}
	for i, p := range poses {
		s.AugmentClone(float64(i+1), p, cloneJacobian(s.MaxCovarianceSize()))
	}

	cam := camera.NewRadtan([]float64{500, 500, 320, 240, 0, 0, 0, 0})
	cams := map[int]camera.Model{0: cam}

	pFinG := types.Vec3{1.0, 0.5, 5.0}
	f := tracker.NewFeature(7)
	for i, p := range poses {
		f.AddObservation(0, float64(i+1), pixelObservation(cam, p, pFinG))
	}

	if err := DelayedInit(s, cams, f); err != nil {
		t.Fatalf("DelayedInit failed: %v", err)
	}
	l, ok := s.SLAM[7]
	if !ok {
		t.Fatalf("expected feature 7 to become a resident SLAM landmark")
	}
	got, ok := s.LandmarkGlobalPosition(l)
	if !ok {
		t.Fatalf("expected feature 7's anchor clone to be resident")
	}
	for i := 0; i < 3; i++ {
		if d := got[i] - pFinG[i]; d > 1e-3 || d < -1e-3 {
			t.Fatalf("landmark position = %v, want close to %v", got, pFinG)
		}
	}
}

func TestUpdateAppliesResidualForResidentLandmark(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5, MaxSLAMFeatures: 10})
	s.AddCamera(0, 8, false, false, false)

	pose := types.Pose{Q: rotation.Identity(), P: types.Vec3{0, 0, 0}}
	s.AugmentClone(1.0, pose, cloneJacobian(s.MaxCovarianceSize()))

	pFinG := types.Vec3{1.0, 0.5, 5.0}
	self := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	cross := mat.NewDense(3, s.MaxCovarianceSize(), nil)
	s.AddSLAMLandmark(&state.SLAMLandmark{FeatID: 9, Value: pFinG, Representation: state.GlobalXYZ}, self, cross)

	cam := camera.NewRadtan([]float64{500, 500, 320, 240, 0, 0, 0, 0})
	cams := map[int]camera.Model{0: cam}

	db := tracker.NewFeatureDatabase()
	f := db.GetOrCreate(9)
	f.AddObservation(0, 1.0, pixelObservation(cam, pose, pFinG))

	u := New(DefaultConfig(), cams)
	accepted, err := u.Update(s, db, []*tracker.Feature{f}, 1.0)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(accepted) != 1 || accepted[0] != 9 {
		t.Fatalf("expected feature 9 accepted, got %v", accepted)
	}
}

func TestUpdateSkipsFeatureNotResident(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5})
	s.AddCamera(0, 8, false, false, false)
	s.AugmentClone(1.0, types.Pose{Q: rotation.Identity()}, cloneJacobian(s.MaxCovarianceSize()))

	cam := camera.NewRadtan([]float64{500, 500, 320, 240, 0, 0, 0, 0})
	cams := map[int]camera.Model{0: cam}

	db := tracker.NewFeatureDatabase()
	f := db.GetOrCreate(3)
	f.AddObservation(0, 1.0, tracker.Observation{U: 320, V: 240})

	u := New(DefaultConfig(), cams)
	accepted, err := u.Update(s, db, []*tracker.Feature{f}, 1.0)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("expected no update for a non-resident feature, got %v", accepted)
	}
}
