package msckf

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

func TestUpdateAcceptsAWellConditionedFeature(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5, MaxMsckfInUpdate: 10})
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
	f := tracker.NewFeature(1)
	for i, p := range poses {
		f.AddObservation(0, float64(i+1), pixelObservation(cam, p, pFinG))
	}

	u := New(DefaultConfig(), cams)
	accepted, err := u.Update(s, []*tracker.Feature{f})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(accepted) != 1 || accepted[0] != 1 {
		t.Fatalf("expected feature 1 accepted, got %v", accepted)
	}
}

func TestUpdateSkipsFeatureWithTooFewObservations(t *testing.T) {
	s := state.New(state.StateOptions{MaxCloneSize: 5, MaxMsckfInUpdate: 10})
	s.AddCamera(0, 8, false, false, false)
	s.AugmentClone(1.0, types.Pose{Q: rotation.Identity()}, cloneJacobian(s.MaxCovarianceSize()))

	cam := camera.NewRadtan([]float64{500, 500, 320, 240, 0, 0, 0, 0})
	cams := map[int]camera.Model{0: cam}

	f := tracker.NewFeature(2)
	f.AddObservation(0, 1.0, tracker.Observation{U: 320, V: 240})

	u := New(DefaultConfig(), cams)
	accepted, err := u.Update(s, []*tracker.Feature{f})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("expected no features accepted with a single observation, got %v", accepted)
	}
}
