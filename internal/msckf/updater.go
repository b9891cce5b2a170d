// Package msckf implements the MSCKF feature updater of spec.md §4.3:
// triangulation, linearized reprojection Jacobians, left-nullspace
// projection to eliminate the feature's own 3 DOF, chi-square gating, and
// the stacked EKF update.
package msckf

import (
	"fmt"
	"math"

	"github.com/openvio/vio-estimator/internal/camera"
	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/tracker"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Config holds the per-update tunables of spec.md §6.
type Config struct {
	PixelSigma   float64
	ChiSquareMult float64 // multiplier applied to the 95th percentile chi-square threshold
}

func DefaultConfig() Config { return Config{PixelSigma: 1.0, ChiSquareMult: 1.0} }

// Updater performs the per-frame MSCKF update.
type Updater struct {
	cfg     Config
	cameras map[int]camera.Model
	chiTable map[int]float64
}

func New(cfg Config, cameras map[int]camera.Model) *Updater {
	return &Updater{cfg: cfg, cameras: cameras, chiTable: make(map[int]float64)}
}

func (u *Updater) chiSquareThreshold(dof int) float64 {
	if v, ok := u.chiTable[dof]; ok {
		return v
	}
	d := distuv.ChiSquared{K: float64(dof)}
	v := d.Quantile(0.95) * u.cfg.ChiSquareMult
	u.chiTable[dof] = v
	return v
}

// clonePoseFor returns the global pose of camera camID at clone timestamp
// ts: the IMU clone pose composed with that camera's extrinsics.
func clonePoseFor(s *state.State, camID int, ts float64) (types.Pose, bool) {
	cv, ok := s.Clones.Get(ts)
	if !ok {
		return types.Pose{}, false
	}
	ext, ok := s.Calib.Extrinsics[camID]
	if !ok {
		return cv.Pose, true
	}
	// extrinsics store camera-from-IMU; compose to get camera-in-global.
	qc := rotation.Mul(ext.Value.Q, cv.Pose.Q)
	pc := rotation.Add(cv.Pose.P, rotation.MatVec(rotation.Transpose(rotation.ToRotation(cv.Pose.Q)), ext.Value.P))
	return types.Pose{Q: qc, P: pc}, true
}

// Update triangulates and linearizes every candidate feature, projects out
// each feature's own 3 error-state columns via the left nullspace of its
// Jacobian (Hf), chi-square gates the remaining residual, and applies one
// stacked EKF update across every feature that passes, matching
// UpdaterMSCKF::update.
func (u *Updater) Update(s *state.State, feats []*tracker.Feature) ([]int, error) {
	n := s.MaxCovarianceSize()
	var HxRows []*mat.Dense
	var resRows []float64
	var accepted []int

	for _, f := range feats {
		obsForTri, clonesUsed, err := u.collectObservations(s, f)
		if err != nil {
			continue
		}
		if len(obsForTri) < 2 {
			continue
		}
		pFinG, err := Triangulate(obsForTri)
		if err != nil {
			continue
		}

		Hx, Hf, res, err := u.linearize(s, f, pFinG, clonesUsed)
		if err != nil {
			continue
		}

		Hxn, resn, err := nullspaceProject(Hx, Hf, res)
		if err != nil {
			continue
		}

		m, _ := Hxn.Dims()
		R := mat.NewDense(m, m, nil)
		for i := 0; i < m; i++ {
			R.Set(i, i, u.cfg.PixelSigma*u.cfg.PixelSigma)
		}

		chi, err := chiSquareStatistic(s.Cov.Dense(), Hxn, resn, R)
		if err != nil {
			continue
		}
		if chi > u.chiSquareThreshold(m) {
			continue
		}

		for i := 0; i < m; i++ {
			row := make([]float64, n)
			for j := 0; j < n; j++ {
				row[j] = Hxn.At(i, j)
			}
			HxRows = append(HxRows, mat.NewDense(1, n, row))
			resRows = append(resRows, resn.AtVec(i))
		}
		accepted = append(accepted, f.ID)
	}

	if len(HxRows) == 0 {
		return accepted, nil
	}

	total := len(HxRows)
	Hx := mat.NewDense(total, n, nil)
	res := mat.NewVecDense(total, resRows)
	for i, row := range HxRows {
		Hx.SetRow(i, row.RawRowView(0))
	}
	R := mat.NewDense(total, total, nil)
	for i := 0; i < total; i++ {
		R.Set(i, i, u.cfg.PixelSigma*u.cfg.PixelSigma)
	}

	if err := s.EKFUpdate(Hx, res, R); err != nil {
		return nil, fmt.Errorf("msckf: stacked update rejected: %w", err)
	}
	return accepted, nil
}

func (u *Updater) collectObservations(s *state.State, f *tracker.Feature) ([]Observation, []clonePair, error) {
	var obs []Observation
	var pairs []clonePair
	for _, camID := range f.CameraIDs() {
		cam, ok := u.cameras[camID]
		if !ok {
			continue
		}
		m := f.Timestamps[camID]
		for ts, o := range m {
			if _, ok := s.Clones.Get(ts); !ok {
				continue
			}
			pose, ok := clonePoseFor(s, camID, ts)
			if !ok {
				continue
			}
			norm := cam.Undistort([2]float64{o.U, o.V})
			obs = append(obs, Observation{Pose: pose, NormU: norm[0], NormV: norm[1]})
			pairs = append(pairs, clonePair{camID: camID, ts: ts})
		}
	}
	return obs, pairs, nil
}

type clonePair struct {
	camID int
	ts    float64
}

// linearize builds the stacked Jacobian of the normalized-plane residual
// w.r.t. the full state (Hx) and the feature position (Hf), matching
// UpdaterHelper::get_feature_jacobian_full.
func (u *Updater) linearize(s *state.State, f *tracker.Feature, pFinG types.Vec3, pairs []clonePair) (*mat.Dense, *mat.Dense, *mat.VecDense, error) {
	n := s.MaxCovarianceSize()
	m := 2 * len(pairs)
	Hx := mat.NewDense(m, n, nil)
	Hf := mat.NewDense(m, 3, nil)
	res := mat.NewVecDense(m, nil)

	for i, cp := range pairs {
		pose, ok := clonePoseFor(s, cp.camID, cp.ts)
		if !ok {
			return nil, nil, nil, fmt.Errorf("msckf: missing clone pose")
		}
		R := rotation.ToRotation(pose.Q)
		pFinC := rotation.MatVec(R, rotation.Sub(pFinG, pose.P))
		if pFinC[2] < 1e-3 {
			return nil, nil, nil, fmt.Errorf("msckf: feature behind camera")
		}

		predictedU := pFinC[0] / pFinC[2]
		predictedV := pFinC[1] / pFinC[2]

		cv, _ := s.Clones.Get(cp.ts)
		obs := f.Timestamps[cp.camID][cp.ts]
		cam := u.cameras[cp.camID]
		norm := cam.Undistort([2]float64{obs.U, obs.V})

		res.SetVec(2*i, norm[0]-predictedU)
		res.SetVec(2*i+1, norm[1]-predictedV)

		// d(uv_norm)/d(pFinC)
		invZ := 1.0 / pFinC[2]
		dzdp := mat.NewDense(2, 3, []float64{
			invZ, 0, -pFinC[0] * invZ * invZ,
			0, invZ, -pFinC[1] * invZ * invZ,
		})

		// d(pFinC)/d(clone orientation error) = [pFinC]_x ; d/d(clone position) = -R
		skew := rotation.Skew(pFinC)
		dpdtheta := mat.NewDense(3, 3, flatten3(skew))
		Rm := mat.NewDense(3, 3, flatten3(R))
		var dpdpos mat.Dense
		dpdpos.Scale(-1, Rm)

		var Hclone mat.Dense
		Hclone.Mul(dzdp, dpdtheta)
		var HcloneP mat.Dense
		HcloneP.Mul(dzdp, &dpdpos)

		for r := 0; r < 2; r++ {
			for c := 0; c < 3; c++ {
				Hx.Set(2*i+r, cv.Index+c, Hclone.At(r, c))
				Hx.Set(2*i+r, cv.Index+3+c, HcloneP.At(r, c))
			}
		}

		var HfBlock mat.Dense
		HfBlock.Mul(dzdp, Rm)
		for r := 0; r < 2; r++ {
			for c := 0; c < 3; c++ {
				Hf.Set(2*i+r, c, HfBlock.At(r, c))
			}
		}
	}
	return Hx, Hf, res, nil
}

func flatten3(m types.Mat3) []float64 {
	return []float64{m[0][0], m[0][1], m[0][2], m[1][0], m[1][1], m[1][2], m[2][0], m[2][1], m[2][2]}
}

// nullspaceProject eliminates the feature's own 3 columns (Hf) from the
// measurement by projecting onto the left nullspace of Hf via its SVD,
// matching FeatureInitializer's nullspace trick described in spec.md §4.3.
func nullspaceProject(Hx, Hf *mat.Dense, res *mat.VecDense) (*mat.Dense, *mat.VecDense, error) {
	m, _ := Hf.Dims()
	var svd mat.SVD
	if !svd.Factorize(Hf, mat.SVDFull) {
		return nil, nil, fmt.Errorf("msckf: SVD of feature Jacobian failed")
	}
	var U mat.Dense
	svd.UTo(&U)

	// columns [3:m) of U span the left nullspace of Hf (full U is m x m,
	// Hf has rank <= 3).
	cols := m - 3
	if cols <= 0 {
		return nil, nil, fmt.Errorf("msckf: no nullspace to project onto")
	}
	N := U.Slice(0, m, 3, m).(*mat.Dense)

	var Hxn mat.Dense
	Hxn.Mul(N.T(), Hx)
	var resn mat.VecDense
	resn.MulVec(N.T(), res)
	return &Hxn, &resn, nil
}

// chiSquareStatistic computes res^T (H P H^T + R)^-1 res.
func chiSquareStatistic(P *mat.Dense, H *mat.Dense, res *mat.VecDense, R *mat.Dense) (float64, error) {
	var PHt mat.Dense
	PHt.Mul(P, H.T())
	var S mat.Dense
	S.Mul(H, &PHt)
	S.Add(&S, R)

	m, _ := S.Dims()
	var chol mat.Cholesky
	sym := mat.NewSymDense(m, symmetrize(&S, m))
	if !chol.Factorize(sym) {
		return math.Inf(1), fmt.Errorf("msckf: innovation covariance not PD")
	}
	var Sinv mat.Dense
	if err := chol.InverseTo(&Sinv); err != nil {
		return math.Inf(1), err
	}
	var Sinvres mat.VecDense
	Sinvres.MulVec(&Sinv, res)
	return mat.Dot(res, &Sinvres), nil
}

func symmetrize(d *mat.Dense, n int) []float64 {
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = 0.5 * (d.At(i, j) + d.At(j, i))
		}
	}
	return out
}
