// Package slam implements the SLAM landmark updater of spec.md §4.4:
// residual updates against resident landmarks, delayed initialization of
// newly promoted features, and anchor changes when a landmark's anchor
// clone is about to be marginalized.
package slam

import (
	"fmt"

	"github.com/openvio/vio-estimator/internal/camera"
	"github.com/openvio/vio-estimator/internal/msckf"
	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/tracker"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

type Config struct {
	PixelSigma    float64
	ChiSquareMult float64
}

func DefaultConfig() Config { return Config{PixelSigma: 1.0, ChiSquareMult: 1.0} }

type Updater struct {
	cfg      Config
	cameras  map[int]camera.Model
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

func clonePoseFor(s *state.State, camID int, ts float64) (types.Pose, bool) {
	return s.CameraPose(camID, ts)
}

// Update applies one residual update per resident SLAM landmark that has a
// fresh observation at ts, matching UpdaterSLAM::update. Landmarks whose
// residual fails chi-square gating are left untouched this frame rather
// than being marginalized (OpenVINS only drops a SLAM feature on an
// explicit lost-track, handled by the marginalizer).
func (u *Updater) Update(s *state.State, db *tracker.FeatureDatabase, feats []*tracker.Feature, ts float64) ([]int, error) {
	var accepted []int
	for _, f := range feats {
		l, ok := s.SLAM[f.ID]
		if !ok {
			continue
		}
		Hx, res, err := u.linearizeOne(s, l, f, ts)
		if err != nil {
			continue
		}
		m, _ := Hx.Dims()
		R := mat.NewDense(m, m, nil)
		for i := 0; i < m; i++ {
			R.Set(i, i, u.cfg.PixelSigma*u.cfg.PixelSigma)
		}
		var PHt, S, Sinv mat.Dense
		PHt.Mul(s.Cov.Dense(), Hx.T())
		S.Mul(Hx, &PHt)
		S.Add(&S, R)
		if err := Sinv.Inverse(&S); err != nil {
			continue
		}
		var Sres mat.VecDense
		Sres.MulVec(&Sinv, res)
		if mat.Dot(res, &Sres) > u.chiSquareThreshold(m) {
			continue
		}
		if err := s.EKFUpdate(Hx, res, R); err != nil {
			continue
		}
		accepted = append(accepted, f.ID)
	}
	return accepted, nil
}

func (u *Updater) linearizeOne(s *state.State, l *state.SLAMLandmark, f *tracker.Feature, ts float64) (*mat.Dense, *mat.VecDense, error) {
	n := s.MaxCovarianceSize()
	camIDs := f.CameraIDs()
	m := 2 * len(camIDs)
	if m == 0 {
		return nil, nil, fmt.Errorf("slam: no observations at %v", ts)
	}
	Hx := mat.NewDense(m, n, nil)
	res := mat.NewVecDense(m, nil)

	pFinG, ok := s.LandmarkGlobalPosition(l)
	if !ok {
		return nil, nil, fmt.Errorf("slam: anchor clone for feature %d no longer resident", f.ID)
	}

	var anchorCV *state.CloneVariable
	var RAtoG mat.Dense
	if l.Representation.IsRelative() {
		cv, ok := s.Clones.Get(l.AnchorClone)
		if !ok {
			return nil, nil, fmt.Errorf("slam: anchor clone for feature %d no longer resident", f.ID)
		}
		anchorCV = cv
		anchorPose, _ := s.CameraPose(l.AnchorCamID, l.AnchorClone)
		RAtoG = *mat.NewDense(3, 3, flatten3(rotation.Transpose(rotation.ToRotation(anchorPose.Q))))
	}

	row := 0
	for _, camID := range camIDs {
		obs, ok := f.Timestamps[camID][ts]
		if !ok {
			continue
		}
		pose, ok := clonePoseFor(s, camID, ts)
		if !ok {
			continue
		}
		cam := u.cameras[camID]
		if cam == nil {
			continue
		}
		norm := cam.Undistort([2]float64{obs.U, obs.V})

		R := rotation.ToRotation(pose.Q)
		pFinC := rotation.MatVec(R, rotation.Sub(pFinG, pose.P))
		if pFinC[2] < 1e-3 {
			continue
		}
		predictedU := pFinC[0] / pFinC[2]
		predictedV := pFinC[1] / pFinC[2]
		res.SetVec(row, norm[0]-predictedU)
		res.SetVec(row+1, norm[1]-predictedV)

		invZ := 1.0 / pFinC[2]
		dzdp := mat.NewDense(2, 3, []float64{
			invZ, 0, -pFinC[0] * invZ * invZ,
			0, invZ, -pFinC[1] * invZ * invZ,
		})

		skew := rotation.Skew(pFinC)
		dpdtheta := mat.NewDense(3, 3, flatten3(skew))
		Rm := mat.NewDense(3, 3, flatten3(R))
		var dpdpos mat.Dense
		dpdpos.Scale(-1, Rm)

		var Hclone, HcloneP, HlandmarkGlobal mat.Dense
		Hclone.Mul(dzdp, dpdtheta)
		HcloneP.Mul(dzdp, &dpdpos)
		HlandmarkGlobal.Mul(dzdp, Rm)

		cv, _ := s.Clones.Get(ts)
		for r := 0; r < 2; r++ {
			for c := 0; c < 3; c++ {
				Hx.Set(row+r, cv.Index+c, Hclone.At(r, c))
				Hx.Set(row+r, cv.Index+3+c, HcloneP.At(r, c))
			}
		}

		if l.Representation.IsRelative() {
			// chain rule through pFinG = R_AtoG*l.Value + p_AinG: the
			// landmark column carries d(pFinG)/d(l.Value) = R_AtoG, and the
			// anchor clone itself picks up the usual pose-perturbation terms
			// since it also appears on the right-hand side.
			var Hlandmark mat.Dense
			Hlandmark.Mul(&HlandmarkGlobal, &RAtoG)

			skewL := mat.NewDense(3, 3, flatten3(rotation.Skew(l.Value)))
			var RAtoGskewL, HancTheta mat.Dense
			RAtoGskewL.Mul(&RAtoG, skewL)
			RAtoGskewL.Scale(-1, &RAtoGskewL)
			HancTheta.Mul(&HlandmarkGlobal, &RAtoGskewL)

			for r := 0; r < 2; r++ {
				for c := 0; c < 3; c++ {
					Hx.Set(row+r, l.Index+c, Hlandmark.At(r, c))
					Hx.Set(row+r, anchorCV.Index+c, Hx.At(row+r, anchorCV.Index+c)+HancTheta.At(r, c))
					Hx.Set(row+r, anchorCV.Index+3+c, Hx.At(row+r, anchorCV.Index+3+c)+HlandmarkGlobal.At(r, c))
				}
			}
		} else {
			for r := 0; r < 2; r++ {
				for c := 0; c < 3; c++ {
					Hx.Set(row+r, l.Index+c, HlandmarkGlobal.At(r, c))
				}
			}
		}
		row += 2
	}
	return Hx, res, nil
}

func flatten3(m types.Mat3) []float64 {
	return []float64{m[0][0], m[0][1], m[0][2], m[1][0], m[1][1], m[1][2], m[2][0], m[2][1], m[2][2]}
}

// DelayedInit triangulates a newly promoted feature and inserts it as a
// resident anchored-XYZ SLAM landmark (coordinates relative to its newest
// observing camera clone) with covariance consistent with the
// current linearization, matching UpdaterSLAM::delayed_init.
func DelayedInit(s *state.State, cameras map[int]camera.Model, f *tracker.Feature) error {
	var obs []msckf.Observation
	var pairs []struct {
		camID int
		ts    float64
	}
	for _, camID := range f.CameraIDs() {
		cam, ok := cameras[camID]
		if !ok {
			continue
		}
		for ts, o := range f.Timestamps[camID] {
			if _, ok := s.Clones.Get(ts); !ok {
				continue
			}
			pose, ok := clonePoseFor(s, camID, ts)
			if !ok {
				continue
			}
			norm := cam.Undistort([2]float64{o.U, o.V})
			obs = append(obs, msckf.Observation{Pose: pose, NormU: norm[0], NormV: norm[1]})
			pairs = append(pairs, struct {
				camID int
				ts    float64
			}{camID, ts})
		}
	}
	if len(obs) < 2 {
		return fmt.Errorf("slam: insufficient observations for delayed init of feature %d", f.ID)
	}
	pFinG, err := msckf.Triangulate(obs)
	if err != nil {
		return fmt.Errorf("slam: delayed init triangulation failed: %w", err)
	}

	n := s.MaxCovarianceSize()
	m := 2 * len(pairs)
	Hx := mat.NewDense(m, n, nil)
	Hf := mat.NewDense(m, 3, nil)
	res := mat.NewVecDense(m, nil)

	for i, p := range pairs {
		pose, _ := clonePoseFor(s, p.camID, p.ts)
		R := rotation.ToRotation(pose.Q)
		pFinC := rotation.MatVec(R, rotation.Sub(pFinG, pose.P))
		if pFinC[2] < 1e-3 {
			return fmt.Errorf("slam: feature %d behind camera during delayed init", f.ID)
		}
		o := f.Timestamps[p.camID][p.ts]
		norm := cameras[p.camID].Undistort([2]float64{o.U, o.V})
		res.SetVec(2*i, norm[0]-pFinC[0]/pFinC[2])
		res.SetVec(2*i+1, norm[1]-pFinC[1]/pFinC[2])

		invZ := 1.0 / pFinC[2]
		dzdp := mat.NewDense(2, 3, []float64{
			invZ, 0, -pFinC[0] * invZ * invZ,
			0, invZ, -pFinC[1] * invZ * invZ,
		})
		skew := rotation.Skew(pFinC)
		dpdtheta := mat.NewDense(3, 3, flatten3(skew))
		Rm := mat.NewDense(3, 3, flatten3(R))
		var dpdpos mat.Dense
		dpdpos.Scale(-1, Rm)
		var Hclone, HcloneP, Hlandmark mat.Dense
		Hclone.Mul(dzdp, dpdtheta)
		HcloneP.Mul(dzdp, &dpdpos)
		Hlandmark.Mul(dzdp, Rm)

		cv, _ := s.Clones.Get(p.ts)
		for r := 0; r < 2; r++ {
			for c := 0; c < 3; c++ {
				Hx.Set(2*i+r, cv.Index+c, Hclone.At(r, c))
				Hx.Set(2*i+r, cv.Index+3+c, HcloneP.At(r, c))
				Hf.Set(2*i+r, c, Hlandmark.At(r, c))
			}
		}
	}

	// landmark covariance via the standard inverse-Jacobian propagation:
	// solve Hf * P_ll * Hf^T ~ Hx P Hx^T + R for P_ll, then cross terms
	// P_lx = Hf^-1 (residual covariance contributions), approximated here
	// with the Moore-Penrose pseudo-inverse of Hf since it is 2m x 3.
	var HfT mat.Dense
	HfT.CloneFrom(Hf.T())
	var HfTHf mat.Dense
	HfTHf.Mul(&HfT, Hf)
	var HfTHfInv mat.Dense
	if err := HfTHfInv.Inverse(&HfTHf); err != nil {
		return fmt.Errorf("slam: feature %d Hf not full rank: %w", f.ID, err)
	}
	var HfPinv mat.Dense
	HfPinv.Mul(&HfTHfInv, &HfT) // 3 x 2m, pseudo-inverse

	R := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		R.Set(i, i, 1.0)
	}
	var PHxT mat.Dense
	PHxT.Mul(s.Cov.Dense(), Hx.T())
	var HxPHxT mat.Dense
	HxPHxT.Mul(Hx, &PHxT)
	HxPHxT.Add(&HxPHxT, R)

	var selfCov mat.Dense
	var tmp mat.Dense
	tmp.Mul(&HfPinv, &HxPHxT)
	selfCov.Mul(&tmp, HfPinv.T())

	var crossCov mat.Dense
	var tmp2 mat.Dense
	tmp2.Mul(&HfPinv, Hx)
	crossCov.Mul(&tmp2, s.Cov.Dense())

	// anchor the new landmark to the newest observing clone/camera pair so
	// it starts life as a relative representation, matching
	// UpdaterSLAM::delayed_init's default anchor_rep. The anchor pose's own
	// uncertainty is not folded into this rebind, the same simplification
	// ChangeAnchors documents.
	anchorCamID, anchorTs := pairs[0].camID, pairs[0].ts
	for _, p := range pairs {
		if p.ts > anchorTs {
			anchorCamID, anchorTs = p.camID, p.ts
		}
	}
	anchorPose, _ := clonePoseFor(s, anchorCamID, anchorTs)
	RGtoA := rotation.ToRotation(anchorPose.Q)
	localValue := rotation.MatVec(RGtoA, rotation.Sub(pFinG, anchorPose.P))

	J := mat.NewDense(3, 3, flatten3(RGtoA))
	var selfLocal, tmp3 mat.Dense
	tmp3.Mul(J, &selfCov)
	selfLocal.Mul(&tmp3, J.T())
	var crossLocal mat.Dense
	crossLocal.Mul(J, &crossCov)

	l := &state.SLAMLandmark{
		FeatID:         f.ID,
		Value:          localValue,
		Representation: state.AnchoredXYZ,
		AnchorCamID:    anchorCamID,
		AnchorClone:    anchorTs,
		UniqueCameraID: anchorCamID,
	}
	s.AddSLAMLandmark(l, &selfLocal, &crossLocal)
	return nil
}

// ChangeAnchors re-anchors every relative-representation SLAM landmark whose
// anchor clone is the clone about to be marginalized, rebinding it to the
// next-oldest surviving clone before the caller evicts the old one, matching
// UpdaterSLAM::change_anchors (spec.md §4.4). Like DelayedInit, the anchor
// clone's own pose uncertainty is not folded into the rebind Jacobian: only
// the local-coordinate rotation is propagated through the covariance, which
// is exact for the mean and a standard first-order approximation for the
// covariance of an anchor change.
func ChangeAnchors(s *state.State, cameras map[int]camera.Model) error {
	oldTs, ok := s.Clones.Oldest()
	if !ok {
		return nil
	}
	tss := s.Clones.Timestamps()
	if len(tss) < 2 {
		return nil
	}
	newTs := tss[1]

	for _, id := range s.SortedSLAMFeatIDs() {
		l := s.SLAM[id]
		if !l.Representation.IsRelative() || l.AnchorClone != oldTs {
			continue
		}
		oldAnchorPose, ok := s.CameraPose(l.AnchorCamID, l.AnchorClone)
		if !ok {
			return fmt.Errorf("slam: change_anchors: old anchor clone missing for feature %d", l.FeatID)
		}
		newAnchorPose, ok := s.CameraPose(l.AnchorCamID, newTs)
		if !ok {
			return fmt.Errorf("slam: change_anchors: new anchor clone missing for feature %d", l.FeatID)
		}

		RGtoOld := rotation.ToRotation(oldAnchorPose.Q)
		RGtoNew := rotation.ToRotation(newAnchorPose.Q)
		RAtoGOld := rotation.Transpose(RGtoOld)

		pFinG := rotation.Add(rotation.MatVec(RAtoGOld, l.Value), oldAnchorPose.P)
		newValue := rotation.MatVec(RGtoNew, rotation.Sub(pFinG, newAnchorPose.P))

		J := mat.NewDense(3, 3, flatten3(rotation.MatMul(RGtoNew, RAtoGOld)))
		s.Cov.ApplyLinearTransform(l.Index, 3, J)

		l.Value = newValue
		l.AnchorClone = newTs
	}
	return nil
}
