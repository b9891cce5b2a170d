package state

import (
	"sort"

	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
)

// State is the sliding-window estimator state: IMU core state, camera
// calibration, the clone window, and persistent SLAM landmarks, all backed
// by a single dense covariance matrix addressed through each sub-state's
// Variable.Index/Size.
type State struct {
	Timestamp float64
	Options   StateOptions

	IMU    *IMUState
	Calib  *CalibState
	Clones *CloneWindow
	SLAM   map[int]*SLAMLandmark

	Cov *Covariance
}

// New constructs a State with the IMU sub-state and any configured camera
// calibration occupying the head of the covariance matrix, matching the
// fixed layout OpenVINS uses (IMU first, then per-camera intrinsics,
// extrinsics, and the scalar time offset).
func New(opts StateOptions) *State {
	s := &State{
		Options: opts,
		Calib:   NewCalibState(),
		Clones:  NewCloneWindow(),
		SLAM:    make(map[int]*SLAMLandmark),
		Cov:     NewCovariance(),
	}
	s.IMU = NewIMUState(s.Cov.Grow(15, mat.NewDense(15, 15, diag(15, 1e4)), nil))
	return s
}

func diag(n int, v float64) []float64 {
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = v
	}
	return out
}

// AddCamera registers camera i's calibration state variables. Intrinsics
// width is caller-supplied (8 for radtan/equidistant: fx, fy, cx, cy and
// four distortion terms).
func (s *State) AddCamera(i, intrinsicsWidth int, fisheye bool, doCalibIntrinsics, doCalibPose bool) {
	intr := &CameraIntrinsics{
		Value: make([]float64, intrinsicsWidth),
		Fej:   make([]float64, intrinsicsWidth),
		Fisheye: fisheye,
	}
	if doCalibIntrinsics {
		intr.Index = s.Cov.Grow(intrinsicsWidth, mat.NewDense(intrinsicsWidth, intrinsicsWidth, diag(intrinsicsWidth, 1e-4)), nil)
		intr.Size = intrinsicsWidth
	} else {
		intr.Fixed = true
	}
	s.Calib.Intrinsics[i] = intr

	ext := &CameraExtrinsics{Value: types.Pose{Q: rotation.Identity()}, Fej: types.Pose{Q: rotation.Identity()}}
	if doCalibPose {
		ext.Index = s.Cov.Grow(6, mat.NewDense(6, 6, diag(6, 1e-4)), nil)
		ext.Size = 6
	} else {
		ext.Fixed = true
	}
	s.Calib.Extrinsics[i] = ext
}

// AddTimeOffset registers the scalar camera-to-IMU time offset state.
func (s *State) AddTimeOffset(value float64, doCalib bool) {
	t := &TimeOffset{Value: value, Fej: value}
	if doCalib {
		t.Index = s.Cov.Grow(1, mat.NewDense(1, 1, []float64{1e-4}), nil)
		t.Size = 1
	} else {
		t.Fixed = true
	}
	s.Calib.DtCamImu = t
}

// MaxCovarianceSize returns the current order of the covariance matrix.
func (s *State) MaxCovarianceSize() int { return s.Cov.Size() }

// CameraPose returns the global pose (R_GtoC, p_CinG) of camera camID at
// clone timestamp ts, composing the IMU clone pose with that camera's
// extrinsics, matching the VioManager convention every updater linearizes
// against.
func (s *State) CameraPose(camID int, ts float64) (types.Pose, bool) {
	cv, ok := s.Clones.Get(ts)
	if !ok {
		return types.Pose{}, false
	}
	ext, ok := s.Calib.Extrinsics[camID]
	if !ok {
		return cv.Pose, true
	}
	qc := rotation.Mul(ext.Value.Q, cv.Pose.Q)
	pc := rotation.Add(cv.Pose.P, rotation.MatVec(rotation.Transpose(rotation.ToRotation(cv.Pose.Q)), ext.Value.P))
	return types.Pose{Q: qc, P: pc}, true
}

// LandmarkGlobalPosition returns a SLAM landmark's position in the global
// frame regardless of its representation: global-XYZ landmarks return
// Value directly, anchored representations are transformed through their
// anchor camera pose, matching the "convert to global XYZ" step of the
// active-track re-triangulator (spec.md §4.6 step 5).
func (s *State) LandmarkGlobalPosition(l *SLAMLandmark) (types.Vec3, bool) {
	if !l.Representation.IsRelative() {
		return l.Value, true
	}
	anchor, ok := s.CameraPose(l.AnchorCamID, l.AnchorClone)
	if !ok {
		return types.Vec3{}, false
	}
	RAtoG := rotation.Transpose(rotation.ToRotation(anchor.Q))
	return rotation.Add(rotation.MatVec(RAtoG, l.Value), anchor.P), true
}

// MargTimestep returns the clone timestamp scheduled for eviction: the
// oldest clone in the window.
func (s *State) MargTimestep() (float64, bool) { return s.Clones.Oldest() }

// AugmentClone appends a new pose clone at ts, growing the covariance with
// the supplied Jacobian of the clone pose w.r.t. the full state
// (stateJacobian, 6 x N) so that the new clone's cross-covariance with
// everything else is consistent, per the standard MSCKF clone-augmentation
// formula Pnew = J P J^T for the new block and J P for cross terms.
func (s *State) AugmentClone(ts float64, pose types.Pose, stateJacobian *mat.Dense) {
	var cross mat.Dense
	cross.Mul(stateJacobian, s.Cov.m) // 6 x N
	var self mat.Dense
	self.Mul(&cross, stateJacobian.T()) // 6 x 6
	idx := s.Cov.Grow(6, &self, &cross)
	s.Clones.Insert(ts, idx, pose)
}

// RemoveOldestClone evicts the oldest clone from both the window and the
// covariance, compacting indices of everything stored after it.
func (s *State) RemoveOldestClone() (float64, bool) {
	ts, ok := s.Clones.Oldest()
	if !ok {
		return 0, false
	}
	cv, _ := s.Clones.Get(ts)
	s.removeBlock(cv.Index, cv.Size)
	s.Clones.Remove(ts)
	return ts, true
}

// AddSLAMLandmark inserts a newly delayed-initialized SLAM landmark with
// its covariance block (3x3 self, 3xN cross) from the measurement
// linearization, per UpdaterSLAM::delayed_init (spec.md §4.4).
func (s *State) AddSLAMLandmark(l *SLAMLandmark, self *mat.Dense, cross *mat.Dense) {
	l.Size = 3
	l.Index = s.Cov.Grow(3, self, cross)
	s.SLAM[l.FeatID] = l
}

// RemoveSLAMLandmark evicts featid from the state and covariance.
func (s *State) RemoveSLAMLandmark(featid int) {
	l, ok := s.SLAM[featid]
	if !ok {
		return
	}
	s.removeBlock(l.Index, l.Size)
	delete(s.SLAM, featid)
}

// removeBlock deletes [index, index+sz) from the covariance and shifts
// every variable stored after it down by sz.
func (s *State) removeBlock(index, sz int) {
	s.Cov.RemoveRange(index, sz)
	shift := func(i *int) {
		if *i > index {
			*i -= sz
		}
	}
	shift(&s.IMU.Index)
	if s.Calib.DtCamImu != nil && !s.Calib.DtCamImu.Fixed {
		shift(&s.Calib.DtCamImu.Index)
	}
	for _, c := range s.Calib.Intrinsics {
		if !c.Fixed {
			shift(&c.Index)
		}
	}
	for _, c := range s.Calib.Extrinsics {
		if !c.Fixed {
			shift(&c.Index)
		}
	}
	for _, ts := range s.Clones.Timestamps() {
		cv, _ := s.Clones.Get(ts)
		shift(&cv.Index)
	}
	for _, l := range s.SLAM {
		shift(&l.Index)
	}
}

// ApplyCorrection retracts the full error-state vector dx onto every
// sub-state's value, in any order since each addresses disjoint covariance
// ranges.
func (s *State) ApplyCorrection(dx *mat.VecDense) {
	slice := func(idx, sz int) []float64 {
		out := make([]float64, sz)
		for i := 0; i < sz; i++ {
			out[i] = dx.AtVec(idx + i)
		}
		return out
	}
	s.IMU.ApplyCorrection(slice(s.IMU.Index, 15))

	if s.Calib.DtCamImu != nil && !s.Calib.DtCamImu.Fixed {
		s.Calib.DtCamImu.Value += dx.AtVec(s.Calib.DtCamImu.Index)
	}
	for _, c := range s.Calib.Intrinsics {
		if c.Fixed {
			continue
		}
		d := slice(c.Index, c.Size)
		for i := range c.Value {
			c.Value[i] += d[i]
		}
	}
	for _, c := range s.Calib.Extrinsics {
		if c.Fixed {
			continue
		}
		d := slice(c.Index, 6)
		c.Value.Q = rotation.Mul(rotation.SmallAngleQuat(types.Vec3{d[0], d[1], d[2]}), c.Value.Q)
		c.Value.P = rotation.Add(c.Value.P, types.Vec3{d[3], d[4], d[5]})
	}
	for _, ts := range s.Clones.Timestamps() {
		cv, _ := s.Clones.Get(ts)
		d := slice(cv.Index, 6)
		cv.Pose.Q = rotation.Mul(rotation.SmallAngleQuat(types.Vec3{d[0], d[1], d[2]}), cv.Pose.Q)
		cv.Pose.P = rotation.Add(cv.Pose.P, types.Vec3{d[3], d[4], d[5]})
	}
	for _, l := range s.SLAM {
		d := slice(l.Index, 3)
		l.Value = rotation.Add(l.Value, types.Vec3{d[0], d[1], d[2]})
	}
}

// EKFUpdate performs the Kalman gain/update/covariance step and applies the
// resulting correction to the state in one call, matching
// StateHelper::EKFUpdate's combined contract in spec.md §6.
func (s *State) EKFUpdate(Hx *mat.Dense, res *mat.VecDense, R *mat.Dense) error {
	dx, err := s.Cov.EKFUpdate(Hx, res, R)
	if err != nil {
		return err
	}
	s.ApplyCorrection(dx)
	return nil
}

// FixGaugeFreedoms zeroes the covariance rows/columns corresponding to the
// unobservable directions at initialization: 3-D global position, and
// global yaw (approximated, per gravity-aligned convention, as the
// orientation error component about the initial gravity axis). This is the
// 4-DOF gauge fix of spec.md §4.9/GLOSSARY.
func (s *State) FixGaugeFreedoms() {
	n := s.Cov.n
	// position: indices IMU.Index+3 .. +5
	posIdx := []int{s.IMU.Index + 3, s.IMU.Index + 4, s.IMU.Index + 5}
	// yaw: approximate as orientation error about the global Z axis,
	// i.e. the third row/col of the orientation error block.
	yawIdx := s.IMU.Index + 2
	zeroIdx := append([]int{yawIdx}, posIdx...)
	for _, i := range zeroIdx {
		for j := 0; j < n; j++ {
			s.Cov.m.Set(i, j, 0)
			s.Cov.m.Set(j, i, 0)
		}
		s.Cov.m.Set(i, i, 1e-8)
	}
}

// CurrentArucoCount returns how many resident SLAM landmarks are protected
// ArUco tags (featid <= max_aruco_features).
func (s *State) CurrentArucoCount() int {
	n := 0
	for _, l := range s.SLAM {
		if l.IsAruco(s.Options.MaxArucoFeatures) {
			n++
		}
	}
	return n
}

// SortedSLAMFeatIDs returns the resident SLAM landmark ids in ascending
// order, for deterministic iteration.
func (s *State) SortedSLAMFeatIDs() []int {
	ids := make([]int, 0, len(s.SLAM))
	for id := range s.SLAM {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
