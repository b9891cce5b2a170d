package state

import "github.com/openvio/vio-estimator/internal/types"

// CameraIntrinsics is a per-camera intrinsics vector state variable
// (fx, fy, cx, cy, distortion...). Frozen intrinsics (Fixed == true) get
// no covariance block.
type CameraIntrinsics struct {
	Variable
	Value, Fej []float64
	Fisheye    bool
}

// CameraExtrinsics is the IMU-to-camera pose calibration state.
type CameraExtrinsics struct {
	Variable
	Value, Fej types.Pose
}

// TimeOffset is the scalar camera-to-IMU time offset calibration state.
type TimeOffset struct {
	Variable
	Value, Fej float64
}

// CalibState bundles the per-camera calibration sub-states.
type CalibState struct {
	Intrinsics map[int]*CameraIntrinsics
	Extrinsics map[int]*CameraExtrinsics
	DtCamImu   *TimeOffset
}

func NewCalibState() *CalibState {
	return &CalibState{
		Intrinsics: make(map[int]*CameraIntrinsics),
		Extrinsics: make(map[int]*CameraExtrinsics),
	}
}
