// Package types holds the wire-level messages that cross the sensor/estimator
// boundary: IMU samples, camera frames, and GNSS fixes.
package types

import "gocv.io/x/gocv"

// Vec3 is a plain 3-vector, used for the small fixed-size quantities that
// flow across package boundaries (accelerations, positions, LLA fixes).
type Vec3 [3]float64

// Quat is a JPL-convention quaternion: scalar part last, composition
// q_AB ⊗ q_BC = q_AC with JPL multiplication order.
type Quat [4]float64

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// ImuData is a single inertial sample.
type ImuData struct {
	Timestamp float64 // seconds
	Wm        Vec3    // measured angular velocity
	Am        Vec3    // measured linear acceleration
}

// CameraData is a (possibly multi-camera) frame with pre-extracted or
// raw imagery. Images/Masks are grayscale gocv.Mat, matching the cv::Mat
// boundary of the system this estimator is modeled on.
type CameraData struct {
	Timestamp float64
	SensorIDs []int
	Images    []gocv.Mat
	Masks     []gocv.Mat
}

// Clone returns a deep copy safe to retain past the caller's frame,
// since gocv.Mat wraps C memory the caller may reuse or release.
func (c CameraData) Clone() CameraData {
	out := CameraData{
		Timestamp: c.Timestamp,
		SensorIDs: append([]int(nil), c.SensorIDs...),
	}
	for _, img := range c.Images {
		if img.Empty() {
			out.Images = append(out.Images, gocv.NewMat())
			continue
		}
		out.Images = append(out.Images, img.Clone())
	}
	for _, m := range c.Masks {
		if m.Empty() {
			out.Masks = append(out.Masks, gocv.NewMat())
			continue
		}
		out.Masks = append(out.Masks, m.Clone())
	}
	return out
}

// Close releases the underlying gocv.Mat resources.
func (c CameraData) Close() {
	for _, img := range c.Images {
		img.Close()
	}
	for _, m := range c.Masks {
		m.Close()
	}
}

// GpsData is a single geodetic position fix.
type GpsData struct {
	Timestamp float64
	Lla       Vec3    // lat, lon (radians, latitude first), height (metres)
	Cov       Mat3    // 3x3 measurement covariance, ENU-ish ordering
}

// Pose is a 6-DOF rigid transform: orientation (JPL, global->body) and
// position of the body origin in the global frame.
type Pose struct {
	Q Quat
	P Vec3
}
