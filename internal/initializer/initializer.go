// Package initializer implements the InertialInitializer collaborator of
// spec.md §4.9/§6: a stationary-then-jerk detector that estimates the
// initial gravity-aligned orientation, bias, and zero velocity from a
// buffered IMU window before the filter starts propagating.
package initializer

import (
	"fmt"

	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/types"
)

// Result is the estimated initial state handed to State.New's IMU block.
type Result struct {
	Timestamp float64
	Q         types.Quat
	Bg, Ba    types.Vec3
	V         types.Vec3
}

// Initializer is the collaborator interface: feed IMU samples until it
// reports readiness, then extract the initial state.
type Initializer struct {
	gravityMag  float64
	windowSec   float64
	accelThresh float64
	waitForJerk bool
	buffer      []types.ImuData
}

// New builds an Initializer. waitForJerk selects the detection mode: false
// runs the stationary-window detector (rejects on any disturbance within
// the window); true runs the jerk-wait detector used when ZUPT is disabled
// and the platform cannot be assumed to start at rest.
func New(gravityMag, windowSec, accelThresh float64, waitForJerk bool) *Initializer {
	return &Initializer{gravityMag: gravityMag, windowSec: windowSec, accelThresh: accelThresh, waitForJerk: waitForJerk}
}

// FeedIMU buffers a sample, dropping samples older than the detection
// window relative to the newest sample except the newest one at or before
// the window start, so a buffer fed for a full window spans at least it.
func (ii *Initializer) FeedIMU(s types.ImuData) {
	ii.buffer = append(ii.buffer, s)
	cutoff := s.Timestamp - ii.windowSec
	i := 0
	for ; i+1 < len(ii.buffer); i++ {
		if ii.buffer[i+1].Timestamp > cutoff {
			break
		}
	}
	ii.buffer = ii.buffer[i:]
}

// TryInitialize attempts initialization in whichever mode New was
// configured for.
func (ii *Initializer) TryInitialize() (Result, bool, error) {
	if ii.waitForJerk {
		return ii.tryInitializeJerk()
	}
	return ii.tryInitializeStationary()
}

// tryInitializeJerk waits for an abrupt acceleration departure from the
// buffered mean and estimates gravity/bias from the samples strictly
// before it, matching InertialInitializer::initialize's move-start path
// used when ZUPT is disabled: a platform that begins already moving never
// satisfies a stationary window, so detection pivots to "was at rest, then
// jerked" instead of "has been at rest the whole window".
func (ii *Initializer) tryInitializeJerk() (Result, bool, error) {
	if len(ii.buffer) < 3 {
		return Result{}, false, nil
	}
	span := ii.buffer[len(ii.buffer)-1].Timestamp - ii.buffer[0].Timestamp
	if span < ii.windowSec {
		return Result{}, false, nil
	}

	// causal running mean: a sample counts as a jerk only against the mean
	// of everything buffered strictly before it, so detection never peeks
	// at samples from the future.
	var sum types.Vec3
	jerkIdx := -1
	for i, s := range ii.buffer {
		if i >= 2 {
			mean := rotation.Scale(sum, 1/float64(i))
			d := rotation.Sub(s.Am, mean)
			if d[0]*d[0]+d[1]*d[1]+d[2]*d[2] > ii.accelThresh {
				jerkIdx = i
				break
			}
		}
		sum = rotation.Add(sum, s.Am)
	}
	if jerkIdx < 2 {
		// either no jerk has happened yet, or it happened before enough
		// lead-in samples accumulated to estimate gravity/bias: keep
		// buffering rather than failing outright.
		return Result{}, false, nil
	}

	leadIn := ii.buffer[:jerkIdx]
	var leadA, leadW types.Vec3
	ln := float64(len(leadIn))
	for _, s := range leadIn {
		leadA = rotation.Add(leadA, s.Am)
		leadW = rotation.Add(leadW, s.Wm)
	}
	leadA = rotation.Scale(leadA, 1/ln)
	leadW = rotation.Scale(leadW, 1/ln)

	gHat := rotation.Scale(leadA, 1/rotation.Norm(leadA))
	zAxis := types.Vec3{0, 0, 1}
	q := alignVectors(gHat, zAxis)

	return Result{
		Timestamp: ii.buffer[jerkIdx].Timestamp,
		Q:         q,
		Bg:        leadW,
		Ba:        rotation.Sub(leadA, rotation.Scale(gHat, ii.gravityMag)),
		V:         types.Vec3{},
	}, true, nil
}

// tryInitializeStationary requires the full window to be buffered and the
// accelerometer variance to stay below accelThresh (the "disturbance"
// gate of spec.md §4.9).
func (ii *Initializer) tryInitializeStationary() (Result, bool, error) {
	if len(ii.buffer) < 2 {
		return Result{}, false, nil
	}
	span := ii.buffer[len(ii.buffer)-1].Timestamp - ii.buffer[0].Timestamp
	if span < ii.windowSec {
		return Result{}, false, nil
	}

	var meanA, meanW types.Vec3
	n := float64(len(ii.buffer))
	for _, s := range ii.buffer {
		meanA = rotation.Add(meanA, s.Am)
		meanW = rotation.Add(meanW, s.Wm)
	}
	meanA = rotation.Scale(meanA, 1/n)
	meanW = rotation.Scale(meanW, 1/n)

	var varA float64
	for _, s := range ii.buffer {
		d := rotation.Sub(s.Am, meanA)
		varA += d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
	}
	varA /= n
	if varA > ii.accelThresh {
		return Result{}, false, fmt.Errorf("initializer: platform disturbed, accel variance %v exceeds threshold %v", varA, ii.accelThresh)
	}

	// Gravity-aligned orientation: align the measured specific force with
	// -gravity in the global frame (z-up), leaving yaw at identity since
	// it is unobservable and fixed by FixGaugeFreedoms.
	gHat := rotation.Scale(meanA, 1/rotation.Norm(meanA))
	zAxis := types.Vec3{0, 0, 1}
	q := alignVectors(gHat, zAxis)

	return Result{
		Timestamp: ii.buffer[len(ii.buffer)-1].Timestamp,
		Q:         q,
		Bg:        meanW,
		Ba:        rotation.Sub(meanA, rotation.Scale(gHat, ii.gravityMag)),
		V:         types.Vec3{},
	}, true, nil
}

// alignVectors returns the minimal rotation (as a quaternion) taking a onto
// b, via the standard half-angle cross-product construction.
func alignVectors(a, b types.Vec3) types.Quat {
	cross := types.Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	if dot < -0.999999 {
		// a and b are anti-parallel: rotate 180 degrees about any
		// axis orthogonal to a.
		ortho := types.Vec3{1, 0, 0}
		if a[0] > 0.9 {
			ortho = types.Vec3{0, 1, 0}
		}
		axis := types.Vec3{
			a[1]*ortho[2] - a[2]*ortho[1],
			a[2]*ortho[0] - a[0]*ortho[2],
			a[0]*ortho[1] - a[1]*ortho[0],
		}
		axis = rotation.Scale(axis, 1/rotation.Norm(axis))
		return rotation.Normalize(types.Quat{axis[0], axis[1], axis[2], 0})
	}
	w := 1 + dot
	q := types.Quat{cross[0], cross[1], cross[2], w}
	return rotation.Normalize(q)
}
