// Package evaluate implements trajectory alignment and error metrics for
// comparing an estimated pose trajectory against a reference (ground truth
// or RTK), generalizing the centroid/SVD Procrustes alignment the original
// multi-IMU fusion core used to register 2-D point clouds against a
// reference geometry.
package evaluate

import (
	"fmt"
	"math"

	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
)

// Alignment is the least-squares similarity transform mapping points from
// the estimate's frame into the reference's frame: p_ref ≈ Scale*R*p_est + T.
type Alignment struct {
	R     types.Mat3
	T     types.Vec3
	Scale float64
}

// Apply transforms a point from the estimate frame into the reference frame.
func (a Alignment) Apply(p types.Vec3) types.Vec3 {
	return rotation.Add(rotation.Scale(rotation.MatVec(a.R, p), a.Scale), a.T)
}

// Umeyama computes the least-squares similarity transform aligning est onto
// ref, following Procrustes' centroid/SVD/reflection-correction structure:
// center both point sets, form the cross-covariance H, and recover a
// proper rotation from its SVD, flipping the last singular vector if SVD
// yields a reflection. estimateScale fixes the scale to 1 when false, the
// convention evo-style trajectory evaluation tools call SE(3) alignment as
// opposed to Sim(3).
func Umeyama(est, ref []types.Vec3, estimateScale bool) (Alignment, error) {
	if len(est) != len(ref) {
		return Alignment{}, fmt.Errorf("evaluate: mismatched trajectory lengths, %d vs %d", len(est), len(ref))
	}
	if len(est) < 3 {
		return Alignment{}, fmt.Errorf("evaluate: need at least 3 matched poses to align, got %d", len(est))
	}

	centroidEst := centroid(est)
	centroidRef := centroid(ref)
	centeredEst := center(est, centroidEst)
	centeredRef := center(ref, centroidRef)

	H := crossCovariance(centeredEst, centeredRef)

	var svd mat.SVD
	if ok := svd.Factorize(H, mat.SVDThin); !ok {
		return Alignment{}, fmt.Errorf("evaluate: SVD factorization of cross-covariance failed")
	}
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)
	s := svd.Values(nil)

	var R mat.Dense
	R.Mul(&V, U.T())
	if mat.Det(&R) < 0 {
		d := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
		var Vcorrected mat.Dense
		Vcorrected.Mul(&V, d)
		R.Mul(&Vcorrected, U.T())
		s[len(s)-1] = -s[len(s)-1]
	}

	scale := 1.0
	if estimateScale {
		var varEst float64
		for _, p := range centeredEst {
			varEst += p[0]*p[0] + p[1]*p[1] + p[2]*p[2]
		}
		var sumS float64
		for _, v := range s {
			sumS += v
		}
		if varEst > 1e-12 {
			scale = sumS / varEst
		}
	}

	var Rm types.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			Rm[i][j] = R.At(i, j)
		}
	}
	t := rotation.Sub(centroidRef, rotation.Scale(rotation.MatVec(Rm, centroidEst), scale))
	return Alignment{R: Rm, T: t, Scale: scale}, nil
}

func centroid(points []types.Vec3) types.Vec3 {
	var sum types.Vec3
	for _, p := range points {
		sum = rotation.Add(sum, p)
	}
	return rotation.Scale(sum, 1/float64(len(points)))
}

func center(points []types.Vec3, c types.Vec3) []types.Vec3 {
	out := make([]types.Vec3, len(points))
	for i, p := range points {
		out[i] = rotation.Sub(p, c)
	}
	return out
}

// crossCovariance computes H = sum_i est_i * ref_i^T, a 3x3 matrix, matching
// the X*Y^T construction of the original 2-D Procrustes alignment.
func crossCovariance(est, ref []types.Vec3) *mat.Dense {
	n := len(est)
	estData := make([]float64, 3*n)
	refData := make([]float64, 3*n)
	for i := 0; i < n; i++ {
		for d := 0; d < 3; d++ {
			estData[d*n+i] = est[i][d]
			refData[d*n+i] = ref[i][d]
		}
	}
	X := mat.NewDense(3, n, estData)
	Y := mat.NewDense(3, n, refData)
	var H mat.Dense
	H.Mul(X, Y.T())
	return &H
}

// AbsoluteTrajectoryError reports the RMSE of ||ref_i - align(est_i)|| over
// the matched trajectory, the standard ATE metric for VIO evaluation.
func AbsoluteTrajectoryError(est, ref []types.Vec3, a Alignment) (float64, error) {
	if len(est) != len(ref) {
		return 0, fmt.Errorf("evaluate: mismatched trajectory lengths, %d vs %d", len(est), len(ref))
	}
	if len(est) == 0 {
		return 0, fmt.Errorf("evaluate: empty trajectory")
	}
	var sumSq float64
	for i := range est {
		err := rotation.Sub(ref[i], a.Apply(est[i]))
		sumSq += err[0]*err[0] + err[1]*err[1] + err[2]*err[2]
	}
	return math.Sqrt(sumSq / float64(len(est))), nil
}
