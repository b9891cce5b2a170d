// Package zupt implements the zero-velocity update gate of spec.md §4.5: a
// chi-square test on a synthetic 3-DOF zero-velocity measurement,
// applied only while the platform is detected as stationary.
package zupt

import (
	"fmt"

	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Config holds the stationary-detector and measurement-noise tunables.
type Config struct {
	AccelVarianceThresh float64
	GyroVarianceThresh  float64
	VelocitySigma       float64
	ChiSquareMult       float64
	MinSamples          int
}

func DefaultConfig() Config {
	return Config{AccelVarianceThresh: 0.01, GyroVarianceThresh: 0.001, VelocitySigma: 0.05, ChiSquareMult: 1.0, MinSamples: 5}
}

// Gate buffers recent IMU samples to detect a stationary window and, when
// triggered, applies a 3-DOF zero-velocity pseudo-measurement.
type Gate struct {
	cfg    Config
	buffer []types.ImuData
}

func New(cfg Config) *Gate { return &Gate{cfg: cfg} }

func (g *Gate) FeedIMU(s types.ImuData) {
	g.buffer = append(g.buffer, s)
	if len(g.buffer) > 200 {
		g.buffer = g.buffer[len(g.buffer)-200:]
	}
}

// IsStationary reports whether the buffered accel/gyro variance is below
// both thresholds, matching the jerk-free detector of spec.md §4.5.
func (g *Gate) IsStationary() bool {
	if len(g.buffer) < g.cfg.MinSamples {
		return false
	}
	var meanA, meanW types.Vec3
	n := float64(len(g.buffer))
	for _, s := range g.buffer {
		meanA = rotation.Add(meanA, s.Am)
		meanW = rotation.Add(meanW, s.Wm)
	}
	meanA = rotation.Scale(meanA, 1/n)
	meanW = rotation.Scale(meanW, 1/n)
	var varA, varW float64
	for _, s := range g.buffer {
		da := rotation.Sub(s.Am, meanA)
		dw := rotation.Sub(s.Wm, meanW)
		varA += da[0]*da[0] + da[1]*da[1] + da[2]*da[2]
		varW += dw[0]*dw[0] + dw[1]*dw[1] + dw[2]*dw[2]
	}
	varA /= n
	varW /= n
	return varA < g.cfg.AccelVarianceThresh && varW < g.cfg.GyroVarianceThresh
}

// TryUpdate applies the zero-velocity pseudo-measurement (residual =
// 0 - v_IMU) if the platform is stationary and the innovation passes
// chi-square gating, matching UpdaterZeroVelocity::try_update.
func (g *Gate) TryUpdate(s *state.State) (bool, error) {
	if !g.IsStationary() {
		return false, nil
	}
	n := s.MaxCovarianceSize()
	H := mat.NewDense(3, n, nil)
	for i := 0; i < 3; i++ {
		H.Set(i, s.IMU.Index+6+i, 1)
	}
	res := mat.NewVecDense(3, []float64{-s.IMU.V[0], -s.IMU.V[1], -s.IMU.V[2]})
	R := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		R.Set(i, i, g.cfg.VelocitySigma*g.cfg.VelocitySigma)
	}

	var PHt mat.Dense
	PHt.Mul(s.Cov.Dense(), H.T())
	var S mat.Dense
	S.Mul(H, &PHt)
	S.Add(&S, R)
	var chol mat.Cholesky
	sym := mat.NewSymDense(3, symData(&S))
	if !chol.Factorize(sym) {
		return false, fmt.Errorf("zupt: innovation covariance not PD")
	}
	var Sinv mat.Dense
	if err := chol.InverseTo(&Sinv); err != nil {
		return false, err
	}
	var Sinvres mat.VecDense
	Sinvres.MulVec(&Sinv, res)
	chi := mat.Dot(res, &Sinvres)

	d := distuv.ChiSquared{K: 3}
	thresh := d.Quantile(0.95) * g.cfg.ChiSquareMult
	if chi > thresh {
		return false, nil
	}

	if err := s.EKFUpdate(H, res, R); err != nil {
		return false, fmt.Errorf("zupt: update rejected: %w", err)
	}
	return true, nil
}

func symData(d *mat.Dense) []float64 {
	out := make([]float64, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = 0.5 * (d.At(i, j) + d.At(j, i))
		}
	}
	return out
}
