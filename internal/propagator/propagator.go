// Package propagator implements the Propagator collaborator of spec.md
// §4.1/§6: IMU integration to a target time plus clone augmentation. It is
// a reference implementation of an out-of-scope external collaborator —
// correctness of the discrete integration scheme is not the focus of this
// module, only that it honors the Propagator interface contract.
package propagator

import (
	"fmt"
	"sort"

	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
)

// Propagator is the collaborator interface of spec.md §6:
// Propagator::feed_imu(sample), propagate_and_clone(state, t).
type Propagator interface {
	FeedIMU(types.ImuData)
	PropagateAndClone(s *state.State, t float64) error
}

// Noise holds the continuous-time IMU noise spectral densities.
type Noise struct {
	GyroWhite, AccelWhite     float64
	GyroRandomWalk, AccelRandomWalk float64
}

// DefaultNoise returns typical MEMS-grade noise parameters.
func DefaultNoise() Noise {
	return Noise{GyroWhite: 1.6968e-4, AccelWhite: 2.0e-3, GyroRandomWalk: 1.9393e-5, AccelRandomWalk: 3.0e-3}
}

// DeadReckoning is the reference Propagator: discrete first-order IMU
// integration with an analytic error-state transition matrix, matching the
// on-manifold EKF convention of spec.md (JPL orientation error).
type DeadReckoning struct {
	buffer     []types.ImuData
	gravityMag float64
	noise      Noise
}

func New(gravityMag float64, noise Noise) *DeadReckoning {
	return &DeadReckoning{gravityMag: gravityMag, noise: noise}
}

func (p *DeadReckoning) FeedIMU(s types.ImuData) {
	p.buffer = append(p.buffer, s)
	if len(p.buffer) > 4096 {
		p.buffer = p.buffer[len(p.buffer)-4096:]
	}
}

func (p *DeadReckoning) samplesBetween(t0, t1 float64) []types.ImuData {
	i := sort.Search(len(p.buffer), func(i int) bool { return p.buffer[i].Timestamp >= t0 })
	var out []types.ImuData
	for ; i < len(p.buffer) && p.buffer[i].Timestamp <= t1; i++ {
		out = append(out, p.buffer[i])
	}
	return out
}

// PropagateAndClone integrates the IMU state from its current timestamp to
// t, updates the covariance via the accumulated state-transition and
// discrete noise matrices, and appends a new pose clone at t.
func (p *DeadReckoning) PropagateAndClone(s *state.State, t float64) error {
	if t <= s.Timestamp {
		return fmt.Errorf("propagator: target time %v not after state time %v", t, s.Timestamp)
	}
	samples := p.samplesBetween(s.Timestamp, t)
	if len(samples) == 0 {
		return fmt.Errorf("propagator: no IMU samples covering [%v, %v]", s.Timestamp, t)
	}

	n := s.MaxCovarianceSize()
	PhiTotal := identity(n)
	QdTotal := mat.NewDense(n, n, nil)

	cur := s.Timestamp
	g := types.Vec3{0, 0, -p.gravityMag}

	integrate := func(wm, am types.Vec3, dt float64) {
		if dt <= 0 {
			return
		}
		wCorr := rotation.Sub(wm, s.IMU.Bg)
		aCorr := rotation.Sub(am, s.IMU.Ba)
		R := s.IMU.Rot()

		accelGlobal := rotation.Add(rotation.MatVec(rotation.Transpose(R), aCorr), g)

		// nominal state integration
		dq := rotation.RotVecToQuat(rotation.Scale(wCorr, dt))
		s.IMU.Q = rotation.Mul(dq, s.IMU.Q)
		newP := rotation.Add(s.IMU.P, rotation.Add(rotation.Scale(s.IMU.V, dt), rotation.Scale(accelGlobal, 0.5*dt*dt)))
		newV := rotation.Add(s.IMU.V, rotation.Scale(accelGlobal, dt))
		s.IMU.P = newP
		s.IMU.V = newV

		// analytic error-state transition (continuous F, discretized to
		// first order: Phi_step = I + F dt).
		Fi := mat.NewDense(15, 15, nil)
		skewW := rotation.Skew(wCorr)
		skewA := rotation.Skew(aCorr)
		setBlock3(Fi, 0, 0, negate(skewW))
		setBlock3Identity(Fi, 0, 9, -1)
		setBlock3Identity(Fi, 3, 6, 1)
		RT := rotation.Transpose(R)
		setBlock3(Fi, 6, 0, negate(matMul3(RT, skewA)))
		setBlock3(Fi, 6, 12, negate(RT))

		Phi := identity(15)
		Phi.Add(Phi, scaled(Fi, dt))

		// noise mapping G (15x12): gyro white, accel white, gyro RW, accel RW
		G := mat.NewDense(15, 12, nil)
		setBlock3Identity(G, 0, 0, -1)
		setBlock3(G, 6, 3, negate(RT))
		setBlock3Identity(G, 9, 6, 1)
		setBlock3Identity(G, 12, 9, 1)

		Qc := mat.NewDense(12, 12, nil)
		for i := 0; i < 3; i++ {
			Qc.Set(i, i, p.noise.GyroWhite)
			Qc.Set(3+i, 3+i, p.noise.AccelWhite)
			Qc.Set(6+i, 6+i, p.noise.GyroRandomWalk)
			Qc.Set(9+i, 9+i, p.noise.AccelRandomWalk)
		}

		var GQc, GQcGt mat.Dense
		GQc.Mul(G, Qc)
		GQcGt.Mul(&GQc, G.T())
		GQcGt.Scale(dt, &GQcGt)

		// embed the 15x15 Phi/Qd step into the full-size matrices at the
		// IMU's block, identity elsewhere.
		PhiStepFull := identity(n)
		embed(PhiStepFull, s.IMU.Index, Phi)
		QdStepFull := mat.NewDense(n, n, nil)
		embedAdd(QdStepFull, s.IMU.Index, &GQcGt)

		var newPhiTotal mat.Dense
		newPhiTotal.Mul(PhiStepFull, PhiTotal)
		PhiTotal = &newPhiTotal

		var propagatedQd mat.Dense
		propagatedQd.Mul(PhiStepFull, QdTotal)
		var propagatedQd2 mat.Dense
		propagatedQd2.Mul(&propagatedQd, PhiStepFull.T())
		propagatedQd2.Add(&propagatedQd2, QdStepFull)
		QdTotal = &propagatedQd2
	}

	for i, smp := range samples {
		dt := smp.Timestamp - cur
		integrate(smp.Wm, smp.Am, dt)
		cur = smp.Timestamp
		_ = i
	}
	if t > cur {
		last := samples[len(samples)-1]
		integrate(last.Wm, last.Am, t-cur)
	}
	s.Timestamp = t

	var newCov mat.Dense
	newCov.Mul(PhiTotal, s.Cov.Dense())
	var newCov2 mat.Dense
	newCov2.Mul(&newCov, PhiTotal.T())
	newCov2.Add(&newCov2, QdTotal)
	s.Cov.SetFull(&newCov2)
	s.Cov.Symmetrize()

	// clone the freshly propagated IMU pose: J picks out orientation (0:3)
	// and position (3:6) rows at the IMU's current index.
	J := mat.NewDense(6, n, nil)
	for i := 0; i < 6; i++ {
		J.Set(i, s.IMU.Index+i, 1)
	}
	s.AugmentClone(t, types.Pose{Q: s.IMU.Q, P: s.IMU.P}, J)

	return nil
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func scaled(m *mat.Dense, s float64) *mat.Dense {
	var out mat.Dense
	out.Scale(s, m)
	return &out
}

func negate(m types.Mat3) types.Mat3 {
	var out types.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = -m[i][j]
		}
	}
	return out
}

func matMul3(a, b types.Mat3) types.Mat3 { return rotation.MatMul(a, b) }

func setBlock3(dst *mat.Dense, r, c int, m types.Mat3) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst.Set(r+i, c+j, m[i][j])
		}
	}
}

func setBlock3Identity(dst *mat.Dense, r, c int, scale float64) {
	for i := 0; i < 3; i++ {
		dst.Set(r+i, c+i, scale)
	}
}

func embed(dst *mat.Dense, idx int, block *mat.Dense) {
	r, _ := block.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			dst.Set(idx+i, idx+j, block.At(i, j))
		}
	}
}

func embedAdd(dst *mat.Dense, idx int, block *mat.Dense) {
	r, _ := block.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			dst.Set(idx+i, idx+j, block.At(i, j))
		}
	}
}
