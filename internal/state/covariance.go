package state

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Covariance is the dense symmetric PSD matrix backing the whole sliding
// window: IMU, calibration, clones, and SLAM landmarks all address rows and
// columns of this matrix via their own stored Index/Size.
type Covariance struct {
	m *mat.Dense
	n int
}

// NewCovariance creates an empty (0x0) covariance store.
func NewCovariance() *Covariance {
	return &Covariance{m: mat.NewDense(0, 0, nil), n: 0}
}

// Size returns the current order of the covariance matrix
// (max_covariance_size in spec.md §3).
func (c *Covariance) Size() int { return c.n }

// Dense exposes the backing matrix read-only for callers that need to
// assemble stacked Jacobians against the full state.
func (c *Covariance) Dense() *mat.Dense { return c.m }

// Grow appends sz new rows/cols, seeded with initCov as the new
// self-block (sz x sz) and cross (sz x n) with the existing state via
// crossCov (sz x n, may be nil for zero cross-covariance). Returns the
// index of the first new row/col.
func (c *Covariance) Grow(sz int, initCov *mat.Dense, crossCov *mat.Dense) int {
	oldN := c.n
	newN := oldN + sz
	grown := mat.NewDense(newN, newN, nil)
	grown.Slice(0, oldN, 0, oldN).(*mat.Dense).Copy(c.m)
	if crossCov != nil {
		grown.Slice(0, oldN, oldN, newN).(*mat.Dense).Copy(crossCov.T())
		grown.Slice(oldN, newN, 0, oldN).(*mat.Dense).Copy(crossCov)
	}
	if initCov != nil {
		grown.Slice(oldN, newN, oldN, newN).(*mat.Dense).Copy(initCov)
	}
	c.m = grown
	c.n = newN
	return oldN
}

// RemoveRange deletes the [index, index+sz) rows/cols and compacts the
// remaining entries, shifting every later index down by sz. Callers must
// separately update their own Variable.Index bookkeeping (handled
// centrally by State.removeBlock).
func (c *Covariance) RemoveRange(index, sz int) {
	if sz <= 0 {
		return
	}
	newN := c.n - sz
	out := mat.NewDense(newN, newN, nil)
	rowMap := make([]int, 0, newN)
	for i := 0; i < c.n; i++ {
		if i >= index && i < index+sz {
			continue
		}
		rowMap = append(rowMap, i)
	}
	for i, si := range rowMap {
		for j, sj := range rowMap {
			out.Set(i, j, c.m.At(si, sj))
		}
	}
	c.m = out
	c.n = newN
}

// SetFull replaces the backing matrix wholesale, used by the propagator
// after composing the accumulated state-transition and noise matrices.
func (c *Covariance) SetFull(m *mat.Dense) {
	c.m = m
	r, _ := m.Dims()
	c.n = r
}

// Symmetrize forces the matrix back onto the symmetric manifold after
// numerical drift from sequential updates.
func (c *Covariance) Symmetrize() {
	if c.n == 0 {
		return
	}
	var t mat.Dense
	t.Add(c.m, c.m.T())
	t.Scale(0.5, &t)
	c.m = &t
}

// Block extracts the (r0:r0+rsz, c0:c0+csz) sub-block as a fresh matrix.
func (c *Covariance) Block(r0, rsz, c0, csz int) *mat.Dense {
	out := mat.NewDense(rsz, csz, nil)
	out.Copy(c.m.Slice(r0, r0+rsz, c0, c0+csz))
	return out
}

// SetBlock overwrites the (r0:r0+rsz, c0:c0+csz) sub-block.
func (c *Covariance) SetBlock(r0, c0 int, block *mat.Dense) {
	r, cc := block.Dims()
	c.m.Slice(r0, r0+r, c0, c0+cc).(*mat.Dense).Copy(block)
}

// EKFUpdate performs the standard Kalman gain / state-increment /
// Joseph-form covariance update against a stacked Jacobian Hx (already
// projected to eliminate nuisance variables) and measurement noise R,
// matching StateHelper::EKFUpdate of spec.md §6. Returns the error-state
// correction vector to be applied by State.ApplyCorrection, and an error
// if R + H P H^T is not invertible (Cholesky failure per spec.md §7).
func (c *Covariance) EKFUpdate(Hx *mat.Dense, res *mat.VecDense, R *mat.Dense) (*mat.VecDense, error) {
	m, n := Hx.Dims()
	if n != c.n {
		return nil, fmt.Errorf("state: Hx has %d cols, covariance has order %d", n, c.n)
	}

	var PHt mat.Dense
	PHt.Mul(c.m, Hx.T()) // n x m

	var S mat.Dense
	S.Mul(Hx, &PHt) // m x m
	S.Add(&S, R)

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(m, symData(&S, m))); !ok {
		return nil, fmt.Errorf("state: innovation covariance is not PD, update rejected")
	}
	var Sinv mat.Dense
	if err := chol.InverseTo(&Sinv); err != nil {
		return nil, fmt.Errorf("state: innovation inverse failed: %w", err)
	}

	var K mat.Dense
	K.Mul(&PHt, &Sinv) // n x m

	dx := mat.NewVecDense(n, nil)
	dx.MulVec(&K, res)

	var KH mat.Dense
	KH.Mul(&K, Hx) // n x n
	var IminusKH mat.Dense
	I := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		I.Set(i, i, 1)
	}
	IminusKH.Sub(I, &KH)

	var newP mat.Dense
	newP.Mul(&IminusKH, c.m)
	var newP2 mat.Dense
	newP2.Mul(&newP, IminusKH.T())

	var KRK mat.Dense
	var KR mat.Dense
	KR.Mul(&K, R)
	KRK.Mul(&KR, K.T())

	newP2.Add(&newP2, &KRK)
	c.m = &newP2
	c.Symmetrize()

	return dx, nil
}

func symData(d *mat.Dense, n int) []float64 {
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = 0.5 * (d.At(i, j) + d.At(j, i))
		}
	}
	return out
}

// ApplyLinearTransform rebinds the sz-wide block at index through a local
// linear map J (sz x sz): self_new = J*self_old*J^T, cross_new = J*cross_old.
// Used by anchor changes, where a relative landmark's local coordinates are
// re-expressed in a new anchor frame without touching anything else in the
// window (spec.md §4.4 change_anchors).
func (c *Covariance) ApplyLinearTransform(index, sz int, J *mat.Dense) {
	rowBlock := c.Block(index, sz, 0, c.n) // sz x n, includes the old self block

	self := mat.NewDense(sz, sz, nil)
	self.Copy(rowBlock.Slice(0, sz, index, index+sz))
	var tmp, selfNew mat.Dense
	tmp.Mul(J, self)
	selfNew.Mul(&tmp, J.T())

	var newRow mat.Dense
	newRow.Mul(J, rowBlock)
	newRow.Slice(0, sz, index, index+sz).(*mat.Dense).Copy(&selfNew)

	c.SetBlock(index, 0, &newRow)
	var newRowT mat.Dense
	newRowT.CloneFrom(newRow.T())
	c.SetBlock(0, index, &newRowT)
}

// MinEigenvalue returns the smallest eigenvalue of the covariance, used by
// tests to check the PSD invariant (min eigenvalue >= -1e-9).
func (c *Covariance) MinEigenvalue() float64 {
	if c.n == 0 {
		return 0
	}
	var eig mat.EigenSym
	sym := mat.NewSymDense(c.n, symData(c.m, c.n))
	if !eig.Factorize(sym, false) {
		return -1
	}
	vals := eig.Values(nil)
	min := vals[0]
	for _, v := range vals {
		if v < min {
			min = v
		}
	}
	return min
}
