// Package camera implements the CameraModel collaborator of spec.md §6:
// pixel <-> normalized-plane distortion for the pinhole-radtan and
// pinhole-equidistant (fisheye) projection models.
package camera

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Model distorts/undistorts between normalized and raw pixel coordinates,
// and reports the Jacobian of the distortion w.r.t. the normalized point
// (needed by the MSCKF/SLAM updaters' measurement Jacobians).
type Model interface {
	// Distort maps a normalized-plane point (x, y) to raw pixel (u, v).
	Distort(xy [2]float64) [2]float64
	// DistortJacobian returns d(uv)/d(xy), 2x2.
	DistortJacobian(xy [2]float64) *mat.Dense
	// Undistort maps a raw pixel back to the normalized plane via
	// fixed-point iteration (Newton's method on the distortion residual).
	Undistort(uv [2]float64) [2]float64
	// Intrinsics returns the calibration vector (fx, fy, cx, cy, dist...).
	Intrinsics() []float64
	SetIntrinsics([]float64)
}

// Radtan is the pinhole model with radial-tangential distortion
// (OpenCV's k1,k2,p1,p2 plus fx,fy,cx,cy), matching CamRadtan::distort_d.
type Radtan struct {
	intr []float64 // fx fy cx cy k1 k2 p1 p2
}

func NewRadtan(intr []float64) *Radtan {
	out := make([]float64, 8)
	copy(out, intr)
	return &Radtan{intr: out}
}

func (c *Radtan) Intrinsics() []float64    { return c.intr }
func (c *Radtan) SetIntrinsics(v []float64) { copy(c.intr, v) }

func (c *Radtan) Distort(xy [2]float64) [2]float64 {
	fx, fy, cx, cy := c.intr[0], c.intr[1], c.intr[2], c.intr[3]
	k1, k2, p1, p2 := c.intr[4], c.intr[5], c.intr[6], c.intr[7]
	x, y := xy[0], xy[1]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return [2]float64{fx*xd + cx, fy*yd + cy}
}

func (c *Radtan) DistortJacobian(xy [2]float64) *mat.Dense {
	fx, fy := c.intr[0], c.intr[1]
	k1, k2, p1, p2 := c.intr[4], c.intr[5], c.intr[6], c.intr[7]
	x, y := xy[0], xy[1]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2
	dradial_dx := 2*x*(k1+2*k2*r2)
	dradial_dy := 2*y*(k1+2*k2*r2)

	dxd_dx := radial + x*dradial_dx + 2*p1*y + p2*(2*x+4*x)
	dxd_dy := x*dradial_dy + 2*p1*x + p2*2*y
	dyd_dx := y*dradial_dx + p1*2*x + 2*p2*y
	dyd_dy := radial + y*dradial_dy + p1*(2*y+4*y) + 2*p2*x

	J := mat.NewDense(2, 2, nil)
	J.Set(0, 0, fx*dxd_dx)
	J.Set(0, 1, fx*dxd_dy)
	J.Set(1, 0, fy*dyd_dx)
	J.Set(1, 1, fy*dyd_dy)
	return J
}

func (c *Radtan) Undistort(uv [2]float64) [2]float64 {
	fx, fy, cx, cy := c.intr[0], c.intr[1], c.intr[2], c.intr[3]
	x := [2]float64{(uv[0] - cx) / fx, (uv[1] - cy) / fy}
	for i := 0; i < 10; i++ {
		d := c.Distort(x)
		res := [2]float64{(d[0] - uv[0]) / fx, (d[1] - uv[1]) / fy}
		J := c.DistortJacobian(x)
		Jinv := invert2(J)
		dx := mat.NewVecDense(2, nil)
		dx.MulVec(Jinv, mat.NewVecDense(2, res[:]))
		x[0] -= dx.AtVec(0)
		x[1] -= dx.AtVec(1)
	}
	return x
}

// Equidistant is the Kannala-Brandt fisheye model, matching
// CamEqui::distort_d.
type Equidistant struct {
	intr []float64 // fx fy cx cy k1 k2 k3 k4
}

func NewEquidistant(intr []float64) *Equidistant {
	out := make([]float64, 8)
	copy(out, intr)
	return &Equidistant{intr: out}
}

func (c *Equidistant) Intrinsics() []float64     { return c.intr }
func (c *Equidistant) SetIntrinsics(v []float64) { copy(c.intr, v) }

func (c *Equidistant) Distort(xy [2]float64) [2]float64 {
	fx, fy, cx, cy := c.intr[0], c.intr[1], c.intr[2], c.intr[3]
	k1, k2, k3, k4 := c.intr[4], c.intr[5], c.intr[6], c.intr[7]
	x, y := xy[0], xy[1]
	r := math.Sqrt(x*x + y*y)
	theta := math.Atan(r)
	t2 := theta * theta
	t4 := t2 * t2
	t6 := t4 * t2
	t8 := t4 * t4
	thetad := theta * (1 + k1*t2 + k2*t4 + k3*t6 + k4*t8)
	var xd, yd float64
	if r > 1e-8 {
		xd = (thetad / r) * x
		yd = (thetad / r) * y
	}
	return [2]float64{fx*xd + cx, fy*yd + cy}
}

func (c *Equidistant) DistortJacobian(xy [2]float64) *mat.Dense {
	// Numerical Jacobian: the Kannala-Brandt analytic form is piecewise at
	// r=0 and a forward-difference estimate is accurate and simpler here.
	const h = 1e-6
	J := mat.NewDense(2, 2, nil)
	base := c.Distort(xy)
	dx := c.Distort([2]float64{xy[0] + h, xy[1]})
	dy := c.Distort([2]float64{xy[0], xy[1] + h})
	J.Set(0, 0, (dx[0]-base[0])/h)
	J.Set(1, 0, (dx[1]-base[1])/h)
	J.Set(0, 1, (dy[0]-base[0])/h)
	J.Set(1, 1, (dy[1]-base[1])/h)
	return J
}

func (c *Equidistant) Undistort(uv [2]float64) [2]float64 {
	fx, fy, cx, cy := c.intr[0], c.intr[1], c.intr[2], c.intr[3]
	x := [2]float64{(uv[0] - cx) / fx, (uv[1] - cy) / fy}
	for i := 0; i < 10; i++ {
		d := c.Distort(x)
		res := [2]float64{(d[0] - uv[0]) / fx, (d[1] - uv[1]) / fy}
		J := c.DistortJacobian(x)
		Jinv := invert2(J)
		dx := mat.NewVecDense(2, nil)
		dx.MulVec(Jinv, mat.NewVecDense(2, res[:]))
		x[0] -= dx.AtVec(0)
		x[1] -= dx.AtVec(1)
	}
	return x
}

func invert2(m *mat.Dense) *mat.Dense {
	a, b, c, d := m.At(0, 0), m.At(0, 1), m.At(1, 0), m.At(1, 1)
	det := a*d - b*c
	if math.Abs(det) < 1e-12 {
		det = 1e-12
	}
	out := mat.NewDense(2, 2, nil)
	out.Set(0, 0, d/det)
	out.Set(0, 1, -b/det)
	out.Set(1, 0, -c/det)
	out.Set(1, 1, a/det)
	return out
}
