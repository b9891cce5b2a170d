package msckf

import (
	"fmt"

	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
)

// Observation is one camera's normalized-plane measurement of a feature at
// a clone pose, used for linear triangulation.
type Observation struct {
	Pose  types.Pose // clone pose (global-to-IMU, composed with extrinsics upstream)
	NormU, NormV float64
}

// Triangulate solves the linear least-squares intersection of bearing rays
// from every observation, matching FeatureInitializer::single_triangulation
// (spec.md §4.3): each observation contributes two rows of a DLT-style
// system against the 3-D point in the anchor (first observation's) frame.
func Triangulate(obs []Observation) (types.Vec3, error) {
	if len(obs) < 2 {
		return types.Vec3{}, fmt.Errorf("msckf: need at least 2 observations to triangulate, got %d", len(obs))
	}
	anchor := obs[0].Pose

	A := mat.NewDense(2*len(obs), 3, nil)
	b := mat.NewVecDense(2*len(obs), nil)

	for i, o := range obs {
		// relative pose of this observation w.r.t. the anchor frame.
		relR, relP := relativePose(anchor, o.Pose)
		r0, r1, r2 := relR[0], relR[1], relR[2]

		row0 := rotation.Sub(r0, rotation.Scale(r2, o.NormU))
		row1 := rotation.Sub(r1, rotation.Scale(r2, o.NormV))

		A.SetRow(2*i, []float64{row0[0], row0[1], row0[2]})
		A.SetRow(2*i+1, []float64{row1[0], row1[1], row1[2]})

		b.SetVec(2*i, o.NormU*relP[2]-relP[0])
		b.SetVec(2*i+1, o.NormV*relP[2]-relP[1])
	}

	var AtA mat.Dense
	AtA.Mul(A.T(), A)
	var Atb mat.VecDense
	Atb.MulVec(A.T(), b)

	var lu mat.LU
	lu.Factorize(&AtA)
	var x mat.VecDense
	if err := lu.SolveVecTo(&x, false, &Atb); err != nil {
		return types.Vec3{}, fmt.Errorf("msckf: triangulation normal equations singular: %w", err)
	}

	pAnchor := types.Vec3{x.AtVec(0), x.AtVec(1), x.AtVec(2)}
	return anchorToGlobal(anchor, pAnchor), nil
}

// relativePose returns the rotation/translation taking points from the
// anchor's local frame into pose's local frame: p_pose = relR*p_anchor + relP.
// R_GtoI(pose)·R_ItoG(anchor) = R_GtoI(pose)·R_GtoI(anchor)^T, built entirely
// from the JPL global-to-body convention in the rotation package.
func relativePose(anchor, pose types.Pose) (types.Mat3, types.Vec3) {
	RaT := rotation.Transpose(rotation.ToRotation(anchor.Q))
	Rp := rotation.ToRotation(pose.Q)
	relR := rotation.MatMul(Rp, RaT)

	dP := rotation.Sub(anchor.P, pose.P)
	relP := rotation.MatVec(Rp, dP)
	return relR, relP
}

func anchorToGlobal(anchor types.Pose, pAnchor types.Vec3) types.Vec3 {
	RaT := rotation.Transpose(rotation.ToRotation(anchor.Q))
	return rotation.Add(rotation.MatVec(RaT, pAnchor), anchor.P)
}
