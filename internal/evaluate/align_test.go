package evaluate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/types"
)

func TestUmeyama(t *testing.T) {
	t.Parallel()

	t.Run("recovers a known rigid transform", func(t *testing.T) {
		t.Parallel()
		est := []types.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		trueR := types.Mat3{
			{0, -1, 0},
			{1, 0, 0},
			{0, 0, 1},
		}
		trueT := types.Vec3{2, -1, 5}

		ref := make([]types.Vec3, len(est))
		for i, p := range est {
			ref[i] = rotation.Add(rotation.MatVec(trueR, p), trueT)
		}

		a, err := Umeyama(est, ref, false)
		require.NoError(t, err)
		for i := range est {
			got := a.Apply(est[i])
			assert.InDelta(t, ref[i][0], got[0], 1e-6)
			assert.InDelta(t, ref[i][1], got[1], 1e-6)
			assert.InDelta(t, ref[i][2], got[2], 1e-6)
		}
		assert.InDelta(t, 1.0, a.Scale, 1e-6)
	})

	t.Run("estimates scale when requested", func(t *testing.T) {
		t.Parallel()
		est := []types.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		ref := make([]types.Vec3, len(est))
		for i, p := range est {
			ref[i] = rotation.Scale(p, 3.0)
		}
		a, err := Umeyama(est, ref, true)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, a.Scale, 1e-6)
	})

	t.Run("rejects empty or mismatched inputs", func(t *testing.T) {
		t.Parallel()
		_, err := Umeyama(nil, nil, false)
		assert.Error(t, err)

		est := []types.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
		ref := []types.Vec3{{0, 0, 0}, {1, 0, 0}}
		_, err = Umeyama(est, ref, false)
		assert.Error(t, err)
	})
}

func TestAbsoluteTrajectoryError(t *testing.T) {
	t.Parallel()

	traj := []types.Vec3{{0, 0, 0}, {1, 2, 3}, {4, 5, 6}}
	identity := Alignment{R: rotation.ToRotation(rotation.Identity()), Scale: 1}
	ate, err := AbsoluteTrajectoryError(traj, traj, identity)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, ate, 1e-9)
}

func TestReadTrajectory(t *testing.T) {
	t.Parallel()

	body := "1.000000000 1.0 2.0 3.0 0 0 0 1 0 0 0 0 0 0 0 0 0\n" +
		"2.000000000 4.0 5.0 6.0 0 0 0 1 0 0 0 0 0 0 0 0 0\n"
	pts, err := ReadTrajectory(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, types.Vec3{4.0, 5.0, 6.0}, pts[1].P)
}

func TestMatchNearest(t *testing.T) {
	t.Parallel()

	est := []TrajectoryPoint{{Timestamp: 1.0, P: types.Vec3{1, 0, 0}}, {Timestamp: 2.01, P: types.Vec3{2, 0, 0}}}
	ref := []TrajectoryPoint{{Timestamp: 1.02, P: types.Vec3{10, 0, 0}}, {Timestamp: 2.0, P: types.Vec3{20, 0, 0}}}

	estP, refP := MatchNearest(est, ref, 0.05)
	require.Len(t, estP, 2)
	require.Len(t, refP, 2)
	assert.Equal(t, types.Vec3{10, 0, 0}, refP[0])
	assert.Equal(t, types.Vec3{20, 0, 0}, refP[1])
}
