package gnss

import (
	"fmt"

	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/types"
	"gonum.org/v1/gonum/mat"
)

// Config holds the GNSS updater tunables, resolved per spec.md §9.
type Config struct {
	// AltitudeVariance is the measurement-noise variance (m^2) applied to
	// the vertical (up) component. The original C++ source hardcodes
	// 1e-6 here, which is inconsistent with realistic GNSS vertical
	// accuracy by twelve orders of magnitude and effectively tells the
	// filter the altitude fix is exact; the default here is 1e6,
	// treating altitude as near-unobserved unless explicitly tightened.
	AltitudeVariance float64
	HorizontalVariance float64
	// LeverArm is the GNSS antenna position in the IMU frame; zero means
	// antenna and IMU are coincident.
	LeverArm types.Vec3
	LegacyENUAnchor bool
}

func DefaultConfig() Config {
	return Config{AltitudeVariance: 1e6, HorizontalVariance: 4.0, LeverArm: types.Vec3{}, LegacyENUAnchor: false}
}

// Updater applies a 3-DOF ENU position residual against the filter's
// global position state, matching VioManager::update_state's GNSS branch.
type Updater struct {
	cfg  Config
	proj *EnuProjector
}

func New(cfg Config) *Updater {
	return &Updater{cfg: cfg, proj: NewEnuProjector(cfg.LegacyENUAnchor)}
}

// SeedAnchor establishes the ENU anchor from fix without applying any EKF
// update, matching VioManager::track_image_and_update's startup-gate
// behavior of collapsing the pre-init GNSS backlog down to
// latest_gps_data and fixing the ENU origin there.
func (u *Updater) SeedAnchor(fix types.Vec3) {
	u.proj.ToENU(fix)
}

// Update converts fix (lat, lon in radians, height in meters) to ENU and
// applies the position residual, accounting for the lever arm between the
// GNSS antenna and the IMU origin.
func (u *Updater) Update(s *state.State, fix types.Vec3, covOverride *types.Mat3) error {
	enu := u.proj.ToENU(fix)

	R := s.IMU.Rot()
	leverGlobal := rotation.MatVec(rotation.Transpose(R), u.cfg.LeverArm)
	predictedAntenna := rotation.Add(s.IMU.P, leverGlobal)

	res := mat.NewVecDense(3, []float64{
		enu[0] - predictedAntenna[0],
		enu[1] - predictedAntenna[1],
		enu[2] - predictedAntenna[2],
	})

	n := s.MaxCovarianceSize()
	H := mat.NewDense(3, n, nil)
	for i := 0; i < 3; i++ {
		H.Set(i, s.IMU.Index+3+i, 1)
	}
	// lever-arm skew Jacobian: d(predictedAntenna)/d(theta) = -R^T [leverArm]_x,
	// reinstated per spec.md §9 (the original source drops this term,
	// which is only exact when the lever arm is zero).
	if u.cfg.LeverArm != (types.Vec3{}) {
		skew := rotation.Skew(u.cfg.LeverArm)
		RT := rotation.Transpose(R)
		dThetaBlock := rotation.MatMul(RT, negateMat3(skew))
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				H.Set(i, s.IMU.Index+j, dThetaBlock[i][j])
			}
		}
	}

	Rmeas := mat.NewDense(3, 3, nil)
	Rmeas.Set(0, 0, u.cfg.HorizontalVariance)
	Rmeas.Set(1, 1, u.cfg.HorizontalVariance)
	Rmeas.Set(2, 2, u.cfg.AltitudeVariance)
	if covOverride != nil {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				Rmeas.Set(i, j, covOverride[i][j])
			}
		}
	}

	if err := s.EKFUpdate(H, res, Rmeas); err != nil {
		return fmt.Errorf("gnss: update rejected: %w", err)
	}
	return nil
}

func negateMat3(m types.Mat3) types.Mat3 {
	var out types.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = -m[i][j]
		}
	}
	return out
}
