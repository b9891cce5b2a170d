// Package config loads the estimator's TOML configuration file, matching
// the parameter surface OpenVINS exposes through its YAML configs but
// expressed in the teacher's TOML-via-BurntSushi convention.
package config

import (
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"
)

// StateConfig mirrors state.StateOptions, kept separate so the wire format
// doesn't couple to the in-memory package layout.
type StateConfig struct {
	NumCameras              int  `toml:"num_cameras"`
	MaxCloneSize            int  `toml:"max_clone_size"`
	MaxSLAMFeatures         int  `toml:"max_slam_features"`
	MaxArucoFeatures        int  `toml:"max_aruco_features"`
	MaxMsckfInUpdate        int  `toml:"max_msckf_in_update"`
	MaxSlamInUpdate         int  `toml:"max_slam_in_update"`
	DoCalibCameraIntrinsics bool `toml:"do_calib_camera_intrinsics"`
	DoCalibCameraPose       bool `toml:"do_calib_camera_pose"`
	DoCalibCameraTimeoffset bool `toml:"do_calib_camera_timeoffset"`
}

type CameraConfig struct {
	ID         int       `toml:"id"`
	Fisheye    bool      `toml:"fisheye"`
	Width      int       `toml:"width"`
	Height     int       `toml:"height"`
	Intrinsics []float64 `toml:"intrinsics"`
	Extrinsics []float64 `toml:"extrinsics"` // qx qy qz qw px py pz, camera-from-IMU
}

type MSCKFConfig struct {
	PixelSigma    float64 `toml:"pixel_sigma"`
	ChiSquareMult float64 `toml:"chi_square_mult"`
}

type SLAMConfig struct {
	PixelSigma    float64 `toml:"pixel_sigma"`
	ChiSquareMult float64 `toml:"chi_square_mult"`
}

type ZUPTConfig struct {
	Enabled             bool    `toml:"enabled"`
	AccelVarianceThresh float64 `toml:"accel_variance_thresh"`
	GyroVarianceThresh  float64 `toml:"gyro_variance_thresh"`
	VelocitySigma       float64 `toml:"velocity_sigma"`
	ChiSquareMult       float64 `toml:"chi_square_mult"`
	MinSamples          int     `toml:"min_samples"`
}

// GNSSConfig resolves the Open Question of spec.md §9: altitude variance,
// the ENU anchor policy, and the lever arm are all explicit, configured
// values rather than hardcoded constants.
type GNSSConfig struct {
	Enabled            bool       `toml:"enabled"`
	AltitudeVariance   float64    `toml:"altitude_variance"`
	HorizontalVariance float64    `toml:"horizontal_variance"`
	LeverArm           [3]float64 `toml:"lever_arm"`
	LegacyENUAnchor    bool       `toml:"legacy_enu_anchor"`
	Port               string     `toml:"port"`
	BaudRate           int        `toml:"baud_rate"`
}

type InitializerConfig struct {
	GravityMag  float64 `toml:"gravity_mag"`
	WindowSec   float64 `toml:"window_sec"`
	AccelThresh float64 `toml:"accel_thresh"`
}

type PropagatorConfig struct {
	GyroWhite       float64 `toml:"gyro_white"`
	AccelWhite      float64 `toml:"accel_white"`
	GyroRandomWalk  float64 `toml:"gyro_random_walk"`
	AccelRandomWalk float64 `toml:"accel_random_walk"`
}

type OutputConfig struct {
	StatePath  string `toml:"state_path"`
	GPSPath    string `toml:"gps_path"`
	TimingPath string `toml:"timing_path"`
}

// Config is the top-level estimator configuration document.
type Config struct {
	State       StateConfig       `toml:"state"`
	Cameras     []CameraConfig    `toml:"cameras"`
	MSCKF       MSCKFConfig       `toml:"msckf"`
	SLAM        SLAMConfig        `toml:"slam"`
	ZUPT        ZUPTConfig        `toml:"zupt"`
	GNSS        GNSSConfig        `toml:"gnss"`
	Initializer InitializerConfig `toml:"initializer"`
	Propagator  PropagatorConfig  `toml:"propagator"`
	Output      OutputConfig      `toml:"output"`
}

// Default returns a config with conservative, OpenVINS-typical defaults.
func Default() Config {
	return Config{
		State: StateConfig{NumCameras: 1, MaxCloneSize: 11, MaxSLAMFeatures: 50, MaxArucoFeatures: 0, MaxMsckfInUpdate: 40, MaxSlamInUpdate: 25},
		MSCKF: MSCKFConfig{PixelSigma: 1, ChiSquareMult: 1},
		SLAM:  SLAMConfig{PixelSigma: 1, ChiSquareMult: 1},
		ZUPT:  ZUPTConfig{Enabled: true, AccelVarianceThresh: 0.01, GyroVarianceThresh: 0.001, VelocitySigma: 0.05, ChiSquareMult: 1, MinSamples: 5},
		GNSS: GNSSConfig{Enabled: false, AltitudeVariance: 1e6, HorizontalVariance: 4, LegacyENUAnchor: false, BaudRate: 9600},
		Initializer: InitializerConfig{GravityMag: 9.81, WindowSec: 1.0, AccelThresh: 0.05},
		Propagator:  PropagatorConfig{GyroWhite: 1.6968e-4, AccelWhite: 2.0e-3, GyroRandomWalk: 1.9393e-5, AccelRandomWalk: 3.0e-3},
		Output:      OutputConfig{StatePath: "state.txt", GPSPath: "gps.txt", TimingPath: "timing.csv"},
	}
}

// Load reads and parses a TOML config file, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	if cfg.GNSS.Enabled && cfg.GNSS.AltitudeVariance < 1.0 {
		slog.Warn("config: gnss.altitude_variance is suspiciously small, GPS altitude will dominate the filter",
			"configured", cfg.GNSS.AltitudeVariance)
	}
	return cfg, nil
}
