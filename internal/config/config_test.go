package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[state]
num_cameras = 2
max_clone_size = 7

[gnss]
enabled = true
altitude_variance = 25.0
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.State.NumCameras != 2 {
		t.Fatalf("expected num_cameras 2, got %d", cfg.State.NumCameras)
	}
	if cfg.State.MaxCloneSize != 7 {
		t.Fatalf("expected max_clone_size 7, got %d", cfg.State.MaxCloneSize)
	}
	if !cfg.GNSS.Enabled {
		t.Fatalf("expected gnss.enabled true")
	}
	if cfg.GNSS.AltitudeVariance != 25.0 {
		t.Fatalf("expected overridden altitude_variance 25.0, got %v", cfg.GNSS.AltitudeVariance)
	}
	// fields not present in the file should keep their defaults.
	if cfg.MSCKF.PixelSigma != 1 {
		t.Fatalf("expected default msckf.pixel_sigma 1, got %v", cfg.MSCKF.PixelSigma)
	}
}

func TestDefaultAltitudeVarianceIsNotSuspiciouslySmall(t *testing.T) {
	cfg := Default()
	if cfg.GNSS.AltitudeVariance < 1.0 {
		t.Fatalf("expected a conservative default altitude variance, got %v", cfg.GNSS.AltitudeVariance)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.toml"); err == nil {
		t.Fatalf("expected an error loading a nonexistent config file")
	}
}
