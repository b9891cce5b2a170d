package initializer

import (
	"math"
	"testing"

	"github.com/openvio/vio-estimator/internal/types"
)

func TestTryInitializeRequiresFullWindow(t *testing.T) {
	ii := New(9.81, 1.0, 0.05, false)
	ii.FeedIMU(types.ImuData{Timestamp: 0, Am: types.Vec3{0, 0, 9.81}})
	if _, ok, err := ii.TryInitialize(); ok || err != nil {
		t.Fatalf("expected not-ready with a short window, got ok=%v err=%v", ok, err)
	}
}

func TestTryInitializeStationaryEstimatesGravityAndBias(t *testing.T) {
	ii := New(9.81, 1.0, 0.05, false)
	biasGyro := types.Vec3{0.001, -0.002, 0.0005}
	for i := 0; i <= 100; i++ {
		ts := float64(i) * 0.01
		ii.FeedIMU(types.ImuData{Timestamp: ts, Am: types.Vec3{0, 0, 9.81}, Wm: biasGyro})
	}
	res, ok, err := ii.TryInitialize()
	if err != nil || !ok {
		t.Fatalf("expected successful initialization, got ok=%v err=%v", ok, err)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(res.Bg[i]-biasGyro[i]) > 1e-9 {
			t.Fatalf("gyro bias estimate %v, want %v", res.Bg, biasGyro)
		}
	}
	if math.Abs(res.Ba[0]) > 1e-6 || math.Abs(res.Ba[1]) > 1e-6 {
		t.Fatalf("expected negligible horizontal accel bias, got %v", res.Ba)
	}
}

func TestTryInitializeRejectsDisturbedPlatform(t *testing.T) {
	ii := New(9.81, 1.0, 0.001, false)
	for i := 0; i <= 100; i++ {
		ts := float64(i) * 0.01
		jerk := 0.0
		if i%2 == 0 {
			jerk = 2.0
		}
		ii.FeedIMU(types.ImuData{Timestamp: ts, Am: types.Vec3{0, 0, 9.81 + jerk}})
	}
	if _, ok, err := ii.TryInitialize(); ok || err == nil {
		t.Fatalf("expected rejection of a disturbed platform, got ok=%v err=%v", ok, err)
	}
}

func TestTryInitializeJerkWaitsWhileStillAtRest(t *testing.T) {
	ii := New(9.81, 1.0, 0.05, true)
	for i := 0; i <= 100; i++ {
		ts := float64(i) * 0.01
		ii.FeedIMU(types.ImuData{Timestamp: ts, Am: types.Vec3{0, 0, 9.81}})
	}
	if _, ok, err := ii.TryInitialize(); ok || err != nil {
		t.Fatalf("expected to keep waiting with no jerk observed, got ok=%v err=%v", ok, err)
	}
}

func TestTryInitializeJerkFiresOnAbruptAcceleration(t *testing.T) {
	ii := New(9.81, 1.0, 0.05, true)
	biasGyro := types.Vec3{0.001, -0.002, 0.0005}
	for i := 0; i <= 100; i++ {
		ts := float64(i) * 0.01
		am := types.Vec3{0, 0, 9.81}
		if i >= 80 {
			am = types.Vec3{0, 0, 12.0}
		}
		ii.FeedIMU(types.ImuData{Timestamp: ts, Am: am, Wm: biasGyro})
	}
	res, ok, err := ii.TryInitialize()
	if err != nil || !ok {
		t.Fatalf("expected initialization once the jerk fired, got ok=%v err=%v", ok, err)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(res.Bg[i]-biasGyro[i]) > 1e-9 {
			t.Fatalf("gyro bias estimate %v, want %v", res.Bg, biasGyro)
		}
	}
	if res.Timestamp < 0.79 {
		t.Fatalf("expected the reported timestamp at or after the jerk onset, got %v", res.Timestamp)
	}
}
