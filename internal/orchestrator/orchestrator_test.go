package orchestrator

import (
	"testing"

	"github.com/openvio/vio-estimator/internal/camera"
	"github.com/openvio/vio-estimator/internal/initializer"
	"github.com/openvio/vio-estimator/internal/propagator"
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/tracker"
	"github.com/openvio/vio-estimator/internal/types"
)

func newTestOrchestrator() *Orchestrator {
	s := state.New(state.StateOptions{MaxCloneSize: 5, MaxSLAMFeatures: 10, MaxMsckfInUpdate: 10, MaxSlamInUpdate: 10})
	s.AddCamera(0, 8, false, false, false)
	prop := propagator.New(9.81, propagator.DefaultNoise())
	init := initializer.New(9.81, 0.2, 1.0, false)
	db := tracker.NewFeatureDatabase()
	cams := map[int]camera.Model{0: camera.NewRadtan([]float64{500, 500, 320, 240, 0, 0, 0, 0})}
	return New(DefaultConfig(), nil, s, prop, init, db, cams, nil)
}

func feedStationaryIMU(o *Orchestrator, n int, dt float64) {
	for i := 0; i < n; i++ {
		o.FeedIMU(types.ImuData{Timestamp: float64(i) * dt, Am: types.Vec3{0, 0, 9.81}, Wm: types.Vec3{}})
	}
}

func TestStepInitializesOnceStationaryWindowFills(t *testing.T) {
	o := newTestOrchestrator()
	feedStationaryIMU(o, 30, 0.01)
	o.FeedCamera(types.CameraData{Timestamp: 0.3})

	if err := o.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !o.started {
		t.Fatalf("expected the orchestrator to initialize once the stationary window filled")
	}
}

func TestStepNoOpsWithoutAQueuedCameraFrame(t *testing.T) {
	o := newTestOrchestrator()
	feedStationaryIMU(o, 30, 0.01)
	if err := o.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if o.started {
		t.Fatalf("expected no initialization without a queued camera frame")
	}
}

func TestFeedCameraDropsOutOfOrderFrames(t *testing.T) {
	o := newTestOrchestrator()
	o.FeedCamera(types.CameraData{Timestamp: 2.0})
	o.lastCameraTS = 2.0
	o.FeedCamera(types.CameraData{Timestamp: 1.0})
	if o.cameraQueue.Len() != 1 {
		t.Fatalf("expected the out-of-order frame dropped and only the 2.0 frame queued, queue len = %d", o.cameraQueue.Len())
	}
}

func TestFeedCameraOverflowDropsOldestFrame(t *testing.T) {
	o := newTestOrchestrator()
	o.cfg.MaxCameraQueue = 2
	o.FeedCamera(types.CameraData{Timestamp: 1.0})
	o.FeedCamera(types.CameraData{Timestamp: 2.0})
	o.FeedCamera(types.CameraData{Timestamp: 3.0})
	if o.cameraQueue.Len() != 2 {
		t.Fatalf("expected the queue capped at MaxCameraQueue, got len=%d", o.cameraQueue.Len())
	}
}

func TestStepRunsMultipleFramesAfterInitialization(t *testing.T) {
	o := newTestOrchestrator()
	feedStationaryIMU(o, 30, 0.01)
	o.FeedCamera(types.CameraData{Timestamp: 0.3})
	if err := o.Step(); err != nil {
		t.Fatalf("first Step failed: %v", err)
	}

	for ts := 0.31; ts <= 0.6; ts += 0.01 {
		o.FeedIMU(types.ImuData{Timestamp: ts, Am: types.Vec3{0, 0, 9.81}, Wm: types.Vec3{}})
	}
	o.FeedCamera(types.CameraData{Timestamp: 0.6})
	if err := o.Step(); err != nil {
		t.Fatalf("second Step failed: %v", err)
	}
}

func TestStepRunsTheFullUpdatePipelineOnceTheWindowFills(t *testing.T) {
	o := newTestOrchestrator()
	feedStationaryIMU(o, 30, 0.01)

	prevTs := 0.0
	frameTs := 0.3
	for i := 0; i < 7; i++ {
		for ts := prevTs + 0.01; ts <= frameTs; ts += 0.01 {
			o.FeedIMU(types.ImuData{Timestamp: ts, Am: types.Vec3{0, 0, 9.81}, Wm: types.Vec3{}})
		}
		o.FeedCamera(types.CameraData{Timestamp: frameTs})
		if err := o.Step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
		prevTs = frameTs
		frameTs += 0.1
	}

	if o.state.Clones.Len() > 5 {
		t.Fatalf("expected the clone window capped at MaxCloneSize, got %d", o.state.Clones.Len())
	}
}
