// Package orchestrator implements the VIO Orchestrator of spec.md §4.1/§5:
// the single entry point that accepts IMU, camera, and GNSS measurements in
// whatever order they arrive, buffers out-of-order camera/GNSS fixes in
// timestamp-priority queues, and drives propagation, feature selection, the
// MSCKF/SLAM/ZUPT/GNSS updates, re-triangulation, and marginalization in
// the fixed per-frame order.
package orchestrator

import (
	"fmt"
	"log/slog"

	pqueue "github.com/kyroy/priority-queue"
	"github.com/openvio/vio-estimator/internal/camera"
	"github.com/openvio/vio-estimator/internal/gnss"
	"github.com/openvio/vio-estimator/internal/initializer"
	"github.com/openvio/vio-estimator/internal/marginalize"
	"github.com/openvio/vio-estimator/internal/msckf"
	"github.com/openvio/vio-estimator/internal/propagator"
	"github.com/openvio/vio-estimator/internal/retriangulate"
	"github.com/openvio/vio-estimator/internal/selector"
	"github.com/openvio/vio-estimator/internal/slam"
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/tracker"
	"github.com/openvio/vio-estimator/internal/types"
	"github.com/openvio/vio-estimator/internal/zupt"
)

// pendingCamera/pendingGNSS are queued by negative timestamp so that the
// priority queue (a max-heap by default) pops the earliest arrival first.
type pendingCamera struct {
	data types.CameraData
}

type pendingGNSS struct {
	fix types.GpsData
}

// Config bundles every collaborator's tunables plus orchestration knobs.
type Config struct {
	MSCKF          msckf.Config
	SLAM           slam.Config
	ZUPT           zupt.Config
	GNSS           gnss.Config
	MaxCameraQueue int
	MaxGNSSQueue   int
	UseZUPT        bool
	UseGNSS        bool
}

func DefaultConfig() Config {
	return Config{
		MSCKF: msckf.DefaultConfig(), SLAM: slam.DefaultConfig(), ZUPT: zupt.DefaultConfig(),
		GNSS: gnss.DefaultConfig(), MaxCameraQueue: 32, MaxGNSSQueue: 32, UseZUPT: true, UseGNSS: true,
	}
}

// Orchestrator is the single-threaded measurement pump: FeedIMU/FeedCamera
// /FeedGNSS enqueue, Step drains and processes whatever is ready.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	state *state.State
	prop  propagator.Propagator
	init  *initializer.Initializer
	db    *tracker.FeatureDatabase
	cams  map[int]camera.Model

	msckfU *msckf.Updater
	slamU  *slam.Updater
	zuptG  *zupt.Gate
	gnssU  *gnss.Updater
	retri  *retriangulate.Retriangulator
	marg   *marginalize.Marginalizer

	started bool

	cameraQueue *pqueue.PriorityQueue
	gnssQueue   *pqueue.PriorityQueue

	lastCameraTS float64
	lastGNSSTS   float64
}

func New(cfg Config, log *slog.Logger, s *state.State, prop propagator.Propagator, init *initializer.Initializer, db *tracker.FeatureDatabase, cams map[int]camera.Model, camWH map[int][2]int) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg: cfg, log: log, state: s, prop: prop, init: init, db: db, cams: cams,
		msckfU: msckf.New(cfg.MSCKF, cams), slamU: slam.New(cfg.SLAM, cams),
		zuptG: zupt.New(cfg.ZUPT), gnssU: gnss.New(cfg.GNSS),
		retri: retriangulate.New(cams, camWH), marg: marginalize.New(),
		cameraQueue: pqueue.New(), gnssQueue: pqueue.New(),
		lastCameraTS: -1, lastGNSSTS: -1,
	}
}

// FeedIMU forwards a sample to the propagator, to the ZUPT stationary
// detector when UseZUPT is set, and, while not yet started, to the
// initializer.
func (o *Orchestrator) FeedIMU(s types.ImuData) {
	o.prop.FeedIMU(s)
	if o.cfg.UseZUPT {
		o.zuptG.FeedIMU(s)
	}
	if !o.started {
		o.init.FeedIMU(s)
	}
}

// FeedCamera enqueues a camera frame by timestamp; out-of-order arrivals
// are tolerated up to MaxCameraQueue before the oldest is dropped with a
// warning, matching the bounded out-of-order tolerance of spec.md §5.
func (o *Orchestrator) FeedCamera(d types.CameraData) {
	if d.Timestamp < o.lastCameraTS {
		o.log.Warn("orchestrator: dropping out-of-order camera frame", "ts", d.Timestamp, "last", o.lastCameraTS)
		return
	}
	o.cameraQueue.Insert(pendingCamera{data: d}, -d.Timestamp)
	if o.cameraQueue.Len() > o.cfg.MaxCameraQueue {
		o.log.Warn("orchestrator: camera queue overflow, dropping oldest frame")
		o.cameraQueue.Pop()
	}
}

// FeedGNSS enqueues a GNSS fix by timestamp, mirroring FeedCamera.
func (o *Orchestrator) FeedGNSS(fix types.GpsData) {
	if !o.cfg.UseGNSS {
		return
	}
	if fix.Timestamp < o.lastGNSSTS {
		o.log.Warn("orchestrator: dropping out-of-order GNSS fix", "ts", fix.Timestamp, "last", o.lastGNSSTS)
		return
	}
	o.gnssQueue.Insert(pendingGNSS{fix: fix}, -fix.Timestamp)
	if o.gnssQueue.Len() > o.cfg.MaxGNSSQueue {
		o.log.Warn("orchestrator: GNSS queue overflow, dropping oldest fix")
		o.gnssQueue.Pop()
	}
}

// Step drains one ready camera frame (if any) and runs a full propagate
// -select-update-marginalize cycle against it, applying any GNSS fixes
// that have arrived at or before the frame's timestamp first.
func (o *Orchestrator) Step() error {
	if o.cameraQueue.Len() == 0 {
		return nil
	}

	if !o.started {
		res, ok, err := o.init.TryInitialize()
		if err != nil {
			return fmt.Errorf("orchestrator: initialization failed: %w", err)
		}
		if !ok {
			return nil
		}
		o.state.Timestamp = res.Timestamp
		o.state.IMU.Q = res.Q
		o.state.IMU.Bg = res.Bg
		o.state.IMU.Ba = res.Ba
		o.state.IMU.V = res.V
		o.state.FixGaugeFreedoms()
		o.discardGNSSBacklog()
		o.started = true
		o.log.Info("orchestrator: initialized", "ts", res.Timestamp)
	}

	item := o.cameraQueue.Pop()
	pc := item.Value.(pendingCamera)
	frame := pc.data
	o.lastCameraTS = frame.Timestamp

	o.drainGNSSUpTo(frame.Timestamp)

	if err := o.prop.PropagateAndClone(o.state, frame.Timestamp); err != nil {
		return fmt.Errorf("orchestrator: propagation failed: %w", err)
	}

	minClones := o.state.Options.MaxCloneSize
	if minClones > 5 {
		minClones = 5
	}
	if o.state.Clones.Len() < minClones {
		return nil
	}

	sel := selector.Select(o.state, o.db, frame.Timestamp, frame.SensorIDs)

	if len(sel.SLAMUpdate) > 0 {
		if _, err := o.slamU.Update(o.state, o.db, sel.SLAMUpdate, frame.Timestamp); err != nil {
			o.log.Warn("orchestrator: SLAM update error", "err", err)
		}
	}
	if len(sel.MSCKF) > 0 {
		accepted, err := o.msckfU.Update(o.state, sel.MSCKF)
		if err != nil {
			o.log.Warn("orchestrator: MSCKF update error", "err", err)
		} else {
			for _, f := range sel.MSCKF {
				if containsInt(accepted, f.ID) {
					f.ToDelete = true
				}
			}
		}
	}
	for _, f := range sel.SLAMPromote {
		if err := slam.DelayedInit(o.state, o.cams, f); err != nil {
			o.log.Debug("orchestrator: SLAM promotion skipped", "feat", f.ID, "err", err)
		}
	}

	if o.cfg.UseZUPT {
		if applied, err := o.zuptG.TryUpdate(o.state); err != nil {
			o.log.Warn("orchestrator: ZUPT update error", "err", err)
		} else if applied {
			o.log.Debug("orchestrator: ZUPT applied", "ts", frame.Timestamp)
		}
	}

	if len(frame.SensorIDs) > 0 && frame.SensorIDs[0] == 0 {
		if _, err := o.retri.Retriangulate(o.state, o.db); err != nil {
			o.log.Warn("orchestrator: re-triangulation error", "err", err)
		}
	}

	for _, f := range sel.Discard {
		if l, ok := o.state.SLAM[f.ID]; ok {
			l.ShouldMarg = true
		}
	}
	o.marg.MarginalizeSLAM(o.state, o.db)

	if o.state.Clones.Len() > o.state.Options.MaxCloneSize {
		if err := slam.ChangeAnchors(o.state, o.cams); err != nil {
			o.log.Warn("orchestrator: anchor change error", "err", err)
		}
		if margTs, ok := o.marg.MarginalizeOldestClone(o.state); ok {
			o.marg.CleanupTracker(o.db, margTs)
		}
	}

	return nil
}

// discardGNSSBacklog drops every GNSS fix queued before initialization
// succeeded, keeping only the latest to seed the ENU anchor, matching
// VioManager::track_image_and_update's pre-init gps_queue drain: the queue
// is collapsed to latest_gps_data with no update ever applied to the
// backlog.
func (o *Orchestrator) discardGNSSBacklog() {
	var latest *pendingGNSS
	for o.gnssQueue.Len() > 0 {
		item := o.gnssQueue.Pop()
		pg := item.Value.(pendingGNSS)
		latest = &pg
	}
	if latest == nil {
		return
	}
	o.lastGNSSTS = latest.fix.Timestamp
	o.gnssU.SeedAnchor(latest.fix.Lla)
}

func (o *Orchestrator) drainGNSSUpTo(ts float64) {
	for o.gnssQueue.Len() > 0 {
		item := o.gnssQueue.Pop()
		pg := item.Value.(pendingGNSS)
		if pg.fix.Timestamp > ts {
			o.gnssQueue.Insert(pg, -pg.fix.Timestamp)
			return
		}
		o.lastGNSSTS = pg.fix.Timestamp
		if !o.started {
			continue
		}
		if err := o.gnssU.Update(o.state, pg.fix.Lla, &pg.fix.Cov); err != nil {
			o.log.Warn("orchestrator: GNSS update rejected", "err", err)
		}
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
