// Package report implements the output sinks of SPEC_FULL.md §4.11: a
// per-frame timing breakdown CSV and state.txt/gps.txt trajectory logs in
// this package's own column layout (not byte-compatible with the logs
// OpenVINS writes), plus narrow publisher interfaces an embedder can
// implement to receive the same data without going through a file.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/types"
)

// OdometryPublisher receives the filter's pose and twist after every
// processed frame.
type OdometryPublisher interface {
	PublishOdometry(ts float64, pose types.Pose, velocity types.Vec3) error
}

// PathPublisher receives the accumulated trajectory; embedders that want a
// running path (e.g. for visualization) implement this instead of
// re-deriving it from repeated PublishOdometry calls.
type PathPublisher interface {
	PublishPath(poses []types.Pose) error
}

// TimingRow is one line of the per-frame timing breakdown. TimingWriter
// writes it with its own ten-column header, the timestamp at 9 decimals
// and the durations at 6; this is not the column set or precision of the
// CSV VioManager writes.
type TimingRow struct {
	Timestamp                                       float64
	TrackingMs, PropagationMs, MSCKFMs, SLAMMs       float64
	ZUPTMs, GNSSMs, RetriangulationMs, MarginalizeMs float64
	TotalMs                                          float64
}

// TimingWriter appends TimingRow entries as CSV.
type TimingWriter struct {
	w       io.Writer
	wrote   bool
}

func NewTimingWriter(w io.Writer) *TimingWriter { return &TimingWriter{w: w} }

func (tw *TimingWriter) Write(r TimingRow) error {
	if !tw.wrote {
		if _, err := fmt.Fprintln(tw.w, "timestamp,tracking,propagation,msckf,slam,zupt,gnss,retriangulation,marginalize,total"); err != nil {
			return err
		}
		tw.wrote = true
	}
	_, err := fmt.Fprintf(tw.w, "%.9f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f\n",
		r.Timestamp, r.TrackingMs, r.PropagationMs, r.MSCKFMs, r.SLAMMs, r.ZUPTMs, r.GNSSMs, r.RetriangulationMs, r.MarginalizeMs, r.TotalMs)
	return err
}

// StateWriter appends state.txt rows: timestamp, position, orientation,
// velocity, biases (17 fields at 9 decimals), one row per Write call; the
// row layout is not that of OpenVINS's `state.txt` trajectory log.
type StateWriter struct {
	w io.Writer
}

func NewStateWriter(w io.Writer) *StateWriter { return &StateWriter{w: w} }

func (sw *StateWriter) Write(s *state.State) error {
	q, p, v, bg, ba := s.IMU.Q, s.IMU.P, s.IMU.V, s.IMU.Bg, s.IMU.Ba
	_, err := fmt.Fprintf(sw.w, "%.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
		s.Timestamp, p[0], p[1], p[2], q[0], q[1], q[2], q[3], v[0], v[1], v[2], bg[0], bg[1], bg[2], ba[0], ba[1], ba[2])
	return err
}

// GPSWriter appends gps.txt rows: timestamp, raw LLA fix, and the
// corresponding filter position at that time (7 fields at 9 decimals); the
// row layout is not that of OpenVINS's `gps.txt` comparison log.
type GPSWriter struct {
	w io.Writer
}

func NewGPSWriter(w io.Writer) *GPSWriter { return &GPSWriter{w: w} }

func (gw *GPSWriter) Write(ts float64, lla, filterENU types.Vec3) error {
	_, err := fmt.Fprintf(gw.w, "%.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
		ts, lla[0], lla[1], lla[2], filterENU[0], filterENU[1], filterENU[2])
	return err
}

// OpenTruncate opens path for writing, truncating any existing content, in
// the convention OpenVINS's ROS1Visualizer uses for its output logs.
func OpenTruncate(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}
