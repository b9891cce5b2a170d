// Package retriangulate implements the active-track re-triangulator of
// spec.md §4.6: periodically re-solving 3-D positions for MSCKF tracks that
// are still alive (not yet lost) so that the latest odometry output
// reflects up-to-date landmark estimates even for features the filter
// itself never promotes to SLAM. Re-triangulated points are indexed in a
// k-d tree so nearby output (e.g. a live point-cloud viewer) can query a
// local neighborhood without a linear scan over every active track.
package retriangulate

import (
	"fmt"
	"sync"

	"github.com/kyroy/kdtree"
	"github.com/openvio/vio-estimator/internal/camera"
	"github.com/openvio/vio-estimator/internal/msckf"
	"github.com/openvio/vio-estimator/internal/rotation"
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/tracker"
	"github.com/openvio/vio-estimator/internal/types"
)

// point3 implements kdtree.Point over a re-triangulated feature position.
type point3 struct {
	featID int
	x, y, z float64
}

func (p point3) Dimensions() int { return 3 }
func (p point3) Dimension(i int) float64 {
	switch i {
	case 0:
		return p.x
	case 1:
		return p.y
	default:
		return p.z
	}
}
func (p point3) Distance(q kdtree.Point) float64 {
	o := q.(point3)
	dx, dy, dz := p.x-o.x, p.y-o.y, p.z-o.z
	return dx*dx + dy*dy + dz*dz
}

// Retriangulator holds the most recent re-triangulation result and a k-d
// tree spatial index over it for nearest-neighbor queries.
type Retriangulator struct {
	mu      sync.Mutex
	cameras map[int]camera.Model
	camWH   map[int][2]int
	points  map[int]types.Vec3
	uvd     map[int][3]float64
	tree    *kdtree.KDTree
}

// New builds a Retriangulator against the given camera models. camWH maps
// camera id to its (width, height) in pixels, used to bounds-check the base
// camera's projected active-track overlay; a missing entry skips the
// bounds check for that camera.
func New(cameras map[int]camera.Model, camWH map[int][2]int) *Retriangulator {
	return &Retriangulator{
		cameras: cameras, camWH: camWH,
		points: make(map[int]types.Vec3), uvd: make(map[int][3]float64),
	}
}

// minObsThreshold is the minimum number of observations an active MSCKF
// track needs before re-triangulation is attempted, per
// VioManager::retriangulate_active_tracks's max(4, 2/5*max_clone_size) gate:
// shorter tracks triangulate too poorly to be worth the cost.
func minObsThreshold(maxCloneSize int) int {
	th := (2 * maxCloneSize) / 5
	if th < 4 {
		th = 4
	}
	return th
}

// Retriangulate re-solves every still-active MSCKF feature (no ToDelete
// flag, at least minObsThreshold observations against live clones), folds
// in every resident SLAM landmark's global position, rebuilds the spatial
// index over the union, and projects the result into the base camera for
// an overlay-ready (u_dist, v_dist, depth) map, matching
// VioManager::retriangulate_active_tracks.
func (r *Retriangulator) Retriangulate(s *state.State, db *tracker.FeatureDatabase) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newPoints := make(map[int]types.Vec3)
	newUVD := make(map[int][3]float64)
	var kdpoints []kdtree.Point

	newest, ok := s.Clones.Newest()
	if !ok {
		r.points = newPoints
		r.uvd = newUVD
		r.tree = nil
		return 0, nil
	}

	minObs := minObsThreshold(s.Options.MaxCloneSize)
	for _, f := range db.FeaturesContaining(newest, true) {
		if f.ToDelete {
			continue
		}
		obs, err := r.collect(s, f)
		if err != nil || len(obs) < minObs {
			continue
		}
		p, err := msckf.Triangulate(obs)
		if err != nil {
			continue
		}
		f.PFinG = p
		f.Triangulated = true
		newPoints[f.ID] = p
	}

	for _, id := range s.SortedSLAMFeatIDs() {
		p, ok := s.LandmarkGlobalPosition(s.SLAM[id])
		if !ok {
			continue
		}
		newPoints[id] = p
	}

	for id, p := range newPoints {
		kdpoints = append(kdpoints, point3{featID: id, x: p[0], y: p[1], z: p[2]})
	}

	if baseCam, ok := r.cameras[0]; ok {
		if basePose, ok := s.CameraPose(0, newest); ok {
			R := rotation.ToRotation(basePose.Q)
			wh, hasWH := r.camWH[0]
			for id, p := range newPoints {
				pFinC := rotation.MatVec(R, rotation.Sub(p, basePose.P))
				if pFinC[2] < 0.1 {
					continue
				}
				norm := [2]float64{pFinC[0] / pFinC[2], pFinC[1] / pFinC[2]}
				pix := baseCam.Distort(norm)
				if hasWH && (pix[0] < 0 || pix[0] >= float64(wh[0]) || pix[1] < 0 || pix[1] >= float64(wh[1])) {
					continue
				}
				newUVD[id] = [3]float64{pix[0], pix[1], pFinC[2]}
			}
		}
	}

	r.points = newPoints
	r.uvd = newUVD
	if len(kdpoints) > 0 {
		r.tree = kdtree.New(kdpoints)
	} else {
		r.tree = nil
	}
	return len(newPoints), nil
}

func (r *Retriangulator) collect(s *state.State, f *tracker.Feature) ([]msckf.Observation, error) {
	var obs []msckf.Observation
	for _, camID := range f.CameraIDs() {
		cam, ok := r.cameras[camID]
		if !ok {
			continue
		}
		for ts, o := range f.Timestamps[camID] {
			if _, ok := s.Clones.Get(ts); !ok {
				continue
			}
			pose, ok := s.CameraPose(camID, ts)
			if !ok {
				continue
			}
			norm := cam.Undistort([2]float64{o.U, o.V})
			obs = append(obs, msckf.Observation{Pose: pose, NormU: norm[0], NormV: norm[1]})
		}
	}
	if len(obs) < 2 {
		return nil, fmt.Errorf("retriangulate: insufficient observations")
	}
	return obs, nil
}

// Nearest returns the k closest re-triangulated points to query, using the
// k-d tree spatial index.
func (r *Retriangulator) Nearest(query types.Vec3, k int) []types.Vec3 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tree == nil {
		return nil
	}
	found := r.tree.KNN(point3{x: query[0], y: query[1], z: query[2]}, k)
	out := make([]types.Vec3, 0, len(found))
	for _, p := range found {
		pt := p.(point3)
		out = append(out, types.Vec3{pt.x, pt.y, pt.z})
	}
	return out
}

// Points returns a snapshot of every currently re-triangulated feature
// position, keyed by feature id.
func (r *Retriangulator) Points() map[int]types.Vec3 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]types.Vec3, len(r.points))
	for k, v := range r.points {
		out[k] = v
	}
	return out
}

// UVD returns a snapshot of the base-camera projection (u_dist, v_dist,
// depth) for every point that landed in front of the camera and inside its
// configured image bounds, keyed by feature id.
func (r *Retriangulator) UVD() map[int][3]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int][3]float64, len(r.uvd))
	for k, v := range r.uvd {
		out[k] = v
	}
	return out
}
