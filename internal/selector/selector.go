// Package selector implements the feature selection pass of spec.md §4.2:
// partitioning the tracker's live feature set into the MSCKF set, the SLAM
// continuation set, and features newly eligible for SLAM promotion, each
// respecting the state's configured per-update caps.
package selector

import (
	"sort"

	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/tracker"
)

// Result partitions a frame's candidate features for the downstream
// updaters.
type Result struct {
	MSCKF       []*tracker.Feature // to triangulate-and-discard this update
	SLAMUpdate  []*tracker.Feature // resident SLAM landmarks with a new observation
	SLAMPromote []*tracker.Feature // long tracks eligible for delayed_init this update
	Discard     []*tracker.Feature // MSCKF candidates beyond max_msckf_in_update
}

// Select implements the 7-step partitioning:
//  1. lost features (no observation at the current timestamp, not resident in SLAM,
//     excluding features whose observations don't intersect sensorIDs)
//  2. features containing the marginalization timestep (the oldest clone)
//  3. de-dup: any feature already in lost is removed from marg
//  4. features lifted out of marg whose longest per-camera observation sequence
//     exceeds max_clone_size -> max-track set, eligible for SLAM promotion
//  5. SLAM continuation: resident SLAM landmarks observed this frame -> SLAMUpdate;
//     landmarks absent this frame whose unique_camera_id is in sensorIDs -> should_marg
//  6. SLAM promotion: max-track features move into SLAMPromote, most observations
//     first, while free SLAM slots remain; the rest stay MSCKF candidates
//  7. the MSCKF set is capped at max_msckf_in_update, keeping the longest tracks
//     (the overflow goes to Discard); SLAMUpdate is capped at max_slam_in_update,
//     keeping the lowest feature ids
func Select(s *state.State, db *tracker.FeatureDatabase, currentTs float64, sensorIDs []int) Result {
	margTs, hasMarg := s.MargTimestep()

	var lost, marg []*tracker.Feature
	for _, f := range db.FeaturesNotContainingNewer(currentTs, true) {
		if _, isSlam := slamByFeatID(s, f.ID); isSlam {
			continue
		}
		if !intersectsCameraIDs(f, sensorIDs) {
			continue
		}
		lost = append(lost, f)
	}
	if hasMarg {
		for _, f := range db.FeaturesContaining(margTs, true) {
			if _, isSlam := slamByFeatID(s, f.ID); isSlam {
				continue
			}
			if containsFeature(lost, f) {
				continue
			}
			marg = append(marg, f)
		}
	}

	// lift the max-track set directly out of marg, mirroring the C++'s
	// erase/push_back so a feature can't appear in both sets.
	var maxed []*tracker.Feature
	remaining := marg[:0:0]
	for _, f := range marg {
		if f.MaxCameraTrackLength() > s.Options.MaxCloneSize {
			maxed = append(maxed, f)
			continue
		}
		remaining = append(remaining, f)
	}
	marg = remaining

	var res Result
	msckfCandidates := dedupe(append(append(lost, marg...), maxed...))
	sort.Slice(msckfCandidates, func(i, j int) bool {
		return msckfCandidates[i].TotalObservations() > msckfCandidates[j].TotalObservations()
	})

	freeSlam := s.Options.MaxSLAMFeatures - len(s.SLAM)
	promoteBudget := freeSlam
	if promoteBudget < 0 {
		promoteBudget = 0
	}

	for _, f := range msckfCandidates {
		if promoteBudget > 0 && containsFeature(maxed, f) && f.TotalObservations() >= minTrackLenForPromotion(s) {
			res.SLAMPromote = append(res.SLAMPromote, f)
			promoteBudget--
			continue
		}
		res.MSCKF = append(res.MSCKF, f)
	}

	for _, id := range s.SortedSLAMFeatIDs() {
		l := s.SLAM[id]
		f := db.GetFeature(id)
		if f != nil && f.ContainsTimestamp(currentTs) {
			res.SLAMUpdate = append(res.SLAMUpdate, f)
			continue
		}
		if containsInt(sensorIDs, l.UniqueCameraID) {
			l.ShouldMarg = true
		}
	}

	if s.Options.MaxMsckfInUpdate > 0 && len(res.MSCKF) > s.Options.MaxMsckfInUpdate {
		res.Discard = append(res.Discard, res.MSCKF[s.Options.MaxMsckfInUpdate:]...)
		res.MSCKF = res.MSCKF[:s.Options.MaxMsckfInUpdate]
	}
	if s.Options.MaxSlamInUpdate > 0 && len(res.SLAMUpdate) > s.Options.MaxSlamInUpdate {
		sort.Slice(res.SLAMUpdate, func(i, j int) bool { return res.SLAMUpdate[i].ID < res.SLAMUpdate[j].ID })
		res.SLAMUpdate = res.SLAMUpdate[:s.Options.MaxSlamInUpdate]
	}

	return res
}

// minTrackLenForPromotion requires one more observation than the two the
// MSCKF needs, matching OpenVINS's bias toward stable long tracks for
// delayed initialization.
func minTrackLenForPromotion(s *state.State) int {
	return 3
}

func slamByFeatID(s *state.State, id int) (*state.SLAMLandmark, bool) {
	l, ok := s.SLAM[id]
	return l, ok
}

func containsFeature(list []*tracker.Feature, f *tracker.Feature) bool {
	for _, x := range list {
		if x.ID == f.ID {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// intersectsCameraIDs reports whether f has an observation in any of
// sensorIDs. An empty sensorIDs (no frame context) does not filter.
func intersectsCameraIDs(f *tracker.Feature, sensorIDs []int) bool {
	if len(sensorIDs) == 0 {
		return true
	}
	for _, camID := range f.CameraIDs() {
		if containsInt(sensorIDs, camID) {
			return true
		}
	}
	return false
}

func dedupe(in []*tracker.Feature) []*tracker.Feature {
	seen := make(map[int]bool, len(in))
	out := make([]*tracker.Feature, 0, len(in))
	for _, f := range in {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}
