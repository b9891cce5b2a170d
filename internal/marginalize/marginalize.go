// Package marginalize implements the fixed-order marginalization pass of
// spec.md §4.7: SLAM landmarks scheduled for drop are removed first, then
// the oldest clone, matching VioManager::do_feature_propagate_update's
// tail-end bookkeeping.
package marginalize

import (
	"github.com/openvio/vio-estimator/internal/state"
	"github.com/openvio/vio-estimator/internal/tracker"
)

// Marginalizer removes the resident state no longer needed once an update
// cycle completes.
type Marginalizer struct{}

func New() *Marginalizer { return &Marginalizer{} }

// MarginalizeSLAM drops any resident SLAM landmark whose ShouldMarg flag
// was set (lost track, failed re-triangulation, or explicit eviction by
// the selector), matching UpdaterSLAM::marginalize.
func (m *Marginalizer) MarginalizeSLAM(s *state.State, db *tracker.FeatureDatabase) []int {
	var dropped []int
	for _, id := range s.SortedSLAMFeatIDs() {
		l := s.SLAM[id]
		if l.ShouldMarg {
			s.RemoveSLAMLandmark(id)
			if f := db.GetFeature(id); f != nil {
				f.ToDelete = true
			}
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// MarginalizeOldestClone evicts the oldest pose clone from the window and
// covariance, matching StateHelper::marginalize_old_clone. Any SLAM
// landmark anchored to the evicted clone must be re-anchored beforehand by
// the caller (see ChangeAnchors); calling this with such a landmark still
// resident leaves its AnchorClone stale.
func (m *Marginalizer) MarginalizeOldestClone(s *state.State) (float64, bool) {
	return s.RemoveOldestClone()
}

// CleanupTracker drops tracker-side measurements at or before the
// marginalized timestamp and purges features marked ToDelete, matching
// FeatureDatabase::cleanup/cleanup_measurements.
func (m *Marginalizer) CleanupTracker(db *tracker.FeatureDatabase, margTs float64) {
	db.CleanupMeasurements(margTs)
	db.Cleanup()
}
