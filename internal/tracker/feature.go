// Package tracker holds the FeatureDatabase collaborator of spec.md
// §4.1/§6. Feature extraction and tracking themselves are explicitly out
// of scope (spec.md §1); this package defines no Go interfaces, only the
// concrete Feature/FeatureDatabase types that store pre-extracted 2-D
// observations, matching the "pre-extracted 2-D feature
// tracks" input model spec.md assumes.
package tracker

import (
	"sort"
	"sync"

	"github.com/openvio/vio-estimator/internal/types"
)

// Observation is a single pixel measurement of a feature in one camera at
// one clone timestamp.
type Observation struct {
	U, V         float64 // raw pixel
	NormU, NormV float64 // normalized-coordinate cache
}

// Feature is the transient, tracker-owned per-track record of spec.md §3.
type Feature struct {
	ID         int
	Timestamps map[int]map[float64]Observation // cam id -> ts -> obs
	PFinG      types.Vec3
	Triangulated bool
	ToDelete   bool
}

func NewFeature(id int) *Feature {
	return &Feature{ID: id, Timestamps: make(map[int]map[float64]Observation)}
}

// AddObservation appends a measurement, keeping the "clone timestamps
// strictly increasing" ordering implicit in the map's float64 key.
func (f *Feature) AddObservation(camID int, ts float64, obs Observation) {
	if f.Timestamps[camID] == nil {
		f.Timestamps[camID] = make(map[float64]Observation)
	}
	f.Timestamps[camID][ts] = obs
}

// NewestTimestamp returns the most recent observation time across all
// cameras, or false if the feature has no observations.
func (f *Feature) NewestTimestamp() (float64, bool) {
	found := false
	var newest float64
	for _, m := range f.Timestamps {
		for ts := range m {
			if !found || ts > newest {
				newest = ts
				found = true
			}
		}
	}
	return newest, found
}

// ContainsTimestamp reports whether any camera observed this feature at ts.
func (f *Feature) ContainsTimestamp(ts float64) bool {
	for _, m := range f.Timestamps {
		if _, ok := m[ts]; ok {
			return true
		}
	}
	return false
}

// TotalObservations returns the sum of per-camera observation counts, used
// for track-length sorting in the feature selector.
func (f *Feature) TotalObservations() int {
	n := 0
	for _, m := range f.Timestamps {
		n += len(m)
	}
	return n
}

// MaxCameraTrackLength returns the longest per-camera observation run,
// used to detect tracks that have reached max_clone_size.
func (f *Feature) MaxCameraTrackLength() int {
	max := 0
	for _, m := range f.Timestamps {
		if len(m) > max {
			max = len(m)
		}
	}
	return max
}

// CameraIDs returns which cameras have observed this feature.
func (f *Feature) CameraIDs() []int {
	ids := make([]int, 0, len(f.Timestamps))
	for id := range f.Timestamps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CleanOldMeasurements drops observations whose timestamp is not in the
// supplied valid set (e.g. the current clone window).
func (f *Feature) CleanOldMeasurements(valid map[float64]bool) {
	for cam, m := range f.Timestamps {
		for ts := range m {
			if !valid[ts] {
				delete(m, ts)
			}
		}
		if len(m) == 0 {
			delete(f.Timestamps, cam)
		}
	}
}

// FeatureDatabase is the shared, tracker-owned collection of in-flight
// feature tracks (spec.md §6).
type FeatureDatabase struct {
	mu       sync.Mutex
	features map[int]*Feature
}

func NewFeatureDatabase() *FeatureDatabase {
	return &FeatureDatabase{features: make(map[int]*Feature)}
}

// GetOrCreate returns the feature with id, creating it if absent.
func (db *FeatureDatabase) GetOrCreate(id int) *Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, ok := db.features[id]
	if !ok {
		f = NewFeature(id)
		db.features[id] = f
	}
	return f
}

// GetFeature returns the feature with id, or nil.
func (db *FeatureDatabase) GetFeature(id int) *Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.features[id]
}

// FeaturesNotContainingNewer returns features with no observation newer
// than ts, optionally skipping those already marked ToDelete.
func (db *FeatureDatabase) FeaturesNotContainingNewer(ts float64, skipDeleted bool) []*Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*Feature
	for _, id := range db.sortedIDsLocked() {
		f := db.features[id]
		if skipDeleted && f.ToDelete {
			continue
		}
		newest, ok := f.NewestTimestamp()
		if !ok || newest < ts {
			out = append(out, f)
		}
	}
	return out
}

// FeaturesContaining returns features with an observation at exactly ts.
func (db *FeatureDatabase) FeaturesContaining(ts float64, skipDeleted bool) []*Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*Feature
	for _, id := range db.sortedIDsLocked() {
		f := db.features[id]
		if skipDeleted && f.ToDelete {
			continue
		}
		if f.ContainsTimestamp(ts) {
			out = append(out, f)
		}
	}
	return out
}

// FeaturesContainingOlder returns features with any observation strictly
// before ts.
func (db *FeatureDatabase) FeaturesContainingOlder(ts float64) []*Feature {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*Feature
	for _, id := range db.sortedIDsLocked() {
		f := db.features[id]
		for _, m := range f.Timestamps {
			found := false
			for t := range m {
				if t < ts {
					found = true
					break
				}
			}
			if found {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func (db *FeatureDatabase) sortedIDsLocked() []int {
	ids := make([]int, 0, len(db.features))
	for id := range db.features {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Cleanup drops every feature marked ToDelete.
func (db *FeatureDatabase) Cleanup() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, f := range db.features {
		if f.ToDelete {
			delete(db.features, id)
		}
	}
}

// CleanupMeasurements drops observations at or before margtimestep from
// every feature, removing features left with no observations.
func (db *FeatureDatabase) CleanupMeasurements(margtimestep float64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, f := range db.features {
		for cam, m := range f.Timestamps {
			for ts := range m {
				if ts <= margtimestep {
					delete(m, ts)
				}
			}
			if len(m) == 0 {
				delete(f.Timestamps, cam)
			}
		}
		if len(f.Timestamps) == 0 {
			delete(db.features, id)
		}
	}
}

// AppendNewMeasurements merges another database's tracks into this one
// (TrackBase::get_feature_database() -> trackDATABASE::append_new_measurements).
func (db *FeatureDatabase) AppendNewMeasurements(other *FeatureDatabase) {
	other.mu.Lock()
	ids := other.sortedIDsLocked()
	snapshot := make(map[int]*Feature, len(ids))
	for _, id := range ids {
		snapshot[id] = other.features[id]
	}
	other.mu.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	for id, f := range snapshot {
		dst, ok := db.features[id]
		if !ok {
			dst = NewFeature(id)
			db.features[id] = dst
		}
		for cam, m := range f.Timestamps {
			for ts, obs := range m {
				dst.AddObservation(cam, ts, obs)
			}
		}
	}
}
