package tracker

import "testing"

func TestFeatureDatabaseGetOrCreate(t *testing.T) {
	db := NewFeatureDatabase()
	f1 := db.GetOrCreate(5)
	f2 := db.GetOrCreate(5)
	if f1 != f2 {
		t.Fatalf("expected GetOrCreate to return the same feature for a repeated id")
	}
}

func TestFeatureAddObservationAndQueries(t *testing.T) {
	db := NewFeatureDatabase()
	f := db.GetOrCreate(1)
	f.AddObservation(0, 1.0, Observation{U: 10, V: 20})
	f.AddObservation(0, 2.0, Observation{U: 11, V: 21})
	f.AddObservation(1, 2.0, Observation{U: 30, V: 40})

	if got := f.TotalObservations(); got != 3 {
		t.Fatalf("expected 3 total observations, got %d", got)
	}
	if got := f.MaxCameraTrackLength(); got != 2 {
		t.Fatalf("expected max track length 2, got %d", got)
	}
	newest, ok := f.NewestTimestamp()
	if !ok || newest != 2.0 {
		t.Fatalf("expected newest timestamp 2.0, got %v (ok=%v)", newest, ok)
	}
	if !f.ContainsTimestamp(1.0) || !f.ContainsTimestamp(2.0) {
		t.Fatalf("expected both timestamps present")
	}
	if f.ContainsTimestamp(3.0) {
		t.Fatalf("did not expect timestamp 3.0 present")
	}
}

func TestFeaturesNotContainingNewerExcludesFresh(t *testing.T) {
	db := NewFeatureDatabase()
	stale := db.GetOrCreate(1)
	stale.AddObservation(0, 1.0, Observation{})
	fresh := db.GetOrCreate(2)
	fresh.AddObservation(0, 5.0, Observation{})

	lost := db.FeaturesNotContainingNewer(5.0, true)
	if len(lost) != 1 || lost[0].ID != 1 {
		t.Fatalf("expected only feature 1 as lost, got %+v", lost)
	}
}

func TestCleanupMeasurementsDropsOldObservations(t *testing.T) {
	db := NewFeatureDatabase()
	f := db.GetOrCreate(1)
	f.AddObservation(0, 1.0, Observation{})
	f.AddObservation(0, 2.0, Observation{})

	db.CleanupMeasurements(1.0)
	remaining := db.GetFeature(1)
	if remaining == nil {
		t.Fatalf("expected feature 1 to still exist")
	}
	if remaining.ContainsTimestamp(1.0) {
		t.Fatalf("expected ts 1.0 to be cleaned up")
	}
	if !remaining.ContainsTimestamp(2.0) {
		t.Fatalf("expected ts 2.0 to survive")
	}
}

func TestCleanupDropsDeletedFeatures(t *testing.T) {
	db := NewFeatureDatabase()
	f := db.GetOrCreate(1)
	f.ToDelete = true
	db.GetOrCreate(2)

	db.Cleanup()
	if db.GetFeature(1) != nil {
		t.Fatalf("expected feature 1 to be removed")
	}
	if db.GetFeature(2) == nil {
		t.Fatalf("expected feature 2 to survive")
	}
}

func TestAppendNewMeasurementsMerges(t *testing.T) {
	dst := NewFeatureDatabase()
	src := NewFeatureDatabase()
	src.GetOrCreate(1).AddObservation(0, 1.0, Observation{U: 1})
	src.GetOrCreate(1).AddObservation(0, 2.0, Observation{U: 2})

	dst.GetOrCreate(1).AddObservation(0, 1.0, Observation{U: 1})
	dst.AppendNewMeasurements(src)

	f := dst.GetFeature(1)
	if f.TotalObservations() != 2 {
		t.Fatalf("expected merge to yield 2 observations, got %d", f.TotalObservations())
	}
}
