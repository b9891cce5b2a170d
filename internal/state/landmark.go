package state

import "github.com/openvio/vio-estimator/internal/types"

// Representation is the landmark parameterization tag from spec.md §3.
type Representation int

const (
	GlobalXYZ Representation = iota
	AnchoredXYZ
	AnchoredInverseDepth
)

// IsRelative reports whether the representation is anchor-relative and so
// requires an anchor camera/clone to interpret.
func (r Representation) IsRelative() bool {
	return r == AnchoredXYZ || r == AnchoredInverseDepth
}

// SLAMLandmark is a persistent feature position kept as a state variable.
type SLAMLandmark struct {
	Variable

	FeatID         int
	Value, Fej     types.Vec3
	Representation Representation
	AnchorCamID    int
	AnchorClone    float64
	ShouldMarg     bool
	UniqueCameraID int
}

// IsAruco reports whether this landmark is a protected ArUco tag.
func (l *SLAMLandmark) IsAruco(maxArucoFeatures int) bool {
	return l.FeatID <= maxArucoFeatures
}
